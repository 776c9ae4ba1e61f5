package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// taskStreamHandler streams periodic task counter snapshots via SSE.
// Supports ?interval= (duration, default 1s, floor 100ms).
func (s *Server) taskStreamHandler(w http.ResponseWriter, r *http.Request) {
	interval := time.Second
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad interval: "+err.Error())
			return
		}
		if d < 100*time.Millisecond {
			d = 100 * time.Millisecond
		}
		interval = d
	}

	setSSEHeaders(w)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			data, err := json.Marshal(s.rt.Tasks())
			if err != nil {
				continue
			}
			writeSSEEvent(w, strconv.FormatUint(seq, 10), "tasks", string(data))
		}
	}
}
