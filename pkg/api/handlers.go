package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/openpdp/dprt/pkg/runtime"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// pathHandle parses the {handle} path value. The second return is false
// after an error response has been written.
func pathHandle(w http.ResponseWriter, r *http.Request) (runtime.Handle, bool) {
	v, err := strconv.ParseInt(r.PathValue("handle"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad handle: "+r.PathValue("handle"))
		return runtime.InvalidHandle, false
	}
	return runtime.Handle(v), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	capacity, available := s.rt.PoolStats()
	writeOK(w, StatusResponse{
		Uptime:          time.Since(s.startTime).Truncate(time.Second).String(),
		Environment:     s.envName,
		Pipelines:       len(s.rt.Pipelines()),
		Endpoints:       len(s.rt.Endpoints()),
		Buffers:         len(s.rt.Buffers()),
		Tasks:           len(s.rt.Tasks()),
		AvailableLcores: s.rt.AvailableLcores(),
		PoolCapacity:    capacity,
		PoolAvailable:   available,
		LastError:       s.rt.LastError(),
	})
}

func (s *Server) portsHandler(w http.ResponseWriter, _ *http.Request) {
	var out []PortEntry
	for _, p := range s.rt.Ports() {
		e := PortEntry{ID: p.ID, Name: p.Name}
		if len(p.MAC) > 0 {
			e.MAC = p.MAC.String()
		}
		out = append(out, e)
	}
	writeOK(w, out)
}

// --- Pipelines ---

func (s *Server) pipelinesHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.rt.Pipelines())
}

func (s *Server) loadPipelineHandler(w http.ResponseWriter, r *http.Request) {
	var req LoadPipelineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h, err := s.rt.LoadPipeline(req.Name, req.SpecPath)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, HandleResponse{Handle: int32(h)})
}

func (s *Server) unloadPipelineHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHandle(w, r)
	if !ok {
		return
	}
	if err := s.rt.UnloadPipeline(h); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, nil)
}

// --- Endpoints ---

func (s *Server) endpointsHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.rt.Endpoints())
}

func (s *Server) createEndpointHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateEndpointRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h, err := s.rt.CreateEndpoint(req.Name, req.Iface, req.Rx)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, HandleResponse{Handle: int32(h)})
}

func (s *Server) startEndpointHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHandle(w, r)
	if !ok {
		return
	}
	if err := s.rt.StartEndpoint(h); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) stopEndpointHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHandle(w, r)
	if !ok {
		return
	}
	if err := s.rt.StopEndpoint(h); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, nil)
}

// --- Buffers ---

func (s *Server) buffersHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.rt.Buffers())
}

func (s *Server) createBufferHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateBufferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h, err := s.rt.CreateBuffer(req.Name, req.Size)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, HandleResponse{Handle: int32(h)})
}

func (s *Server) destroyBufferHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHandle(w, r)
	if !ok {
		return
	}
	if err := s.rt.DestroyBuffer(h); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) readBufferHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHandle(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	length, err := strconv.Atoi(q.Get("len"))
	if err != nil || length <= 0 {
		writeError(w, http.StatusBadRequest, "len query parameter required")
		return
	}
	// Bound the allocation by the buffer itself before trusting the query.
	if size := s.rt.BufferSize(h); length > size {
		writeError(w, http.StatusUnprocessableEntity, runtime.ErrOutOfRange.Error())
		return
	}
	data := make([]byte, length)
	if err := s.rt.ReadBuffer(h, data, offset); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, BufferReadResponse{
		Offset: offset,
		Length: length,
		Data:   base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) writeBufferHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHandle(w, r)
	if !ok {
		return
	}
	var req BufferWriteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad base64 data: "+err.Error())
		return
	}
	if err := s.rt.WriteBuffer(h, data, req.Offset); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, nil)
}

// --- Tasks ---

func (s *Server) tasksHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.rt.Tasks())
}

func (s *Server) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	buffer := runtime.Handle(req.Buffer)
	if req.Buffer < 0 {
		buffer = runtime.InvalidHandle
	}
	h, err := s.rt.CreateTask(req.Name, req.SpecPath, req.Parser,
		runtime.Handle(req.Endpoint), buffer, req.Burst)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, HandleResponse{Handle: int32(h)})
}

func (s *Server) stopTaskHandler(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHandle(w, r)
	if !ok {
		return
	}
	if err := s.rt.StopTask(h); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeOK(w, nil)
}
