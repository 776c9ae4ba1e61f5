package runtime

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/openpdp/dprt/pkg/env"
)

type taskState struct {
	name     string
	pipeline Handle
	endpoint Handle
	buffer   Handle
	lcore    int
	parser   bool
	burst    int

	stop     *atomic.Bool
	stopping bool
	running  bool
	counters *taskCounters
}

type taskCounters struct {
	bursts       atomic.Uint64
	rxPackets    atomic.Uint64
	processed    atomic.Uint64
	txPackets    atomic.Uint64
	bufBytes     atomic.Uint64
	bufOverflows atomic.Uint64
}

// TaskStats is a point-in-time snapshot of one task's counters.
type TaskStats struct {
	Bursts       uint64 `json:"bursts"`
	RxPackets    uint64 `json:"rx_packets"`
	Processed    uint64 `json:"processed"`
	TxPackets    uint64 `json:"tx_packets"`
	BufBytes     uint64 `json:"buf_bytes"`
	BufOverflows uint64 `json:"buf_overflows"`
}

func (c *taskCounters) snapshot() TaskStats {
	return TaskStats{
		Bursts:       c.bursts.Load(),
		RxPackets:    c.rxPackets.Load(),
		Processed:    c.processed.Load(),
		TxPackets:    c.txPackets.Load(),
		BufBytes:     c.bufBytes.Load(),
		BufOverflows: c.bufOverflows.Load(),
	}
}

// CreateTask wires one pipeline (loaded here from specPath), one endpoint,
// and one buffer onto one exclusively allocated worker core and launches
// the poll loop there. Partial construction is always unwound: a failure
// never leaves a pipeline, lcore, or task slot behind.
func (r *Runtime) CreateTask(name, specPath string, isParser bool, endpoint, buffer Handle, burst int) (Handle, error) {
	if burst <= 0 {
		burst = r.opts.DefaultBurst
	}

	plh, err := r.LoadPipeline(name, specPath)
	if err != nil {
		return InvalidHandle, fmt.Errorf("create task %q: %w", name, err)
	}

	lcore, err := r.AllocLcore()
	if err != nil {
		r.UnloadPipeline(plh)
		return InvalidHandle, fmt.Errorf("create task %q: %w", name, err)
	}

	r.mu.Lock()
	ep := r.endpoints.get(endpoint)
	if ep == nil {
		r.mu.Unlock()
		r.freeLcore(lcore)
		r.UnloadPipeline(plh)
		r.recordErr("create task %q: endpoint handle %d invalid", name, endpoint)
		return InvalidHandle, fmt.Errorf("create task %q: endpoint: %w", name, ErrInvalidHandle)
	}
	// Parser tasks drain a receive endpoint, deparser tasks feed a
	// transmit endpoint.
	if ep.rx != isParser {
		r.mu.Unlock()
		r.freeLcore(lcore)
		r.UnloadPipeline(plh)
		r.recordErr("create task %q: endpoint %d has the wrong direction", name, endpoint)
		return InvalidHandle, fmt.Errorf("create task %q: endpoint %d: %w", name, endpoint, ErrDirection)
	}
	pl := r.pipelines.get(plh)
	if pl == nil {
		// Unloaded between LoadPipeline returning and the lock.
		r.mu.Unlock()
		r.freeLcore(lcore)
		r.recordErr("create task %q: pipeline unloaded during create", name)
		return InvalidHandle, fmt.Errorf("create task %q: pipeline: %w", name, ErrInvalidHandle)
	}

	// The worker resolves everything it needs up front: the poll loop must
	// never touch the resource mutex.
	var buf []byte
	if b := r.buffers.get(buffer); b != nil {
		buf = b.region.Bytes()[:b.size]
	}
	stop := new(atomic.Bool)
	counters := new(taskCounters)
	w := &worker{
		env:      r.env,
		prog:     pl.prog,
		port:     ep.port,
		pool:     r.pool,
		buf:      buf,
		burst:    burst,
		parser:   isParser,
		stop:     stop,
		counters: counters,
	}

	h, t := r.tasks.alloc()
	t.name = name
	t.pipeline = plh
	t.endpoint = endpoint
	t.buffer = buffer
	t.lcore = lcore
	t.parser = isParser
	t.burst = burst
	t.stop = stop
	t.counters = counters
	r.mu.Unlock()

	unwind := func() {
		r.mu.Lock()
		r.tasks.free(h)
		r.mu.Unlock()
		r.freeLcore(lcore)
		r.UnloadPipeline(plh)
	}

	if err := r.StartEndpoint(endpoint); err != nil {
		unwind()
		return InvalidHandle, fmt.Errorf("create task %q: %w", name, err)
	}

	if err := r.env.Launch(lcore, w.run); err != nil {
		unwind()
		r.recordErr("launch task %q on core %d: %v", name, lcore, err)
		return InvalidHandle, fmt.Errorf("launch task %q on core %d: %w", name, lcore, err)
	}

	r.mu.Lock()
	if t := r.tasks.get(h); t != nil {
		t.running = true
	}
	r.mu.Unlock()

	slog.Info("task created",
		"task", name, "lcore", lcore, "parser", isParser,
		"burst", burst, "handle", int32(h))
	return h, nil
}

// StopTask cooperatively stops the task: it sets the stop flag, blocks
// until the worker core finishes, frees the lcore for reuse, and
// invalidates the handle. Stopping an already-stopped or invalid task is
// a no-op. Worst-case stop latency is one burst's processing time.
func (r *Runtime) StopTask(h Handle) error {
	r.mu.Lock()
	t := r.tasks.get(h)
	if t == nil || !t.running || t.stopping {
		r.mu.Unlock()
		return nil
	}
	t.stopping = true
	t.stop.Store(true)
	lcore, name := t.lcore, t.name
	r.mu.Unlock()

	r.env.Wait(lcore)

	r.mu.Lock()
	if t := r.tasks.get(h); t != nil {
		t.running = false
		r.tasks.free(h)
	}
	r.mu.Unlock()
	r.freeLcore(lcore)

	slog.Info("task stopped", "task", name, "lcore", lcore, "handle", int32(h))
	return nil
}

// TaskRunning reports whether the task's worker loop is active.
func (r *Runtime) TaskRunning(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks.get(h)
	return t != nil && t.running
}

// TaskInfo describes one task.
type TaskInfo struct {
	Handle   Handle    `json:"handle"`
	Name     string    `json:"name"`
	Pipeline Handle    `json:"pipeline"`
	Endpoint Handle    `json:"endpoint"`
	Buffer   Handle    `json:"buffer"`
	Lcore    int       `json:"lcore"`
	Parser   bool      `json:"parser"`
	Burst    int       `json:"burst"`
	Running  bool      `json:"running"`
	Stats    TaskStats `json:"stats"`
}

// Tasks lists all tasks with counter snapshots; counters are readable
// without stopping the task.
func (r *Runtime) Tasks() []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskInfo
	r.tasks.each(func(h Handle, t *taskState) {
		out = append(out, TaskInfo{
			Handle: h, Name: t.name,
			Pipeline: t.pipeline, Endpoint: t.endpoint, Buffer: t.buffer,
			Lcore: t.lcore, Parser: t.parser, Burst: t.burst,
			Running: t.running, Stats: t.counters.snapshot(),
		})
	})
	return out
}

// worker is the state a poll loop owns outright. It holds direct
// references (program, port id, pool, buffer view) resolved at task
// creation, so the loop never blocks on a mutex, allocates, or waits
// indefinitely; the only cross-thread communication is the stop flag,
// checked once per iteration.
type worker struct {
	env      env.Env
	prog     env.Program
	port     uint16
	pool     env.Pool
	buf      []byte
	burst    int
	parser   bool
	stop     *atomic.Bool
	counters *taskCounters
}

func (w *worker) run() {
	if w.parser {
		w.runParser()
	} else {
		w.runDeparser()
	}
}

// runParser busy-polls the endpoint, runs the pipeline over each received
// burst, and serializes the burst into the buffer as length-prefixed
// records starting at offset 0 (see record.go for the mailbox contract).
// Packets are always freed after the copy-out, whether or not the buffer
// write succeeded, so the loop can never exhaust the pool.
func (w *worker) runParser() {
	pkts := make([]env.Packet, w.burst)
	for !w.stop.Load() {
		n := w.env.RxBurst(w.port, pkts)
		if n == 0 {
			w.env.Yield()
			continue
		}
		w.counters.bursts.Add(1)
		w.counters.rxPackets.Add(uint64(n))

		consumed := w.prog.Run(pkts[:n])
		w.counters.processed.Add(uint64(consumed))

		if w.buf != nil {
			off := 0
			for _, pkt := range pkts[:n] {
				next, ok := putRecord(w.buf, off, pkt.Data)
				if !ok {
					w.counters.bufOverflows.Add(1)
					continue
				}
				w.counters.bufBytes.Add(uint64(next - off))
				off = next
			}
		}
		for i := range pkts[:n] {
			w.pool.Free(pkts[i])
		}
	}
}

// Deparser-direction buffers carry an 8-byte header ahead of the records:
// a uint32 doorbell sequence the producer bumps once a batch of records is
// complete, then a uint32 record count. The loop polls the doorbell and
// consumes a batch only when the sequence changes.
const (
	deparserSeqOff    = 0
	deparserCountOff  = 4
	deparserHeaderLen = 8
)

// runDeparser polls the buffer doorbell, rebuilds packets from the
// deposited records, runs them through the pipeline, and transmits them on
// the endpoint. Partial sends free the remainder, mirroring Transmit.
func (w *worker) runDeparser() {
	pkts := make([]env.Packet, 0, w.burst)
	var lastSeq uint32
	for !w.stop.Load() {
		if len(w.buf) < deparserHeaderLen {
			w.env.Yield()
			continue
		}
		seq := atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.buf[deparserSeqOff])))
		if seq == lastSeq {
			w.env.Yield()
			continue
		}
		lastSeq = seq

		count := binary.NativeEndian.Uint32(w.buf[deparserCountOff:])
		off := deparserHeaderLen
		for i := uint32(0); i < count && len(pkts) < w.burst; i++ {
			data, next, ok := getRecord(w.buf, off)
			if !ok {
				break
			}
			off = next
			pkt, allocOK := w.pool.Alloc()
			if !allocOK || len(data) > cap(pkt.Data) {
				if allocOK {
					w.pool.Free(pkt)
				}
				w.counters.bufOverflows.Add(1)
				continue
			}
			pkt.Data = pkt.Data[:len(data)]
			copy(pkt.Data, data)
			pkts = append(pkts, pkt)
		}
		if len(pkts) == 0 {
			continue
		}
		w.counters.bursts.Add(1)

		consumed := w.prog.Run(pkts)
		w.counters.processed.Add(uint64(consumed))

		sent := w.env.TxBurst(w.port, pkts)
		w.counters.txPackets.Add(uint64(sent))
		for _, pkt := range pkts[sent:] {
			w.pool.Free(pkt)
		}
		pkts = pkts[:0]
	}
}
