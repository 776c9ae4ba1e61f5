// Package runtime binds physical ports, compiled packet-processing
// pipelines, pinned CPU cores, and physically addressable memory buffers
// into managed, cancellable worker tasks.
//
// A Runtime is an explicit context object: construct one with New at
// process start, pass it to everything that needs it, and Close it once at
// process end. There is no hidden global state.
package runtime

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/openpdp/dprt/pkg/env"
)

// Options configures a Runtime.
type Options struct {
	// EnvArgs is passed verbatim to the environment's Init (EAL-style
	// argument list). Empty means environment defaults.
	EnvArgs []string
	// PoolName keys the shared packet pool.
	PoolName string
	// PoolCapacity is the number of packet buffers in the shared pool.
	PoolCapacity int
	// FrameSize is the per-packet buffer size in bytes.
	FrameSize int
	// RingDepth is the RX/TX descriptor ring depth used when configuring
	// endpoint queues.
	RingDepth int
	// DefaultBurst is used when CreateTask is called with burst <= 0.
	DefaultBurst int
}

func (o *Options) withDefaults() {
	if o.PoolName == "" {
		o.PoolName = "dprt_pktpool"
	}
	if o.PoolCapacity == 0 {
		o.PoolCapacity = 8192
	}
	if o.FrameSize == 0 {
		o.FrameSize = 2048
	}
	if o.RingDepth == 0 {
		o.RingDepth = 512
	}
	if o.DefaultBurst == 0 {
		o.DefaultBurst = 32
	}
}

// Runtime owns the four resource registries, the shared packet pool, and
// the worker-core allocation bitmap.
//
// Lock order: the lcore mutex (lcoreMu) may be taken while the resource
// mutex (mu) is held, never the reverse. Neither lock is held across a
// slow environment call such as program loading, so control-plane
// operations cannot stall each other on a stuck port or artifact.
type Runtime struct {
	env  env.Env
	opts Options

	mu     sync.Mutex
	closed bool

	pool env.Pool

	lcoreMu  sync.Mutex
	lcores   []bool // true = allocated
	mainCore int

	pipelines registry[pipelineState]
	endpoints registry[endpointState]
	buffers   registry[bufferState]
	tasks     registry[taskState]

	errMu   sync.Mutex
	lastErr string
}

// New initializes the environment, creates the shared packet pool, and
// computes the initial core-allocation bitmap. On failure nothing is left
// allocated and the error is returned.
func New(e env.Env, opts Options) (*Runtime, error) {
	opts.withDefaults()

	if err := e.Init(opts.EnvArgs); err != nil {
		return nil, fmt.Errorf("environment init: %w", err)
	}
	pool, err := e.NewPool(opts.PoolName, opts.PoolCapacity, opts.FrameSize)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create packet pool %q: %w", opts.PoolName, err)
	}

	r := &Runtime{
		env:  e,
		opts: opts,
		pool: pool,
	}

	// Every core starts out allocated; only enumerated worker cores are
	// released. The control core and disabled cores are therefore never
	// handed to a worker.
	r.mainCore = e.MainCore()
	workers := e.WorkerCores()
	max := r.mainCore
	for _, c := range workers {
		if c > max {
			max = c
		}
	}
	r.lcores = make([]bool, max+1)
	for i := range r.lcores {
		r.lcores[i] = true
	}
	for _, c := range workers {
		if c != r.mainCore {
			r.lcores[c] = false
		}
	}

	slog.Info("runtime initialized",
		"pool", opts.PoolName,
		"pool_capacity", opts.PoolCapacity,
		"main_core", r.mainCore,
		"worker_cores", len(workers))
	return r, nil
}

// Close stops every running task (joining each worker core), unloads every
// pipeline, stops every endpoint, frees every buffer, releases the packet
// pool, and shuts the environment down. Safe to call more than once.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	r.tasks.each(func(h Handle, t *taskState) {
		if t.running {
			t.stop.Store(true)
			r.env.Wait(t.lcore)
			t.running = false
			r.freeLcore(t.lcore)
			slog.Debug("task stopped at shutdown", "task", t.name, "handle", int32(h))
		}
	})
	r.tasks = registry[taskState]{}

	r.pipelines.each(func(h Handle, p *pipelineState) {
		if err := p.prog.Close(); err != nil {
			slog.Warn("close pipeline program", "pipeline", p.name, "err", err)
		}
	})
	r.pipelines = registry[pipelineState]{}

	r.endpoints.each(func(h Handle, ep *endpointState) {
		if ep.running {
			if err := r.env.StopPort(ep.port); err != nil {
				slog.Warn("stop port at shutdown", "port", ep.port, "err", err)
			}
		}
	})
	r.endpoints = registry[endpointState]{}

	r.buffers.each(func(h Handle, b *bufferState) {
		if err := b.region.Close(); err != nil {
			slog.Warn("release buffer region", "buffer", b.name, "err", err)
		}
	})
	r.buffers = registry[bufferState]{}

	r.pool.Close()
	err := r.env.Close()
	r.closed = true
	slog.Info("runtime shut down")
	return err
}

// LastError returns the message recorded by the most recent failure, or
// the empty string.
func (r *Runtime) LastError() string {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastErr
}

func (r *Runtime) recordErr(format string, args ...any) {
	r.errMu.Lock()
	r.lastErr = fmt.Sprintf(format, args...)
	r.errMu.Unlock()
}

// PoolStats reports the shared packet pool's capacity and currently free
// buffer count.
func (r *Runtime) PoolStats() (capacity, available int) {
	return r.pool.Capacity(), r.pool.Available()
}

// Ports lists the environment's physical ports.
func (r *Runtime) Ports() []env.PortInfo {
	return r.env.Ports()
}
