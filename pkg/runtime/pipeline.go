package runtime

import (
	"fmt"
	"log/slog"

	"github.com/openpdp/dprt/pkg/env"
)

type pipelineState struct {
	name     string
	specPath string
	prog     env.Program
}

// LoadPipeline builds a compiled packet program from the specification
// artifact at specPath and registers it. On any build failure nothing is
// left registered and the error is recorded.
func (r *Runtime) LoadPipeline(name, specPath string) (Handle, error) {
	// The program is built outside the resource mutex; a slow artifact
	// load must not stall unrelated control-plane operations.
	prog, err := r.env.LoadProgram(name, specPath)
	if err != nil {
		r.recordErr("load pipeline %q: %v", name, err)
		return InvalidHandle, fmt.Errorf("load pipeline %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		prog.Close()
		return InvalidHandle, ErrClosed
	}
	h, p := r.pipelines.alloc()
	p.name = name
	p.specPath = specPath
	p.prog = prog
	slog.Info("pipeline loaded", "pipeline", name, "spec", specPath, "handle", int32(h))
	return h, nil
}

// UnloadPipeline releases the compiled program and invalidates the handle.
// A no-op on an already-invalid or out-of-range handle.
//
// The scheduler does not refcount pipelines: unloading one still referenced
// by a running task is caller error.
func (r *Runtime) UnloadPipeline(h Handle) error {
	r.mu.Lock()
	p := r.pipelines.get(h)
	if p == nil {
		r.mu.Unlock()
		return nil
	}
	prog := p.prog
	name := p.name
	r.pipelines.free(h)
	r.mu.Unlock()

	if err := prog.Close(); err != nil {
		return fmt.Errorf("unload pipeline %q: %w", name, err)
	}
	slog.Info("pipeline unloaded", "pipeline", name, "handle", int32(h))
	return nil
}

// RunPipeline executes the compiled program over the batch and returns the
// number of packets consumed. An invalid handle returns 0: this is a
// deliberately silent failure on the hot path.
func (r *Runtime) RunPipeline(h Handle, pkts []env.Packet) int {
	r.mu.Lock()
	p := r.pipelines.get(h)
	if p == nil {
		r.mu.Unlock()
		return 0
	}
	prog := p.prog
	r.mu.Unlock()
	return prog.Run(pkts)
}

// PipelineInfo describes one loaded pipeline.
type PipelineInfo struct {
	Handle   Handle `json:"handle"`
	Name     string `json:"name"`
	SpecPath string `json:"spec_path"`
}

// Pipelines lists all loaded pipelines.
func (r *Runtime) Pipelines() []PipelineInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PipelineInfo
	r.pipelines.each(func(h Handle, p *pipelineState) {
		out = append(out, PipelineInfo{Handle: h, Name: p.name, SpecPath: p.specPath})
	})
	return out
}
