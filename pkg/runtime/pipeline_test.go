package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openpdp/dprt/pkg/env"
	"github.com/openpdp/dprt/pkg/env/envtest"
)

func TestLoadPipelineMissingSpec(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{})

	h, err := r.LoadPipeline("bad", "/nonexistent/path/prog.spec")
	if err == nil {
		t.Fatal("LoadPipeline with missing spec succeeded")
	}
	if h != InvalidHandle {
		t.Fatalf("failure handle = %d, want InvalidHandle", h)
	}
	if r.LastError() == "" {
		t.Fatal("no error recorded")
	}
	if n := len(r.Pipelines()); n != 0 {
		t.Fatalf("%d pipelines registered after failed load", n)
	}

	// The failed load left no slot behind; the next load gets handle 0.
	good, err := r.LoadPipeline("good", writeSpec(t))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if good != 0 {
		t.Fatalf("handle after failed load = %d, want 0", good)
	}
}

func TestLoadPipelineEmptySpec(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{})

	path := filepath.Join(t.TempDir(), "empty.spec")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	if _, err := r.LoadPipeline("empty", path); err == nil {
		t.Fatal("LoadPipeline with empty spec succeeded")
	}
}

func TestUnloadPipelineIdempotent(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{})

	h, err := r.LoadPipeline("pl", writeSpec(t))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if err := r.UnloadPipeline(h); err != nil {
		t.Fatalf("UnloadPipeline: %v", err)
	}
	if err := r.UnloadPipeline(h); err != nil {
		t.Fatalf("second UnloadPipeline: %v", err)
	}
	if err := r.UnloadPipeline(Handle(99)); err != nil {
		t.Fatalf("UnloadPipeline out of range: %v", err)
	}
}

func TestRunPipeline(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{})

	h, err := r.LoadPipeline("pl", writeSpec(t))
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	batch := make([]env.Packet, 5)
	if n := r.RunPipeline(h, batch); n != 5 {
		t.Fatalf("RunPipeline = %d, want 5", n)
	}

	// Silent zero on the hot path for invalid handles.
	if n := r.RunPipeline(InvalidHandle, batch); n != 0 {
		t.Fatalf("RunPipeline(invalid) = %d, want 0", n)
	}
	r.UnloadPipeline(h)
	if n := r.RunPipeline(h, batch); n != 0 {
		t.Fatalf("RunPipeline(unloaded) = %d, want 0", n)
	}
}
