//go:build linux

package host

import (
	"runtime"
	"testing"
)

func TestLayoutCoresDefaults(t *testing.T) {
	e := New()
	if err := e.layoutCores(-1, nil); err != nil {
		t.Fatalf("layoutCores defaults: %v", err)
	}
	n := runtime.NumCPU()
	if e.mainCore < 0 || e.mainCore >= n {
		t.Fatalf("main core %d out of range (%d cpus)", e.mainCore, n)
	}
	if len(e.workers) != n-1 {
		t.Fatalf("%d worker cores, want %d", len(e.workers), n-1)
	}
	for _, id := range e.workers {
		if id == e.mainCore {
			t.Fatalf("main core %d enumerated as worker", id)
		}
	}
}

func TestLayoutCoresValidation(t *testing.T) {
	if err := New().layoutCores(runtime.NumCPU(), nil); err == nil {
		t.Fatal("out-of-range main core accepted")
	}
	if err := New().layoutCores(0, []int{0}); err == nil {
		t.Fatal("worker set containing the main core accepted")
	}
	if err := New().layoutCores(0, []int{runtime.NumCPU()}); err == nil {
		t.Fatal("out-of-range worker core accepted")
	}
}
