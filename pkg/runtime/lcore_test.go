package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/openpdp/dprt/pkg/env/envtest"
)

func TestLcoreAllocation(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{Workers: 2})

	if n := r.AvailableLcores(); n != 2 {
		t.Fatalf("AvailableLcores() = %d, want 2", n)
	}

	a, err := r.AllocLcore()
	if err != nil {
		t.Fatalf("AllocLcore: %v", err)
	}
	b, err := r.AllocLcore()
	if err != nil {
		t.Fatalf("AllocLcore: %v", err)
	}
	if a == b {
		t.Fatalf("same core %d allocated twice", a)
	}
	if a == 0 || b == 0 {
		t.Fatal("control core handed to a worker")
	}

	if _, err := r.AllocLcore(); !errors.Is(err, ErrNoLcores) {
		t.Fatalf("exhausted AllocLcore err = %v, want ErrNoLcores", err)
	}
	if !strings.Contains(r.LastError(), "no available cores") {
		t.Fatalf("LastError() = %q", r.LastError())
	}

	r.FreeLcore(a)
	if n := r.AvailableLcores(); n != 1 {
		t.Fatalf("AvailableLcores() after free = %d, want 1", n)
	}
	got, err := r.AllocLcore()
	if err != nil || got != a {
		t.Fatalf("AllocLcore after free = %d, %v, want %d", got, err, a)
	}
}

func TestFreeControlCoreIsRefused(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{Workers: 1})

	before := r.AvailableLcores()
	r.FreeLcore(0)  // reserved control core
	r.FreeLcore(-1) // out of range
	r.FreeLcore(99)
	if after := r.AvailableLcores(); after != before {
		t.Fatalf("AvailableLcores changed %d -> %d after refused frees", before, after)
	}

	// The control core must never come back out of the allocator.
	id, err := r.AllocLcore()
	if err != nil {
		t.Fatalf("AllocLcore: %v", err)
	}
	if id == 0 {
		t.Fatal("allocator returned the control core")
	}
}
