package runtime

import (
	"testing"

	"github.com/openpdp/dprt/pkg/env/envtest"
)

func TestRegistryReusesLowestFreeSlot(t *testing.T) {
	var r registry[string]

	h0, v0 := r.alloc()
	*v0 = "a"
	h1, v1 := r.alloc()
	*v1 = "b"
	h2, _ := r.alloc()
	if h0 != 0 || h1 != 1 || h2 != 2 {
		t.Fatalf("handles = %d,%d,%d, want 0,1,2", h0, h1, h2)
	}

	r.free(h1)
	if r.get(h1) != nil {
		t.Fatal("freed slot still valid")
	}

	h3, _ := r.alloc()
	if h3 != h1 {
		t.Fatalf("alloc after free = %d, want reused %d", h3, h1)
	}

	// Growth only when every slot is live.
	h4, _ := r.alloc()
	if h4 != 3 {
		t.Fatalf("alloc with full pool = %d, want 3", h4)
	}
}

func TestRegistryGetRejectsBadHandles(t *testing.T) {
	var r registry[int]
	r.alloc()

	for _, h := range []Handle{InvalidHandle, -5, 1, 99} {
		if r.get(h) != nil {
			t.Errorf("get(%d) returned a value", h)
		}
	}
	// free on out-of-range handles must not panic or corrupt state
	r.free(InvalidHandle)
	r.free(42)
	if r.get(0) == nil {
		t.Fatal("valid slot lost after bad free calls")
	}
}

func TestNoTwoLiveIdenticalHandles(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{})
	seen := make(map[Handle]bool)
	for i := 0; i < 8; i++ {
		h, err := r.CreateBuffer("buf", 128)
		if err != nil {
			t.Fatalf("CreateBuffer: %v", err)
		}
		if seen[h] {
			t.Fatalf("handle %d live twice", h)
		}
		seen[h] = true
		if i%2 == 1 {
			if err := r.DestroyBuffer(h); err != nil {
				t.Fatalf("DestroyBuffer: %v", err)
			}
			delete(seen, h)
		}
	}
}
