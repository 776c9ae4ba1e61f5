package runtime

// Handle identifies a live resource in one of the runtime's registries.
// A handle is meaningful only while its slot is valid; after release the
// same integer may be reassigned to a later resource of the same kind.
type Handle int32

// InvalidHandle is the failure sentinel returned by create operations.
const InvalidHandle Handle = -1

type slot[T any] struct {
	valid bool
	value T
}

// registry is a handle-indexed slot pool. Allocation reuses the first
// invalid slot and grows only when every existing slot is live, which
// bounds growth to the high-water mark of concurrently live resources and
// keeps handles low and deterministic under create/destroy churn.
//
// The caller must hold the runtime's resource mutex around every method.
type registry[T any] struct {
	slots []slot[T]
}

func (r *registry[T]) alloc() (Handle, *T) {
	for i := range r.slots {
		if !r.slots[i].valid {
			r.slots[i] = slot[T]{valid: true}
			return Handle(i), &r.slots[i].value
		}
	}
	r.slots = append(r.slots, slot[T]{valid: true})
	return Handle(len(r.slots) - 1), &r.slots[len(r.slots)-1].value
}

// get returns the slot value for h, or nil when h is out of bounds or the
// slot is not valid.
func (r *registry[T]) get(h Handle) *T {
	if h < 0 || int(h) >= len(r.slots) || !r.slots[h].valid {
		return nil
	}
	return &r.slots[h].value
}

func (r *registry[T]) free(h Handle) {
	if h < 0 || int(h) >= len(r.slots) {
		return
	}
	r.slots[h] = slot[T]{}
}

func (r *registry[T]) each(fn func(Handle, *T)) {
	for i := range r.slots {
		if r.slots[i].valid {
			fn(Handle(i), &r.slots[i].value)
		}
	}
}
