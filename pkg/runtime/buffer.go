package runtime

import (
	"fmt"
	"log/slog"

	"github.com/openpdp/dprt/pkg/env"
)

type bufferState struct {
	name     string
	size     int
	region   env.Region
	reserved bool // created via the named-region path
}

// CreateBuffer allocates a physically addressable region of size bytes,
// keyed by name. The named, physically contiguous path is preferred; when
// the environment cannot satisfy it, a general aligned allocation with
// separate IO-address translation is used instead. The region is
// zero-filled before the handle is returned.
//
// The runtime exclusively owns the backing memory. Callers get a view via
// BufferBytes and must never access beyond the buffer size.
func (r *Runtime) CreateBuffer(name string, size int) (Handle, error) {
	if size <= 0 {
		r.recordErr("create buffer %q: bad size %d", name, size)
		return InvalidHandle, fmt.Errorf("create buffer %q: bad size %d", name, size)
	}

	reserved := true
	region, err := r.env.ReserveRegion(name, size)
	if err != nil {
		slog.Debug("region reservation failed, falling back to general allocation",
			"buffer", name, "err", err)
		reserved = false
		region, err = r.env.AllocRegion(size, 4096)
	}
	if err != nil {
		r.recordErr("create buffer %q: %v", name, err)
		return InvalidHandle, fmt.Errorf("create buffer %q: %w", name, err)
	}

	clear(region.Bytes()[:size])

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		region.Close()
		return InvalidHandle, ErrClosed
	}
	h, b := r.buffers.alloc()
	b.name = name
	b.size = size
	b.region = region
	b.reserved = reserved
	slog.Info("buffer created",
		"buffer", name, "size", size, "io_addr", region.IOAddr(),
		"reserved", reserved, "handle", int32(h))
	return h, nil
}

// BufferBytes returns the buffer's memory view, or nil for an invalid
// handle.
func (r *Runtime) BufferBytes(h Handle) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffers.get(h)
	if b == nil {
		return nil
	}
	return b.region.Bytes()[:b.size]
}

// BufferIOAddr returns the device-visible address, or 0 for an invalid
// handle.
func (r *Runtime) BufferIOAddr(h Handle) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffers.get(h)
	if b == nil {
		return 0
	}
	return b.region.IOAddr()
}

// BufferSize returns the buffer size in bytes, or 0 for an invalid handle.
func (r *Runtime) BufferSize(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffers.get(h)
	if b == nil {
		return 0
	}
	return b.size
}

// WriteBuffer copies data into the buffer at offset. Any request where
// offset+len(data) exceeds the buffer size is rejected without touching
// memory: the region is also visible to an external device, so this bound
// is the component's core safety invariant.
func (r *Runtime) WriteBuffer(h Handle, data []byte, offset int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffers.get(h)
	if b == nil {
		return ErrInvalidHandle
	}
	if offset < 0 || offset+len(data) > b.size {
		return fmt.Errorf("%w: write [%d,%d) in buffer of %d bytes",
			ErrOutOfRange, offset, offset+len(data), b.size)
	}
	copy(b.region.Bytes()[offset:], data)
	return nil
}

// ReadBuffer copies len(data) bytes from the buffer at offset into data,
// with the same bound check as WriteBuffer.
func (r *Runtime) ReadBuffer(h Handle, data []byte, offset int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffers.get(h)
	if b == nil {
		return ErrInvalidHandle
	}
	if offset < 0 || offset+len(data) > b.size {
		return fmt.Errorf("%w: read [%d,%d) in buffer of %d bytes",
			ErrOutOfRange, offset, offset+len(data), b.size)
	}
	copy(data, b.region.Bytes()[offset:])
	return nil
}

// DestroyBuffer releases the backing memory through the same path it was
// created with and invalidates the handle. A no-op on an invalid handle.
func (r *Runtime) DestroyBuffer(h Handle) error {
	r.mu.Lock()
	b := r.buffers.get(h)
	if b == nil {
		r.mu.Unlock()
		return nil
	}
	region, name := b.region, b.name
	r.buffers.free(h)
	r.mu.Unlock()

	if err := region.Close(); err != nil {
		return fmt.Errorf("destroy buffer %q: %w", name, err)
	}
	slog.Info("buffer destroyed", "buffer", name, "handle", int32(h))
	return nil
}

// BufferInfo describes one buffer.
type BufferInfo struct {
	Handle   Handle `json:"handle"`
	Name     string `json:"name"`
	Size     int    `json:"size"`
	IOAddr   uint64 `json:"io_addr"`
	Reserved bool   `json:"reserved"`
}

// Buffers lists all live buffers.
func (r *Runtime) Buffers() []BufferInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BufferInfo
	r.buffers.each(func(h Handle, b *bufferState) {
		out = append(out, BufferInfo{
			Handle: h, Name: b.name, Size: b.size,
			IOAddr: b.region.IOAddr(), Reserved: b.reserved,
		})
	})
	return out
}
