//go:build linux

package host

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/openpdp/dprt/pkg/env"
)

// pool is a fixed slab of frames carved out of one anonymous mapping. The
// slab is mlocked so frames never fault in the poll loops. Frame index
// plus one rides in Packet.Raw.
type pool struct {
	slab      []byte
	frameSize int
	capacity  int

	mu     sync.Mutex
	free   []int
	closed bool
}

func (e *Env) NewPool(name string, capacity, frameSize int) (env.Pool, error) {
	if capacity <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("pool %q: bad capacity %d or frame size %d", name, capacity, frameSize)
	}
	slab, err := unix.Mmap(-1, 0, capacity*frameSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pool %q: mmap %d bytes: %w", name, capacity*frameSize, err)
	}
	if err := unix.Mlock(slab); err != nil {
		// RLIMIT_MEMLOCK is often tiny for unprivileged users; the pool
		// still works, it just may fault.
		slog.Warn("pool slab not locked", "pool", name, "err", err)
	}
	p := &pool{slab: slab, frameSize: frameSize, capacity: capacity}
	p.free = make([]int, capacity)
	for i := range p.free {
		p.free[i] = capacity - 1 - i
	}
	return p, nil
}

func (p *pool) Alloc() (env.Packet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.free) == 0 {
		return env.Packet{}, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	frame := p.slab[idx*p.frameSize : idx*p.frameSize+p.frameSize]
	return env.Packet{Data: frame[:0], Raw: uintptr(idx + 1)}, true
}

func (p *pool) Free(pkt env.Packet) {
	if pkt.Raw == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.free = append(p.free, int(pkt.Raw-1))
}

func (p *pool) Capacity() int { return p.capacity }

func (p *pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	unix.Munmap(p.slab)
	p.slab = nil
}
