//go:build linux

package host

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openpdp/dprt/pkg/env"
)

func unsafePointer(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }

// region is an mlocked mapping. Hugetlb-backed regions (the ReserveRegion
// path) are physically contiguous up to the huge page size, which is what
// an external device doing DMA into the buffer needs.
type region struct {
	buf []byte
	io  uint64

	env  *Env
	name string
}

func (r *region) Bytes() []byte  { return r.buf }
func (r *region) IOAddr() uint64 { return r.io }

func (r *region) Close() error {
	if r.buf == nil {
		return nil
	}
	unix.Munmap(r.buf)
	r.buf = nil
	if r.name != "" {
		r.env.mu.Lock()
		delete(r.env.regions, r.name)
		r.env.mu.Unlock()
	}
	return nil
}

// ReserveRegion maps size bytes of hugetlb memory. Names are unique while
// the region lives, mirroring a device-shared naming scheme.
func (e *Env) ReserveRegion(name string, size int) (env.Region, error) {
	e.mu.Lock()
	if e.regions[name] {
		e.mu.Unlock()
		return nil, fmt.Errorf("reserve region %q: name in use", name)
	}
	e.regions[name] = true
	e.mu.Unlock()

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		e.mu.Lock()
		delete(e.regions, name)
		e.mu.Unlock()
		return nil, fmt.Errorf("reserve region %q (%d bytes): %w", name, size, err)
	}
	if err := lockRegion(buf); err != nil {
		unix.Munmap(buf)
		e.mu.Lock()
		delete(e.regions, name)
		e.mu.Unlock()
		return nil, fmt.Errorf("reserve region %q: %w", name, err)
	}
	return &region{buf: buf, io: physAddr(buf), env: e, name: name}, nil
}

// AllocRegion is the plain-page fallback: an anonymous mapping, mlocked so
// the physical address stays stable. Page-size alignment comes for free
// from mmap; larger alignments are not supported here.
func (e *Env) AllocRegion(size, align int) (env.Region, error) {
	if align > os.Getpagesize() {
		return nil, fmt.Errorf("alloc region: alignment %d exceeds page size", align)
	}
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("alloc region (%d bytes): %w", size, err)
	}
	if err := lockRegion(buf); err != nil {
		unix.Munmap(buf)
		return nil, fmt.Errorf("alloc region: %w", err)
	}
	return &region{buf: buf, io: physAddr(buf), env: e}, nil
}

// lockRegion pins the mapping and pre-faults it so a later pagemap lookup
// sees present pages.
func lockRegion(buf []byte) error {
	if err := unix.Mlock(buf); err != nil {
		return fmt.Errorf("mlock: %w", err)
	}
	pageSize := os.Getpagesize()
	for off := 0; off < len(buf); off += pageSize {
		buf[off] = 0
	}
	return nil
}

// physAddr translates the mapping's start address through
// /proc/self/pagemap. 0 when unreadable (needs CAP_SYS_ADMIN since 4.0)
// or the page is not present.
func physAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0
	}
	defer f.Close()

	pageSize := uint64(os.Getpagesize())
	vaddr := uint64(uintptr(unsafePointer(buf)))
	var entry [8]byte
	if _, err := f.ReadAt(entry[:], int64(vaddr/pageSize*8)); err != nil {
		return 0
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&(1<<63) == 0 { // page not present
		return 0
	}
	pfn := v & ((1 << 55) - 1)
	return pfn*pageSize + vaddr%pageSize
}
