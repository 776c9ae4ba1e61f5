// Package env defines the execution-environment boundary the runtime is
// built on: packet pools, physical ports, compiled packet programs,
// physically addressable memory regions, and exclusive worker cores.
//
// Implementations live in subpackages: env/dpdk (cgo, build tag "dpdk"),
// env/host (pure-Go Linux backend), and env/envtest (in-memory, for tests
// and simulation mode).
package env

import "net"

// Packet is one packet buffer drawn from a Pool. Data aliases backing
// storage owned by the pool; it must not be touched after Free.
type Packet struct {
	Data []byte
	// Raw is a backend-defined descriptor token (mbuf pointer, frame
	// index, ...). Opaque to everything outside the owning environment.
	Raw uintptr
}

// Pool is a fixed-capacity packet buffer pool shared by ports and workers.
type Pool interface {
	// Alloc returns a packet with an empty Data slice, or ok=false when
	// the pool is exhausted.
	Alloc() (pkt Packet, ok bool)
	Free(Packet)
	Capacity() int
	Available() int
	Close()
}

// PortInfo describes one physical port as enumerated by the environment.
type PortInfo struct {
	ID   uint16
	Name string
	MAC  net.HardwareAddr
}

// Program is a compiled packet-processing program built from an externally
// authored specification artifact. Run executes the program over a batch
// and returns the number of packets consumed. Run is hot-path code: it must
// not allocate or block.
type Program interface {
	Run(pkts []Packet) int
	Close() error
}

// Region is a physically addressable memory area. IOAddr returns the
// device-visible address, or 0 when the backend cannot translate.
type Region interface {
	Bytes() []byte
	IOAddr() uint64
	Close() error
}

// Env is the opaque poll-mode capability set consumed by the runtime.
//
// RxBurst fills pkts with up to len(pkts) received packets and returns the
// count. TxBurst transmits up to len(pkts) packets, taking ownership of the
// accepted ones; the caller remains responsible for freeing the rest.
// Neither may be called on a port that was not configured for that
// direction.
type Env interface {
	// Init configures the environment from an argument list (defaulted if
	// empty). Calling any other method before a successful Init is an
	// error.
	Init(args []string) error
	Close() error

	NewPool(name string, capacity, frameSize int) (Pool, error)

	Ports() []PortInfo
	// ConfigurePort sets up a single RX or single TX queue of ringDepth
	// descriptors backed by pool.
	ConfigurePort(port uint16, rx bool, ringDepth int, pool Pool) error
	StartPort(port uint16, promisc bool) error
	StopPort(port uint16) error
	RxBurst(port uint16, pkts []Packet) int
	TxBurst(port uint16, pkts []Packet) int

	LoadProgram(name, specPath string) (Program, error)

	// ReserveRegion allocates a physically contiguous region keyed by
	// name (preferred path). AllocRegion is the general aligned fallback.
	ReserveRegion(name string, size int) (Region, error)
	AllocRegion(size, align int) (Region, error)

	// MainCore is the control thread's core; it is never handed to a
	// worker. WorkerCores lists cores eligible for exclusive assignment.
	MainCore() int
	WorkerCores() []int
	// Launch runs fn on the given worker core until fn returns; Wait
	// blocks until the core's current function has finished.
	Launch(core int, fn func()) error
	Wait(core int)
	// Yield briefly releases the CPU inside a busy-poll loop.
	Yield()
}
