// Package envtest implements an in-memory env.Env used by unit tests and
// by the daemon's simulation mode. Ports are channel-backed loopback
// devices: frames injected with InjectRx appear on RxBurst, and TxBurst
// captures frames for inspection.
package envtest

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/openpdp/dprt/pkg/env"
)

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Options configures a simulated environment.
type Options struct {
	// PortNames enumerates the simulated ports, in port-id order.
	PortNames []string
	// Workers is the number of worker cores (ids 1..Workers). Main core
	// is always 0.
	Workers int
	// RingDepth bounds each port's pending RX frames.
	RingDepth int
	// DisableReserve makes ReserveRegion fail, forcing callers onto the
	// general allocation path.
	DisableReserve bool
}

func (o *Options) withDefaults() {
	if o.Workers == 0 {
		o.Workers = 2
	}
	if o.RingDepth == 0 {
		o.RingDepth = 512
	}
}

type simPort struct {
	info       env.PortInfo
	configured bool
	rx         bool
	started    bool
	promisc    bool
	pool       env.Pool

	rxq chan []byte

	mu      sync.Mutex
	txLimit int // 0 = unlimited
	txSink  [][]byte
}

type simCore struct {
	mu   sync.Mutex
	busy bool
	done chan struct{}
}

// Env is a simulated execution environment.
type Env struct {
	opts   Options
	inited bool

	ports []*simPort
	cores map[int]*simCore

	frameSize int // set by NewPool; bounds injected frames

	mu      sync.Mutex
	regions map[string]bool
	nextIO  uint64
}

var _ env.Env = (*Env)(nil)

// New creates a simulated environment. Init must still be called.
func New(opts Options) *Env {
	opts.withDefaults()
	return &Env{opts: opts}
}

func (e *Env) Init(args []string) error {
	if e.inited {
		return nil
	}
	for i, name := range e.opts.PortNames {
		p := &simPort{
			info: env.PortInfo{ID: uint16(i), Name: name},
			rxq:  make(chan []byte, e.opts.RingDepth),
		}
		e.ports = append(e.ports, p)
	}
	e.cores = make(map[int]*simCore, e.opts.Workers)
	for id := 1; id <= e.opts.Workers; id++ {
		e.cores[id] = &simCore{}
	}
	e.regions = make(map[string]bool)
	e.nextIO = 0x1000000
	e.inited = true
	return nil
}

func (e *Env) Close() error {
	e.inited = false
	return nil
}

// --- Pool ---

type simPool struct {
	mu       sync.Mutex
	frames   [][]byte
	free     []int
	capacity int
	closed   bool
}

func (e *Env) NewPool(name string, capacity, frameSize int) (env.Pool, error) {
	if capacity <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("pool %q: bad capacity %d or frame size %d", name, capacity, frameSize)
	}
	e.frameSize = frameSize
	p := &simPool{capacity: capacity}
	p.frames = make([][]byte, capacity)
	p.free = make([]int, capacity)
	for i := range p.frames {
		p.frames[i] = make([]byte, frameSize)
		p.free[i] = capacity - 1 - i
	}
	return p, nil
}

func (p *simPool) Alloc() (env.Packet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 || p.closed {
		return env.Packet{}, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	// Raw holds idx+1 so a zero Packet is never a valid descriptor.
	return env.Packet{Data: p.frames[idx][:0], Raw: uintptr(idx + 1)}, true
}

func (p *simPool) Free(pkt env.Packet) {
	if pkt.Raw == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, int(pkt.Raw-1))
}

func (p *simPool) Capacity() int { return p.capacity }

func (p *simPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *simPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// --- Ports ---

func (e *Env) Ports() []env.PortInfo {
	infos := make([]env.PortInfo, len(e.ports))
	for i, p := range e.ports {
		infos[i] = p.info
	}
	return infos
}

func (e *Env) port(id uint16) (*simPort, error) {
	if int(id) >= len(e.ports) {
		return nil, fmt.Errorf("port %d out of range", id)
	}
	return e.ports[id], nil
}

func (e *Env) ConfigurePort(port uint16, rx bool, ringDepth int, pool env.Pool) error {
	p, err := e.port(port)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("port %d: nil pool", port)
	}
	p.configured = true
	p.rx = rx
	p.pool = pool
	return nil
}

func (e *Env) StartPort(port uint16, promisc bool) error {
	p, err := e.port(port)
	if err != nil {
		return err
	}
	if !p.configured {
		return fmt.Errorf("port %d not configured", port)
	}
	p.started = true
	p.promisc = promisc
	return nil
}

func (e *Env) StopPort(port uint16) error {
	p, err := e.port(port)
	if err != nil {
		return err
	}
	p.started = false
	return nil
}

func (e *Env) RxBurst(port uint16, pkts []env.Packet) int {
	p, err := e.port(port)
	if err != nil || !p.started || !p.rx {
		return 0
	}
	n := 0
	for n < len(pkts) {
		select {
		case frame := <-p.rxq:
			pkt, ok := p.pool.Alloc()
			if !ok {
				return n
			}
			pkt.Data = pkt.Data[:len(frame)]
			copy(pkt.Data, frame)
			pkts[n] = pkt
			n++
		default:
			return n
		}
	}
	return n
}

func (e *Env) TxBurst(port uint16, pkts []env.Packet) int {
	p, err := e.port(port)
	if err != nil || !p.started || p.rx {
		return 0
	}
	p.mu.Lock()
	limit := len(pkts)
	if p.txLimit > 0 && p.txLimit < limit {
		limit = p.txLimit
	}
	for _, pkt := range pkts[:limit] {
		frame := make([]byte, len(pkt.Data))
		copy(frame, pkt.Data)
		p.txSink = append(p.txSink, frame)
	}
	p.mu.Unlock()
	for _, pkt := range pkts[:limit] {
		p.pool.Free(pkt)
	}
	return limit
}

// InjectRx queues a frame for delivery on the given port. It reports false
// when the simulated ring is full or the frame exceeds the pool frame size.
func (e *Env) InjectRx(port uint16, frame []byte) bool {
	p, err := e.port(port)
	if err != nil {
		return false
	}
	if e.frameSize > 0 && len(frame) > e.frameSize {
		return false
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.rxq <- buf:
		return true
	default:
		return false
	}
}

// TxFrames returns the frames captured on the given TX port.
func (e *Env) TxFrames(port uint16) [][]byte {
	p, err := e.port(port)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.txSink))
	copy(out, p.txSink)
	return out
}

// SetTxLimit caps how many packets a single TxBurst accepts on port,
// simulating a backed-up transmit ring. 0 removes the cap.
func (e *Env) SetTxLimit(port uint16, n int) {
	p, err := e.port(port)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.txLimit = n
	p.mu.Unlock()
}

// --- Programs ---

type simProgram struct {
	name string
	runs int64
}

func (e *Env) LoadProgram(name, specPath string) (env.Program, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("open program spec %s: %w", specPath, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("build program %q from %s: empty spec", name, specPath)
	}
	return &simProgram{name: name}, nil
}

func (p *simProgram) Run(pkts []env.Packet) int {
	p.runs++
	return len(pkts)
}

func (p *simProgram) Close() error { return nil }

// --- Regions ---

type simRegion struct {
	buf []byte
	io  uint64

	env    *Env
	name   string
	closed bool
}

func (r *simRegion) Bytes() []byte  { return r.buf }
func (r *simRegion) IOAddr() uint64 { return r.io }

func (r *simRegion) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.name != "" {
		r.env.mu.Lock()
		delete(r.env.regions, r.name)
		r.env.mu.Unlock()
	}
	return nil
}

func (e *Env) ReserveRegion(name string, size int) (env.Region, error) {
	if e.opts.DisableReserve {
		return nil, fmt.Errorf("reserve region %q: no contiguous memory", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.regions[name] {
		return nil, fmt.Errorf("reserve region %q: name in use", name)
	}
	e.regions[name] = true
	io := e.nextIO
	e.nextIO += uint64(size)
	return &simRegion{buf: make([]byte, size), io: io, env: e, name: name}, nil
}

func (e *Env) AllocRegion(size, align int) (env.Region, error) {
	if align <= 0 {
		align = 64
	}
	raw := make([]byte, size+align)
	off := 0
	if rem := addrOf(raw) % uintptr(align); rem != 0 {
		off = align - int(rem)
	}
	e.mu.Lock()
	io := e.nextIO
	e.nextIO += uint64(size)
	e.mu.Unlock()
	return &simRegion{buf: raw[off : off+size : off+size], io: io, env: e}, nil
}

// --- Cores ---

func (e *Env) MainCore() int { return 0 }

func (e *Env) WorkerCores() []int {
	cores := make([]int, 0, len(e.cores))
	for id := 1; id <= e.opts.Workers; id++ {
		cores = append(cores, id)
	}
	return cores
}

func (e *Env) Launch(core int, fn func()) error {
	c, ok := e.cores[core]
	if !ok {
		return fmt.Errorf("launch on unknown core %d", core)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return fmt.Errorf("core %d already busy", core)
	}
	c.busy = true
	c.done = make(chan struct{})
	go func() {
		defer func() {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
			close(c.done)
		}()
		fn()
	}()
	return nil
}

func (e *Env) Wait(core int) {
	c, ok := e.cores[core]
	if !ok {
		return
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Env) Yield() { runtime.Gosched() }
