//go:build dpdk

// Package dpdk implements env.Env on DPDK: EAL-managed lcores, pktmbuf
// pools, ethdev poll-mode ports, memzone/rte_malloc regions, and SWX
// pipelines built from spec files. Compiled only with the "dpdk" build
// tag, against libdpdk located through pkg-config.
package dpdk

/*
#cgo pkg-config: libdpdk
#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#include <rte_eal.h>
#include <rte_lcore.h>
#include <rte_launch.h>
#include <rte_ethdev.h>
#include <rte_mbuf.h>
#include <rte_mempool.h>
#include <rte_memzone.h>
#include <rte_malloc.h>
#include <rte_swx_pipeline.h>
#include <rte_errno.h>
#include <rte_pause.h>

extern int dprtWorkerEntry(void *);

// rte_errno is a per-lcore macro, unreachable from cgo directly.
static int go_rte_errno(void) { return rte_errno; }

static uint16_t go_rx_burst(uint16_t port, struct rte_mbuf **pkts, uint16_t n) {
	return rte_eth_rx_burst(port, 0, pkts, n);
}

static uint16_t go_tx_burst(uint16_t port, struct rte_mbuf **pkts, uint16_t n) {
	return rte_eth_tx_burst(port, 0, pkts, n);
}

static void *go_mbuf_data(struct rte_mbuf *m) {
	return rte_pktmbuf_mtod(m, void *);
}

static void go_mbuf_set_len(struct rte_mbuf *m, uint16_t len) {
	m->data_len = len;
	m->pkt_len = len;
}

static uint16_t go_mbuf_room(struct rte_mbuf *m) {
	return rte_pktmbuf_tailroom(m) + rte_pktmbuf_data_len(m);
}

static int go_remote_launch(unsigned lcore) {
	return rte_eal_remote_launch(dprtWorkerEntry, NULL, lcore);
}

static int go_pipeline_build(struct rte_swx_pipeline *p, const char *path,
		uint32_t *err_line, const char **err_msg) {
	FILE *f = fopen(path, "r");
	if (f == NULL)
		return -ENOENT;
	int rc = rte_swx_pipeline_build_from_spec(p, f, err_line, err_msg);
	fclose(f);
	return rc;
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/openpdp/dprt/pkg/env"
)

// Env is the DPDK execution environment. One per process; the EAL cannot
// be initialized twice.
type Env struct {
	inited bool
	ports  []env.PortInfo

	// Per-port scratch mbuf arrays, sized at configure time so the burst
	// paths never allocate. One queue and one polling worker per port, so
	// no locking.
	scratch map[uint16][]*C.struct_rte_mbuf
}

var _ env.Env = (*Env)(nil)

// New returns an uninitialized DPDK environment.
func New() (env.Env, error) {
	return &Env{}, nil
}

// Init runs rte_eal_init with the given arguments (argv[0] is synthesized)
// and enumerates the available ethdev ports.
func (e *Env) Init(args []string) error {
	if e.inited {
		return nil
	}
	argv := append([]string{"dprtd"}, args...)
	cArgs := make([]*C.char, len(argv))
	for i, a := range argv {
		cArgs[i] = C.CString(a)
	}
	defer func() {
		for _, ca := range cArgs {
			C.free(unsafe.Pointer(ca))
		}
	}()

	rc := C.rte_eal_init(C.int(len(argv)), (**C.char)(unsafe.Pointer(&cArgs[0])))
	if rc < 0 {
		return fmt.Errorf("rte_eal_init failed: %d", rc)
	}

	n := uint16(C.rte_eth_dev_count_avail())
	for port := uint16(0); port < n; port++ {
		var name [C.RTE_ETH_NAME_MAX_LEN]C.char
		if C.rte_eth_dev_get_name_by_port(C.uint16_t(port), &name[0]) != 0 {
			continue
		}
		var mac C.struct_rte_ether_addr
		C.rte_eth_macaddr_get(C.uint16_t(port), &mac)
		info := env.PortInfo{ID: port, Name: C.GoString(&name[0])}
		info.MAC = C.GoBytes(unsafe.Pointer(&mac.addr_bytes[0]), 6)
		e.ports = append(e.ports, info)
	}

	e.scratch = make(map[uint16][]*C.struct_rte_mbuf)
	e.inited = true
	slog.Info("EAL initialized", "ports", len(e.ports), "lcores", int(C.rte_lcore_count()))
	return nil
}

func (e *Env) Close() error {
	if !e.inited {
		return nil
	}
	C.rte_eal_mp_wait_lcore()
	C.rte_eal_cleanup()
	e.inited = false
	return nil
}

// --- Pool ---

type pool struct {
	mp       *C.struct_rte_mempool
	capacity int
}

func (e *Env) NewPool(name string, capacity, frameSize int) (env.Pool, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	mp := C.rte_pktmbuf_pool_create(cName, C.uint(capacity), 256, 0,
		C.uint16_t(frameSize+C.RTE_PKTMBUF_HEADROOM), C.int(C.rte_socket_id()))
	if mp == nil {
		return nil, fmt.Errorf("rte_pktmbuf_pool_create %q (%d x %d): %v",
			name, capacity, frameSize, C.GoString(C.rte_strerror(C.go_rte_errno())))
	}
	return &pool{mp: mp, capacity: capacity}, nil
}

func (p *pool) Alloc() (env.Packet, bool) {
	m := C.rte_pktmbuf_alloc(p.mp)
	if m == nil {
		return env.Packet{}, false
	}
	return mbufPacket(m), true
}

func (p *pool) Free(pkt env.Packet) {
	if pkt.Raw == 0 {
		return
	}
	C.rte_pktmbuf_free((*C.struct_rte_mbuf)(unsafe.Pointer(pkt.Raw)))
}

func (p *pool) Capacity() int { return p.capacity }

func (p *pool) Available() int {
	return int(C.rte_mempool_avail_count(p.mp))
}

func (p *pool) Close() {
	C.rte_mempool_free(p.mp)
	p.mp = nil
}

// mbufPacket views the mbuf's data room as a zero-length Go slice with the
// full room as capacity; Raw carries the mbuf pointer for Free and TxBurst.
func mbufPacket(m *C.struct_rte_mbuf) env.Packet {
	room := int(C.go_mbuf_room(m))
	data := unsafe.Slice((*byte)(C.go_mbuf_data(m)), room)
	return env.Packet{Data: data[:0], Raw: uintptr(unsafe.Pointer(m))}
}

// --- Ports ---

func (e *Env) Ports() []env.PortInfo {
	out := make([]env.PortInfo, len(e.ports))
	copy(out, e.ports)
	return out
}

func (e *Env) ConfigurePort(port uint16, rx bool, ringDepth int, pl env.Pool) error {
	dp, ok := pl.(*pool)
	if !ok {
		return fmt.Errorf("port %d: pool is not a DPDK pool", port)
	}
	nrx, ntx := C.uint16_t(1), C.uint16_t(0)
	if !rx {
		nrx, ntx = 0, 1
	}
	var conf C.struct_rte_eth_conf
	if rc := C.rte_eth_dev_configure(C.uint16_t(port), nrx, ntx, &conf); rc != 0 {
		return fmt.Errorf("rte_eth_dev_configure port %d: %d", port, rc)
	}
	socket := C.rte_eth_dev_socket_id(C.uint16_t(port))
	if rx {
		if rc := C.rte_eth_rx_queue_setup(C.uint16_t(port), 0, C.uint16_t(ringDepth),
			C.uint(socket), nil, dp.mp); rc != 0 {
			return fmt.Errorf("rte_eth_rx_queue_setup port %d: %d", port, rc)
		}
	} else {
		if rc := C.rte_eth_tx_queue_setup(C.uint16_t(port), 0, C.uint16_t(ringDepth),
			C.uint(socket), nil); rc != 0 {
			return fmt.Errorf("rte_eth_tx_queue_setup port %d: %d", port, rc)
		}
	}
	e.scratch[port] = make([]*C.struct_rte_mbuf, ringDepth)
	return nil
}

func (e *Env) StartPort(port uint16, promisc bool) error {
	if rc := C.rte_eth_dev_start(C.uint16_t(port)); rc != 0 {
		return fmt.Errorf("rte_eth_dev_start port %d: %d", port, rc)
	}
	if promisc {
		C.rte_eth_promiscuous_enable(C.uint16_t(port))
	}
	return nil
}

func (e *Env) StopPort(port uint16) error {
	if rc := C.rte_eth_dev_stop(C.uint16_t(port)); rc != 0 {
		return fmt.Errorf("rte_eth_dev_stop port %d: %d", port, rc)
	}
	return nil
}

func (e *Env) RxBurst(port uint16, pkts []env.Packet) int {
	mbufs := e.scratch[port]
	want := len(pkts)
	if want > len(mbufs) {
		want = len(mbufs)
	}
	if want == 0 {
		return 0
	}
	n := int(C.go_rx_burst(C.uint16_t(port), &mbufs[0], C.uint16_t(want)))
	for i := 0; i < n; i++ {
		pkt := mbufPacket(mbufs[i])
		pkt.Data = pkt.Data[:mbufs[i].data_len]
		pkts[i] = pkt
	}
	return n
}

func (e *Env) TxBurst(port uint16, pkts []env.Packet) int {
	mbufs := e.scratch[port]
	n := len(pkts)
	if n > len(mbufs) {
		n = len(mbufs)
	}
	if n == 0 {
		return 0
	}
	for i, pkt := range pkts[:n] {
		m := (*C.struct_rte_mbuf)(unsafe.Pointer(pkt.Raw))
		C.go_mbuf_set_len(m, C.uint16_t(len(pkt.Data)))
		mbufs[i] = m
	}
	return int(C.go_tx_burst(C.uint16_t(port), &mbufs[0], C.uint16_t(n)))
}

// --- Programs ---

// program wraps one SWX pipeline. The pipeline pulls packets from its own
// configured ports; Run drives one scheduling quantum per call and reports
// the whole burst as consumed.
type program struct {
	p *C.struct_rte_swx_pipeline
}

const pipelineQuantum = 1024 // instructions per rte_swx_pipeline_run call

func (e *Env) LoadProgram(name, specPath string) (env.Program, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var p *C.struct_rte_swx_pipeline
	if rc := C.rte_swx_pipeline_config(&p, cName, C.int(C.rte_socket_id())); rc != 0 {
		return nil, fmt.Errorf("rte_swx_pipeline_config %q: %d", name, rc)
	}
	cPath := C.CString(specPath)
	defer C.free(unsafe.Pointer(cPath))
	var errLine C.uint32_t
	var errMsg *C.char
	if rc := C.go_pipeline_build(p, cPath, &errLine, &errMsg); rc != 0 {
		C.rte_swx_pipeline_free(p)
		if errMsg != nil {
			return nil, fmt.Errorf("build program %q from %s: line %d: %s",
				name, specPath, uint32(errLine), C.GoString(errMsg))
		}
		return nil, fmt.Errorf("build program %q from %s: %d", name, specPath, rc)
	}
	return &program{p: p}, nil
}

func (p *program) Run(pkts []env.Packet) int {
	C.rte_swx_pipeline_run(p.p, pipelineQuantum)
	return len(pkts)
}

func (p *program) Close() error {
	C.rte_swx_pipeline_free(p.p)
	return nil
}

// --- Regions ---

type memzoneRegion struct {
	mz  *C.struct_rte_memzone
	buf []byte
}

func (r *memzoneRegion) Bytes() []byte  { return r.buf }
func (r *memzoneRegion) IOAddr() uint64 { return uint64(r.mz.iova) }

func (r *memzoneRegion) Close() error {
	if rc := C.rte_memzone_free(r.mz); rc != 0 {
		return fmt.Errorf("rte_memzone_free: %d", rc)
	}
	return nil
}

func (e *Env) ReserveRegion(name string, size int) (env.Region, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	mz := C.rte_memzone_reserve(cName, C.size_t(size), C.SOCKET_ID_ANY, 0)
	if mz == nil {
		return nil, fmt.Errorf("rte_memzone_reserve %q (%d bytes): %v",
			name, size, C.GoString(C.rte_strerror(C.go_rte_errno())))
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(mz.addr)), size)
	return &memzoneRegion{mz: mz, buf: buf}, nil
}

type mallocRegion struct {
	ptr unsafe.Pointer
	buf []byte
	io  uint64
}

func (r *mallocRegion) Bytes() []byte  { return r.buf }
func (r *mallocRegion) IOAddr() uint64 { return r.io }

func (r *mallocRegion) Close() error {
	C.rte_free(r.ptr)
	r.ptr = nil
	return nil
}

func (e *Env) AllocRegion(size, align int) (env.Region, error) {
	ptr := C.rte_zmalloc(nil, C.size_t(size), C.uint(align))
	if ptr == nil {
		return nil, fmt.Errorf("rte_zmalloc %d bytes: out of hugepage memory", size)
	}
	buf := unsafe.Slice((*byte)(ptr), size)
	io := uint64(C.rte_malloc_virt2iova(ptr))
	return &mallocRegion{ptr: ptr, buf: buf, io: io}, nil
}

// --- Cores ---

// launchMu guards the lcore-to-function table the C trampoline reads. The
// EAL owns the worker threads; Launch only hands them a function.
var (
	launchMu  sync.Mutex
	launchFns = make(map[int]func())
)

//export dprtWorkerEntry
func dprtWorkerEntry(_ unsafe.Pointer) C.int {
	lcore := int(C.rte_lcore_id())
	launchMu.Lock()
	fn := launchFns[lcore]
	delete(launchFns, lcore)
	launchMu.Unlock()
	if fn != nil {
		fn()
	}
	return 0
}

func (e *Env) MainCore() int {
	return int(C.rte_get_main_lcore())
}

func (e *Env) WorkerCores() []int {
	var cores []int
	for id := C.rte_get_next_lcore(C.uint(^uint32(0)), 1, 0); id < C.RTE_MAX_LCORE; id = C.rte_get_next_lcore(id, 1, 0) {
		cores = append(cores, int(id))
	}
	return cores
}

func (e *Env) Launch(core int, fn func()) error {
	launchMu.Lock()
	launchFns[core] = fn
	launchMu.Unlock()
	if rc := C.go_remote_launch(C.uint(core)); rc != 0 {
		launchMu.Lock()
		delete(launchFns, core)
		launchMu.Unlock()
		return fmt.Errorf("rte_eal_remote_launch lcore %d: %d", core, rc)
	}
	return nil
}

func (e *Env) Wait(core int) {
	C.rte_eal_wait_lcore(C.uint(core))
}

func (e *Env) Yield() {
	C.rte_pause()
}
