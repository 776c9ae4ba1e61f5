package envtest

import (
	"bytes"
	"testing"

	"github.com/openpdp/dprt/pkg/env"
)

func newEnv(t *testing.T, opts Options) *Env {
	t.Helper()
	e := New(opts)
	if err := e.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRxLoopback(t *testing.T) {
	e := newEnv(t, Options{PortNames: []string{"sim0"}})
	pool, err := e.NewPool("p", 16, 256)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := e.ConfigurePort(0, true, 0, pool); err != nil {
		t.Fatalf("ConfigurePort: %v", err)
	}
	if err := e.StartPort(0, true); err != nil {
		t.Fatalf("StartPort: %v", err)
	}

	frame := []byte{1, 2, 3, 4}
	if !e.InjectRx(0, frame) {
		t.Fatal("InjectRx failed")
	}

	pkts := make([]env.Packet, 8)
	n := e.RxBurst(0, pkts)
	if n != 1 {
		t.Fatalf("RxBurst = %d, want 1", n)
	}
	if !bytes.Equal(pkts[0].Data, frame) {
		t.Fatalf("received %x, want %x", pkts[0].Data, frame)
	}
	pool.Free(pkts[0])
	if pool.Available() != pool.Capacity() {
		t.Fatal("frame not returned to pool")
	}
}

func TestInjectRxRejectsOversizedFrame(t *testing.T) {
	e := newEnv(t, Options{PortNames: []string{"sim0"}})
	pool, err := e.NewPool("p", 4, 64)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	e.ConfigurePort(0, true, 0, pool)
	e.StartPort(0, true)

	if e.InjectRx(0, make([]byte, 65)) {
		t.Fatal("frame larger than the pool frame size accepted")
	}
	if !e.InjectRx(0, make([]byte, 64)) {
		t.Fatal("frame at the pool frame size rejected")
	}
	pkts := make([]env.Packet, 2)
	if n := e.RxBurst(0, pkts); n != 1 {
		t.Fatalf("RxBurst = %d, want 1", n)
	}
	pool.Free(pkts[0])
}

func TestRxBurstStopsAtPoolExhaustion(t *testing.T) {
	e := newEnv(t, Options{PortNames: []string{"sim0"}})
	pool, _ := e.NewPool("p", 2, 64)
	e.ConfigurePort(0, true, 0, pool)
	e.StartPort(0, true)

	for i := 0; i < 4; i++ {
		e.InjectRx(0, []byte{byte(i)})
	}
	pkts := make([]env.Packet, 8)
	if n := e.RxBurst(0, pkts); n != 2 {
		t.Fatalf("RxBurst = %d, want 2 (pool size)", n)
	}
}

func TestDirectionEnforced(t *testing.T) {
	e := newEnv(t, Options{PortNames: []string{"rx0", "tx0"}})
	pool, _ := e.NewPool("p", 4, 64)
	e.ConfigurePort(0, true, 0, pool)
	e.StartPort(0, true)
	e.ConfigurePort(1, false, 0, pool)
	e.StartPort(1, false)

	pkts := make([]env.Packet, 4)
	// RX on a TX port and TX on an RX port both yield nothing.
	if n := e.RxBurst(1, pkts); n != 0 {
		t.Fatalf("RxBurst on tx port = %d", n)
	}
	pkt, _ := pool.Alloc()
	pkt.Data = append(pkt.Data, 0xaa)
	if n := e.TxBurst(0, []env.Packet{pkt}); n != 0 {
		t.Fatalf("TxBurst on rx port = %d", n)
	}
	pool.Free(pkt)
}

func TestTxLimit(t *testing.T) {
	e := newEnv(t, Options{PortNames: []string{"tx0"}})
	pool, _ := e.NewPool("p", 8, 64)
	e.ConfigurePort(0, false, 0, pool)
	e.StartPort(0, false)
	e.SetTxLimit(0, 2)

	pkts := make([]env.Packet, 3)
	for i := range pkts {
		pkt, ok := pool.Alloc()
		if !ok {
			t.Fatal("Alloc failed")
		}
		pkt.Data = append(pkt.Data, byte(i))
		pkts[i] = pkt
	}
	if n := e.TxBurst(0, pkts); n != 2 {
		t.Fatalf("TxBurst = %d, want 2", n)
	}
	if got := len(e.TxFrames(0)); got != 2 {
		t.Fatalf("captured %d frames, want 2", got)
	}
	pool.Free(pkts[2])
	if pool.Available() != pool.Capacity() {
		t.Fatal("accepted frames were not freed by TxBurst")
	}
}

func TestReserveRegionNames(t *testing.T) {
	e := newEnv(t, Options{})
	r1, err := e.ReserveRegion("zone", 128)
	if err != nil {
		t.Fatalf("ReserveRegion: %v", err)
	}
	if _, err := e.ReserveRegion("zone", 128); err == nil {
		t.Fatal("duplicate region name accepted")
	}
	if err := r1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r2, err := e.ReserveRegion("zone", 128)
	if err != nil {
		t.Fatalf("ReserveRegion after Close: %v", err)
	}
	r2.Close()
}

func TestAllocRegionAlignment(t *testing.T) {
	e := newEnv(t, Options{})
	r, err := e.AllocRegion(64, 4096)
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	defer r.Close()
	if len(r.Bytes()) != 64 {
		t.Fatalf("len = %d, want 64", len(r.Bytes()))
	}
	if addrOf(r.Bytes())%4096 != 0 {
		t.Fatal("region not 4096-aligned")
	}
}

func TestLaunchRefusesBusyCore(t *testing.T) {
	e := newEnv(t, Options{Workers: 1})
	block := make(chan struct{})
	if err := e.Launch(1, func() { <-block }); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := e.Launch(1, func() {}); err == nil {
		t.Fatal("second Launch on busy core succeeded")
	}
	if err := e.Launch(0, func() {}); err == nil {
		t.Fatal("Launch on main core succeeded")
	}
	close(block)
	e.Wait(1)
	if err := e.Launch(1, func() {}); err != nil {
		t.Fatalf("relaunch after Wait: %v", err)
	}
	e.Wait(1)
}
