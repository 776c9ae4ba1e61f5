package runtime

import (
	"errors"
	"testing"

	"github.com/openpdp/dprt/pkg/env"
	"github.com/openpdp/dprt/pkg/env/envtest"
)

func TestCreateEndpointNoPorts(t *testing.T) {
	e := envtest.New(envtest.Options{PortNames: []string{}})
	r, err := New(e, Options{PoolCapacity: 16, FrameSize: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	h, err := r.CreateEndpoint("rx", "eth0", true)
	if !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("err = %v, want ErrPortNotFound", err)
	}
	if h != InvalidHandle {
		t.Fatalf("failure handle = %d, want InvalidHandle", h)
	}
	if n := len(r.Endpoints()); n != 0 {
		t.Fatalf("%d endpoints registered after failure", n)
	}
}

func TestInterfaceResolution(t *testing.T) {
	cases := []struct {
		name     string
		ports    []string
		iface    string
		wantPort uint16
		wantErr  bool
	}{
		{"numeric index", []string{"enp1s0", "enp2s0"}, "1", 1, false},
		{"numeric out of range", []string{"enp1s0", "enp2s0"}, "7", 0, true},
		{"exact name", []string{"enp1s0", "enp2s0"}, "enp2s0", 1, false},
		{"substring", []string{"enp1s0f0", "enp1s0f1"}, "0f1", 1, false},
		{"single port default", []string{"enp1s0"}, "whatever", 0, false},
		{"no match", []string{"enp1s0", "enp2s0"}, "bond0", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestRuntime(t, envtest.Options{PortNames: tc.ports})
			h, err := r.CreateEndpoint("ep", tc.iface, true)
			if tc.wantErr {
				if !errors.Is(err, ErrPortNotFound) {
					t.Fatalf("err = %v, want ErrPortNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateEndpoint: %v", err)
			}
			eps := r.Endpoints()
			if len(eps) != 1 || eps[0].Handle != h {
				t.Fatalf("Endpoints() = %+v", eps)
			}
			if eps[0].Port != tc.wantPort {
				t.Fatalf("port = %d, want %d", eps[0].Port, tc.wantPort)
			}
		})
	}
}

func TestStartStopEndpointIdempotent(t *testing.T) {
	r, _ := newTestRuntime(t, envtest.Options{})

	h, err := r.CreateEndpoint("rx", "sim0", true)
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	// stop before any start is a safe no-op
	if err := r.StopEndpoint(h); err != nil {
		t.Fatalf("StopEndpoint before start: %v", err)
	}
	if err := r.StartEndpoint(h); err != nil {
		t.Fatalf("StartEndpoint: %v", err)
	}
	if err := r.StartEndpoint(h); err != nil {
		t.Fatalf("second StartEndpoint: %v", err)
	}
	if err := r.StopEndpoint(h); err != nil {
		t.Fatalf("StopEndpoint: %v", err)
	}
	if err := r.StopEndpoint(h); err != nil {
		t.Fatalf("second StopEndpoint: %v", err)
	}

	if err := r.StartEndpoint(Handle(42)); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("StartEndpoint(42) err = %v, want ErrInvalidHandle", err)
	}
}

func TestReceiveRespectsDirection(t *testing.T) {
	r, e := newTestRuntime(t, envtest.Options{})

	rx, err := r.CreateEndpoint("rx", "sim0", true)
	if err != nil {
		t.Fatalf("CreateEndpoint rx: %v", err)
	}
	tx, err := r.CreateEndpoint("tx", "sim1", false)
	if err != nil {
		t.Fatalf("CreateEndpoint tx: %v", err)
	}
	if err := r.StartEndpoint(rx); err != nil {
		t.Fatalf("StartEndpoint: %v", err)
	}
	if err := r.StartEndpoint(tx); err != nil {
		t.Fatalf("StartEndpoint: %v", err)
	}

	e.InjectRx(0, []byte{0x01, 0x02, 0x03})
	pkts := make([]env.Packet, 4)
	if n := r.Receive(rx, pkts); n != 1 {
		t.Fatalf("Receive = %d, want 1", n)
	}
	if string(pkts[0].Data) != "\x01\x02\x03" {
		t.Fatalf("received data = %x", pkts[0].Data)
	}

	// receive on a TX endpoint and on an invalid handle silently yield 0
	if n := r.Receive(tx, pkts); n != 0 {
		t.Fatalf("Receive on TX endpoint = %d, want 0", n)
	}
	if n := r.Receive(InvalidHandle, pkts); n != 0 {
		t.Fatalf("Receive on invalid handle = %d, want 0", n)
	}
}

func TestTransmitFreesUnaccepted(t *testing.T) {
	r, e := newTestRuntime(t, envtest.Options{})

	tx, err := r.CreateEndpoint("tx", "sim1", false)
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if err := r.StartEndpoint(tx); err != nil {
		t.Fatalf("StartEndpoint: %v", err)
	}
	e.SetTxLimit(1, 1)

	capacity, _ := r.PoolStats()
	rxe, err := r.CreateEndpoint("rx", "sim0", true)
	if err != nil {
		t.Fatalf("CreateEndpoint rx: %v", err)
	}
	if err := r.StartEndpoint(rxe); err != nil {
		t.Fatalf("StartEndpoint rx: %v", err)
	}
	for i := 0; i < 3; i++ {
		e.InjectRx(0, []byte{byte(i)})
	}
	pkts := make([]env.Packet, 3)
	if n := r.Receive(rxe, pkts); n != 3 {
		t.Fatalf("Receive = %d, want 3", n)
	}

	if sent := r.Transmit(tx, pkts); sent != 1 {
		t.Fatalf("Transmit = %d, want 1", sent)
	}
	// Accepted and unaccepted packets alike are back in the pool.
	if _, available := r.PoolStats(); available != capacity {
		t.Fatalf("pool available = %d, want %d (no leak on partial send)", available, capacity)
	}

	if n := r.Transmit(rxe, pkts[:0]); n != 0 {
		t.Fatalf("Transmit on RX endpoint = %d, want 0", n)
	}
}
