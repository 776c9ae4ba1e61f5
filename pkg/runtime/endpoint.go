package runtime

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openpdp/dprt/pkg/env"
)

type endpointState struct {
	name    string
	port    uint16
	rx      bool
	running bool
}

// CreateEndpoint binds a physical port for a single direction. The iface
// string is resolved to a port id by, in order: a numeric port index in
// range, an exact or substring match on enumerated device names, and, when
// exactly one port exists, that port.
func (r *Runtime) CreateEndpoint(name, iface string, isRx bool) (Handle, error) {
	port, err := r.resolvePort(iface)
	if err != nil {
		r.recordErr("create endpoint %q: %v", name, err)
		return InvalidHandle, fmt.Errorf("create endpoint %q: %w", name, err)
	}

	if err := r.env.ConfigurePort(port, isRx, r.opts.RingDepth, r.pool); err != nil {
		r.recordErr("configure port %d for endpoint %q: %v", port, name, err)
		return InvalidHandle, fmt.Errorf("configure port %d for endpoint %q: %w", port, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return InvalidHandle, ErrClosed
	}
	h, ep := r.endpoints.alloc()
	ep.name = name
	ep.port = port
	ep.rx = isRx
	slog.Info("endpoint created",
		"endpoint", name, "iface", iface, "port", port, "rx", isRx, "handle", int32(h))
	return h, nil
}

func (r *Runtime) resolvePort(iface string) (uint16, error) {
	ports := r.env.Ports()
	if len(ports) == 0 {
		return 0, fmt.Errorf("%w: no ports enumerated", ErrPortNotFound)
	}
	if idx, err := strconv.Atoi(iface); err == nil && idx >= 0 && idx < len(ports) {
		return ports[idx].ID, nil
	}
	for _, p := range ports {
		if p.Name == iface {
			return p.ID, nil
		}
	}
	for _, p := range ports {
		if iface != "" && strings.Contains(p.Name, iface) {
			return p.ID, nil
		}
	}
	if len(ports) == 1 {
		return ports[0].ID, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrPortNotFound, iface)
}

// StartEndpoint starts the underlying port. Promiscuous capture is enabled
// only for receive endpoints. Starting an already-started endpoint is a
// no-op.
func (r *Runtime) StartEndpoint(h Handle) error {
	r.mu.Lock()
	ep := r.endpoints.get(h)
	if ep == nil {
		r.mu.Unlock()
		return ErrInvalidHandle
	}
	if ep.running {
		r.mu.Unlock()
		return nil
	}
	port, rx, name := ep.port, ep.rx, ep.name
	r.mu.Unlock()

	if err := r.env.StartPort(port, rx); err != nil {
		r.recordErr("start endpoint %q: %v", name, err)
		return fmt.Errorf("start endpoint %q: %w", name, err)
	}

	r.mu.Lock()
	if ep := r.endpoints.get(h); ep != nil {
		ep.running = true
	}
	r.mu.Unlock()
	slog.Info("endpoint started", "endpoint", name, "port", port)
	return nil
}

// StopEndpoint stops the underlying port. Stopping a never-started or
// already-stopped endpoint is a safe no-op.
func (r *Runtime) StopEndpoint(h Handle) error {
	r.mu.Lock()
	ep := r.endpoints.get(h)
	if ep == nil || !ep.running {
		r.mu.Unlock()
		return nil
	}
	port, name := ep.port, ep.name
	ep.running = false
	r.mu.Unlock()

	if err := r.env.StopPort(port); err != nil {
		return fmt.Errorf("stop endpoint %q: %w", name, err)
	}
	slog.Info("endpoint stopped", "endpoint", name, "port", port)
	return nil
}

// Receive fills pkts with up to len(pkts) packets from a receive endpoint.
// Invalid handles and transmit endpoints silently yield 0.
func (r *Runtime) Receive(h Handle, pkts []env.Packet) int {
	r.mu.Lock()
	ep := r.endpoints.get(h)
	if ep == nil || !ep.rx {
		r.mu.Unlock()
		return 0
	}
	port := ep.port
	r.mu.Unlock()
	return r.env.RxBurst(port, pkts)
}

// Transmit sends pkts on a transmit endpoint and returns how many the
// underlying burst accepted. Packets the burst did not accept are freed
// here, so no packet buffer leaks on partial send. Invalid handles and
// receive endpoints silently yield 0 (and free nothing).
func (r *Runtime) Transmit(h Handle, pkts []env.Packet) int {
	r.mu.Lock()
	ep := r.endpoints.get(h)
	if ep == nil || ep.rx {
		r.mu.Unlock()
		return 0
	}
	port := ep.port
	r.mu.Unlock()

	sent := r.env.TxBurst(port, pkts)
	for _, pkt := range pkts[sent:] {
		r.pool.Free(pkt)
	}
	return sent
}

// EndpointInfo describes one endpoint.
type EndpointInfo struct {
	Handle  Handle `json:"handle"`
	Name    string `json:"name"`
	Port    uint16 `json:"port"`
	Rx      bool   `json:"rx"`
	Running bool   `json:"running"`
}

// Endpoints lists all endpoints.
func (r *Runtime) Endpoints() []EndpointInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EndpointInfo
	r.endpoints.each(func(h Handle, ep *endpointState) {
		out = append(out, EndpointInfo{
			Handle: h, Name: ep.name, Port: ep.port, Rx: ep.rx, Running: ep.running,
		})
	})
	return out
}
