//go:build linux

package host

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/openpdp/dprt/pkg/env"
)

// port is one AF_PACKET socket bound to a single interface, opened for a
// single direction. The socket is nonblocking so the poll loops never
// sleep in the kernel.
type port struct {
	info    env.PortInfo
	ifindex int

	fd         int
	configured bool
	rx         bool
	started    bool
	promisc    bool
	pool       env.Pool
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

func (e *Env) port(id uint16) (*port, error) {
	if int(id) >= len(e.ports) {
		return nil, fmt.Errorf("port %d out of range", id)
	}
	return e.ports[id], nil
}

func (e *Env) Ports() []env.PortInfo {
	infos := make([]env.PortInfo, len(e.ports))
	for i, p := range e.ports {
		infos[i] = p.info
	}
	return infos
}

func (e *Env) ConfigurePort(id uint16, rx bool, ringDepth int, pool env.Pool) error {
	p, err := e.port(id)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("port %d: nil pool", id)
	}
	if p.fd >= 0 {
		return fmt.Errorf("port %d (%s) already configured", id, p.info.Name)
	}

	proto := int(htons(unix.ETH_P_ALL))
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return fmt.Errorf("port %s: socket: %w", p.info.Name, err)
	}
	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: p.ifindex}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("port %s: bind: %w", p.info.Name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("port %s: set nonblock: %w", p.info.Name, err)
	}
	if ringDepth > 0 {
		size := ringDepth * 2048
		opt := unix.SO_RCVBUF
		if !rx {
			opt = unix.SO_SNDBUF
		}
		// Best effort; the kernel clamps to rmem_max/wmem_max anyway.
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, size)
	}

	p.fd = fd
	p.configured = true
	p.rx = rx
	p.pool = pool
	return nil
}

func (e *Env) StartPort(id uint16, promisc bool) error {
	p, err := e.port(id)
	if err != nil {
		return err
	}
	if !p.configured {
		return fmt.Errorf("port %d not configured", id)
	}
	if promisc && !p.promisc {
		mreq := unix.PacketMreq{Ifindex: int32(p.ifindex), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(p.fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			return fmt.Errorf("port %s: enable promiscuous: %w", p.info.Name, err)
		}
		p.promisc = true
	}
	p.started = true
	return nil
}

func (e *Env) StopPort(id uint16) error {
	p, err := e.port(id)
	if err != nil {
		return err
	}
	p.started = false
	return nil
}

func (e *Env) RxBurst(id uint16, pkts []env.Packet) int {
	p, err := e.port(id)
	if err != nil || !p.started || !p.rx {
		return 0
	}
	n := 0
	for n < len(pkts) {
		pkt, ok := p.pool.Alloc()
		if !ok {
			return n
		}
		buf := pkt.Data[:cap(pkt.Data)]
		m, _, rerr := unix.Recvfrom(p.fd, buf, unix.MSG_DONTWAIT)
		if rerr != nil || m <= 0 {
			p.pool.Free(pkt)
			return n
		}
		pkt.Data = buf[:m]
		pkts[n] = pkt
		n++
	}
	return n
}

func (e *Env) TxBurst(id uint16, pkts []env.Packet) int {
	p, err := e.port(id)
	if err != nil || !p.started || p.rx {
		return 0
	}
	n := 0
	for _, pkt := range pkts {
		if werr := unix.Send(p.fd, pkt.Data, unix.MSG_DONTWAIT); werr != nil {
			break
		}
		p.pool.Free(pkt)
		n++
	}
	return n
}

func (p *port) close() {
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
	}
	p.started = false
	p.configured = false
}
