//go:build linux

// Package host implements env.Env on a plain Linux kernel: ports are
// AF_PACKET raw sockets on netlink-enumerated interfaces, programs are
// eBPF objects executed through the kernel test-run facility, and regions
// are mlocked anonymous or hugetlb mappings. It needs no special hardware
// and runs unprivileged except for promiscuous mode, eBPF, and physical
// address translation.
package host

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/openpdp/dprt/pkg/env"
)

// Env is the Linux host execution environment.
type Env struct {
	inited bool

	ports []*port

	mainCore int
	workers  []int
	cores    map[int]*core

	mu      sync.Mutex
	regions map[string]bool
}

var _ env.Env = (*Env)(nil)

// New returns an uninitialized host environment.
func New() *Env {
	return &Env{}
}

// Init enumerates candidate interfaces and the worker core set. Recognized
// args: --ports=<name,...> restricts the port list, --main-core=<n> and
// --workers=<n,...> override the core layout. Unknown args are rejected.
func (e *Env) Init(args []string) error {
	if e.inited {
		return nil
	}

	var portFilter []string
	mainCore := -1
	var workers []int
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--ports="):
			portFilter = strings.Split(strings.TrimPrefix(a, "--ports="), ",")
		case strings.HasPrefix(a, "--main-core="):
			n, err := strconv.Atoi(strings.TrimPrefix(a, "--main-core="))
			if err != nil {
				return fmt.Errorf("bad --main-core: %w", err)
			}
			mainCore = n
		case strings.HasPrefix(a, "--workers="):
			for _, s := range strings.Split(strings.TrimPrefix(a, "--workers="), ",") {
				n, err := strconv.Atoi(s)
				if err != nil {
					return fmt.Errorf("bad --workers entry %q: %w", s, err)
				}
				workers = append(workers, n)
			}
		default:
			return fmt.Errorf("unknown environment arg %q", a)
		}
	}

	if err := e.discoverPorts(portFilter); err != nil {
		return err
	}
	if err := e.layoutCores(mainCore, workers); err != nil {
		return err
	}
	e.regions = make(map[string]bool)
	e.inited = true

	slog.Info("host environment initialized",
		"ports", len(e.ports), "main_core", e.mainCore, "workers", len(e.workers))
	return nil
}

func (e *Env) Close() error {
	for _, p := range e.ports {
		p.close()
	}
	e.inited = false
	return nil
}

// discoverPorts lists usable links via netlink. Loopback and down-only
// virtual devices still appear; the filter, when given, narrows by name.
func (e *Env) discoverPorts(filter []string) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	want := make(map[string]bool, len(filter))
	for _, name := range filter {
		want[name] = true
	}
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&unix.IFF_LOOPBACK != 0 {
			continue
		}
		if len(want) > 0 && !want[attrs.Name] {
			continue
		}
		e.ports = append(e.ports, &port{
			info: env.PortInfo{
				ID:   uint16(len(e.ports)),
				Name: attrs.Name,
				MAC:  attrs.HardwareAddr,
			},
			ifindex: attrs.Index,
			fd:      -1,
		})
	}
	for _, name := range filter {
		if !e.hasPort(name) {
			return fmt.Errorf("interface %q not found", name)
		}
	}
	return nil
}

func (e *Env) hasPort(name string) bool {
	for _, p := range e.ports {
		if p.info.Name == name {
			return true
		}
	}
	return false
}
