//go:build linux

package host

import (
	"fmt"
	"sort"

	"github.com/cilium/ebpf"

	"github.com/openpdp/dprt/pkg/env"
)

// program wraps one eBPF program from a compiled object file. Run feeds
// each packet through the kernel's BPF_PROG_TEST_RUN path and counts the
// ones the program did not drop.
type program struct {
	name string
	coll *ebpf.Collection
	prog *ebpf.Program

	// scratch reused across Run calls to keep the hot loop free of
	// allocation. A program may grow the packet up to this size.
	scratch []byte
}

// LoadProgram loads the eBPF object at specPath and selects its entry
// program: the one named "main" if present, else the first in name order.
func (e *Env) LoadProgram(name, specPath string) (env.Program, error) {
	spec, err := ebpf.LoadCollectionSpec(specPath)
	if err != nil {
		return nil, fmt.Errorf("load program spec %s: %w", specPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("build program %q from %s: %w", name, specPath, err)
	}
	entry := coll.Programs["main"]
	if entry == nil {
		names := make([]string, 0, len(coll.Programs))
		for n := range coll.Programs {
			names = append(names, n)
		}
		if len(names) == 0 {
			coll.Close()
			return nil, fmt.Errorf("build program %q from %s: object has no programs", name, specPath)
		}
		sort.Strings(names)
		entry = coll.Programs[names[0]]
	}
	return &program{name: name, coll: coll, prog: entry, scratch: make([]byte, 4096)}, nil
}

// XDP verdicts.
const (
	xdpAborted = 0
	xdpDrop    = 1
)

func (p *program) Run(pkts []env.Packet) int {
	consumed := 0
	for i := range pkts {
		opts := ebpf.RunOptions{
			Data:    pkts[i].Data,
			DataOut: p.scratch,
		}
		ret, err := p.prog.Run(&opts)
		if err != nil {
			continue
		}
		if ret == xdpAborted || ret == xdpDrop {
			continue
		}
		// The program may have rewritten the packet.
		if n := len(opts.DataOut); n > 0 && n <= cap(pkts[i].Data) {
			pkts[i].Data = pkts[i].Data[:n]
			copy(pkts[i].Data, opts.DataOut)
		}
		consumed++
	}
	return consumed
}

func (p *program) Close() error {
	p.coll.Close()
	return nil
}
