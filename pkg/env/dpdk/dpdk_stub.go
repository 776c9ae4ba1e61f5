//go:build !dpdk

// Package dpdk implements env.Env on DPDK. The real backend is compiled
// in with the "dpdk" build tag against libdpdk via pkg-config; without the
// tag this stub keeps the import tree buildable on any machine.
package dpdk

import (
	"errors"

	"github.com/openpdp/dprt/pkg/env"
)

// ErrNotBuilt is returned by New when the binary was compiled without the
// "dpdk" build tag.
var ErrNotBuilt = errors.New("dpdk environment: built without DPDK support")

// New fails: this binary carries no DPDK backend.
func New() (env.Env, error) {
	return nil, ErrNotBuilt
}
