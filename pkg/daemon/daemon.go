// Package daemon implements the dprtd daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/openpdp/dprt/pkg/api"
	"github.com/openpdp/dprt/pkg/env"
	"github.com/openpdp/dprt/pkg/env/dpdk"
	"github.com/openpdp/dprt/pkg/env/envtest"
	"github.com/openpdp/dprt/pkg/env/host"
	"github.com/openpdp/dprt/pkg/runtime"
)

// Options configures the daemon.
type Options struct {
	Env     string   // "dpdk", "host", or "sim"
	EnvArgs []string // passed to the environment's Init

	APIAddr   string
	HTTPSAddr string
	TLS       bool

	// Control API credentials. With neither set the API is open, which is
	// only sane on a loopback listen address.
	APIKey   string // accepted as Bearer token or X-API-Key
	AuthUser string // Basic auth user
	AuthPass string

	PoolCapacity int
	FrameSize    int
	RingDepth    int
	Burst        int

	SimPorts []string // simulated port names (sim environment only)
}

// Daemon is the main dprtd daemon.
type Daemon struct {
	opts Options
	rt   *runtime.Runtime
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.Env == "" {
		opts.Env = "host"
	}
	if opts.APIAddr == "" {
		opts.APIAddr = "127.0.0.1:9781"
	}
	return &Daemon{opts: opts}
}

// authConfig builds the API auth configuration from the credential
// options, or nil when none are set.
func (o *Options) authConfig() *api.AuthConfig {
	if o.APIKey == "" && o.AuthUser == "" {
		return nil
	}
	cfg := &api.AuthConfig{
		Users:   make(map[string]string),
		APIKeys: make(map[string]bool),
	}
	if o.APIKey != "" {
		cfg.APIKeys[o.APIKey] = true
	}
	if o.AuthUser != "" {
		cfg.Users[o.AuthUser] = o.AuthPass
	}
	return cfg
}

// newEnv selects the environment backend.
func (d *Daemon) newEnv() (env.Env, error) {
	switch d.opts.Env {
	case "dpdk":
		return dpdk.New()
	case "host":
		return host.New(), nil
	case "sim":
		ports := d.opts.SimPorts
		if len(ports) == 0 {
			ports = []string{"sim0", "sim1"}
		}
		return envtest.New(envtest.Options{PortNames: ports}), nil
	default:
		return nil, fmt.Errorf("unknown environment %q (want dpdk, host, or sim)", d.opts.Env)
	}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting dprtd",
		"env", d.opts.Env,
		"api", d.opts.APIAddr,
		"pid", os.Getpid())

	e, err := d.newEnv()
	if err != nil {
		return err
	}

	rt, err := runtime.New(e, runtime.Options{
		EnvArgs:      d.opts.EnvArgs,
		PoolCapacity: d.opts.PoolCapacity,
		FrameSize:    d.opts.FrameSize,
		RingDepth:    d.opts.RingDepth,
		DefaultBurst: d.opts.Burst,
	})
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	d.rt = rt

	if ports := rt.Ports(); len(ports) > 0 {
		names := make([]string, len(ports))
		for i, p := range ports {
			names[i] = p.Name
		}
		slog.Info("ports available", "ports", strings.Join(names, ","))
	} else {
		slog.Warn("no ports available")
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	auth := d.opts.authConfig()
	if auth == nil {
		slog.Warn("control API authentication disabled")
	}
	server := api.NewServer(api.Config{
		Addr:      d.opts.APIAddr,
		HTTPSAddr: d.opts.HTTPSAddr,
		TLS:       d.opts.TLS,
		Auth:      auth,
		Runtime:   rt,
		EnvName:   d.opts.Env,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop the API server, then wait for it.
	stop()
	wg.Wait()

	// Log final stats before tearing the runtime down.
	logFinalStats(rt)
	if err := rt.Close(); err != nil {
		slog.Warn("runtime close", "err", err)
	}

	slog.Info("shutdown complete")
	return runErr
}

// logFinalStats logs a per-task counter summary before shutdown.
func logFinalStats(rt *runtime.Runtime) {
	for _, t := range rt.Tasks() {
		slog.Info("final task statistics",
			"task", t.Name,
			"lcore", t.Lcore,
			"bursts", t.Stats.Bursts,
			"rx_packets", t.Stats.RxPackets,
			"processed", t.Stats.Processed,
			"tx_packets", t.Stats.TxPackets,
			"buf_bytes", t.Stats.BufBytes,
			"buf_overflows", t.Stats.BufOverflows)
	}
	capacity, available := rt.PoolStats()
	if available != capacity {
		slog.Warn("packet buffers still in flight at shutdown",
			"capacity", capacity, "available", available)
	}
}
