// dprtd is the packet dataplane runtime daemon.
//
// It owns the execution environment (DPDK, host kernel, or simulation),
// the shared packet pool, and the worker tasks, and exposes an HTTP
// control API for dprtctl and other clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openpdp/dprt/pkg/daemon"
)

func main() {
	envName := flag.String("env", "host", "execution environment: dpdk, host, or sim")
	envArgs := flag.String("env-args", "", "comma-separated arguments for the environment init")
	apiAddr := flag.String("api-addr", "127.0.0.1:9781", "HTTP API listen address")
	httpsAddr := flag.String("https-addr", "", "HTTPS API listen address (empty to disable)")
	apiKey := flag.String("api-key", "", "API key accepted as Bearer token or X-API-Key")
	authUser := flag.String("auth-user", "", "Basic auth username for the API")
	authPass := flag.String("auth-pass", "", "Basic auth password for the API")
	poolCap := flag.Int("pool-capacity", 8192, "packet buffers in the shared pool")
	frameSize := flag.Int("frame-size", 2048, "per-packet buffer size in bytes")
	ringDepth := flag.Int("ring-depth", 512, "RX/TX descriptor ring depth")
	burst := flag.Int("burst", 32, "default burst size for tasks")
	simPorts := flag.String("sim-ports", "", "comma-separated simulated port names (sim env)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(daemon.Options{
		Env:          *envName,
		EnvArgs:      splitList(*envArgs),
		APIAddr:      *apiAddr,
		HTTPSAddr:    *httpsAddr,
		TLS:          *httpsAddr != "",
		APIKey:       *apiKey,
		AuthUser:     *authUser,
		AuthPass:     *authPass,
		PoolCapacity: *poolCap,
		FrameSize:    *frameSize,
		RingDepth:    *ringDepth,
		Burst:        *burst,
		SimPorts:     splitList(*simPorts),
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dprtd: %v\n", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
