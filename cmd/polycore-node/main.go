// Command polycore-node wires the registry facade into a runnable process
// (A4): flag-based configuration, an inbound session acceptor, an outbound
// registry.Runtime for peer invocation, and a Prometheus /metrics surface.
// Grounded directly on cmd/rubin-node/main.go's shape: a flat flag set, no
// config-file loader, print-effective-config-then-serve-until-signalled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polycore/runtime/coordinator"
	"github.com/polycore/runtime/internal/telemetry"
	"github.com/polycore/runtime/registry"
	"github.com/polycore/runtime/resolver"
)

// peerFlag collects repeatable -peer flags of the form
// "label.sequence@host:port", each both registering a resolver endpoint
// and telling the outbound dialer which host answers for those labels.
type peerFlag []string

func (p *peerFlag) String() string {
	if p == nil {
		return ""
	}
	return strings.Join(*p, ",")
}

func (p *peerFlag) Set(value string) error {
	*p = append(*p, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type config struct {
	Bind                string
	MetricsAddr         string
	Credential          string
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	MaxFrameBytes       int
	ShutdownTimeout     time.Duration
}

func defaultConfig() config {
	return config{
		Bind:                ":7946",
		MetricsAddr:         ":9090",
		HeartbeatInterval:   5 * time.Second,
		MaxMissedHeartbeats: 3,
		MaxFrameBytes:       1 << 20,
		ShutdownTimeout:     5 * time.Second,
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := defaultConfig()
	var peers peerFlag

	fs := flag.NewFlagSet("polycore-node", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "address this node listens on for inbound sessions")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address the Prometheus /metrics endpoint listens on")
	fs.StringVar(&cfg.Credential, "credential", "", "shared credential peers must present in AUTH")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "heartbeat cadence per session")
	fs.IntVar(&cfg.MaxMissedHeartbeats, "max-missed-heartbeats", cfg.MaxMissedHeartbeats, "consecutive missed heartbeats before a session fails")
	fs.IntVar(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "maximum buffered frame size")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "deadline for draining live sessions on shutdown")
	fs.Var(&peers, "peer", "known peer as label.sequence@host:port (repeatable)")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	peerEndpoints, peerHosts, err := parsePeers(peers)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid -peer: %v\n", err)
		return 2
	}

	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	tree := resolver.New(resolver.WithMetrics(metrics))
	for labels, ep := range peerEndpoints {
		if err := tree.Register(splitKey(labels), ep); err != nil {
			_, _ = fmt.Fprintf(stderr, "peer registration failed: %v\n", err)
			return 2
		}
	}

	sessionCfg := coordinator.Config{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		MaxFrameBytes:       cfg.MaxFrameBytes,
		Metrics:             metrics,
	}
	credential := []byte(cfg.Credential)
	validator := func(presented []byte) error {
		if string(presented) != cfg.Credential {
			return fmt.Errorf("credential mismatch")
		}
		return nil
	}
	commands := echoHandler

	dialer := func(ctx context.Context, labels []string, _ resolver.Endpoint) (net.Conn, error) {
		host, ok := peerHosts[strings.Join(labels, ".")]
		if !ok {
			return nil, fmt.Errorf("no known host for %v", labels)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", host)
	}

	rt := registry.NewRuntime(tree, dialer, sessionCfg, credential, commands)
	inbound := coordinator.NewRegistry()

	ln, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 2
	}
	defer func() { _ = ln.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go acceptLoop(ctx, ln, sessionCfg, validator, commands, inbound, stdout)
	go reportSessionCounts(ctx, inbound, metrics)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_, _ = fmt.Fprintf(stderr, "metrics server failed: %v\n", err)
		}
	}()

	_, _ = fmt.Fprintf(stdout, "polycore-node listening bind=%s metrics=%s\n", cfg.Bind, cfg.MetricsAddr)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	inbound.Shutdown(shutdownCtx, cfg.ShutdownTimeout)
	rt.Shutdown(shutdownCtx, cfg.ShutdownTimeout)

	_, _ = fmt.Fprintln(stdout, "polycore-node stopped")
	return 0
}

// acceptLoop accepts inbound connections and runs each as a Session until
// ctx is cancelled, mirroring node/p2p_runtime.go's accept loop generalized
// from peer connections to protocol sessions.
func acceptLoop(ctx context.Context, ln net.Listener, cfg coordinator.Config, validator coordinator.CredentialValidator, handler coordinator.FrameHandler, reg *coordinator.Registry, stdout io.Writer) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, _ = fmt.Fprintf(stdout, "accept failed: %v\n", err)
			continue
		}
		s := coordinator.NewSession(conn, cfg, validator, handler)
		reg.Add(s)
		go func() {
			defer reg.Remove(s.ID)
			_ = s.Run(ctx)
		}()
	}
}

// reportSessionCounts periodically refreshes the per-state session gauges
// from the inbound registry's live snapshot.
func reportSessionCounts(ctx context.Context, reg *coordinator.Registry, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := make(map[string]int)
			for _, s := range reg.Snapshot() {
				counts[s.State.String()]++
			}
			metrics.SetSessionStateCounts(counts)
		}
	}
}

// echoHandler is the default FrameHandler: it returns the COMMAND payload
// unchanged, giving Invoke a trivially verifiable round trip with no
// application-specific command semantics wired in yet.
func echoHandler(_ context.Context, _ *coordinator.Session, payload []byte) ([]byte, error) {
	return payload, nil
}

func parsePeers(peers peerFlag) (map[string]resolver.Endpoint, map[string]string, error) {
	endpoints := make(map[string]resolver.Endpoint)
	hosts := make(map[string]string)
	for _, raw := range peers {
		labelPart, host, ok := strings.Cut(raw, "@")
		if !ok || labelPart == "" || host == "" {
			return nil, nil, fmt.Errorf("%q: expected label.sequence@host:port", raw)
		}
		_, portStr, err := net.SplitHostPort(host)
		if err != nil {
			return nil, nil, fmt.Errorf("%q: %w", raw, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("%q: invalid port %q", raw, portStr)
		}
		endpoints[labelPart] = resolver.Endpoint{Protocol: "tcp", Port: uint16(port), Path: "/"}
		hosts[labelPart] = host
	}
	return endpoints, hosts, nil
}

func splitKey(key string) []string {
	return strings.Split(key, ".")
}

func printConfig(w io.Writer, cfg config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
