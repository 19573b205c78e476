// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mainlib is the entrypoint logic for the transformation filter driver (FD),
// factored out of main() so it can be exercised and reused without exec'ing a binary.
package mainlib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/envoyproxy/transformation-filters/internal/extproc"
	"github.com/envoyproxy/transformation-filters/internal/filterapi"
	"github.com/envoyproxy/transformation-filters/internal/filtermetrics"
)

// extProcFlags is the top-level kong command for the filter driver binary.
type extProcFlags struct {
	ConfigPath  string `help:"Path to the configuration file. The file must be JSON-encoded filterapi.Config. Watched for changes." required:""`
	ExtProcAddr string `help:"gRPC address for the external processor. For example, :1063 or unix:///tmp/ext_proc.sock." default:":1063"`
	LogLevel    string `help:"One of 'debug', 'info', 'warn', or 'error'." default:"info" enum:"debug,info,warn,error"`
	MetricsAddr string `help:"Address for the Prometheus metrics endpoint." default:":9190"`
}

func (f extProcFlags) slogLevel() slog.Level {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(f.LogLevel))
	return lvl
}

// parseAndValidateFlags parses args with kong, exiting the process on --help or a
// parse error per kong's usual CLI convention.
func parseAndValidateFlags(args []string, stdout, stderr io.Writer) (extProcFlags, error) {
	var flags extProcFlags
	parser, err := kong.New(&flags,
		kong.Name("transformation-filters-extproc"),
		kong.Description("Envoy ext_proc server for the transformation and AWS-signing filters."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		return extProcFlags{}, fmt.Errorf("failed to create flag parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return extProcFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}
	return flags, nil
}

// Main parses args, wires up the config watcher, metrics and gRPC server, and blocks
// serving ext_proc requests until ctx is cancelled.
func Main(ctx context.Context, args []string, stderr io.Writer) error {
	flags, err := parseAndValidateFlags(args, io.Discard, stderr)
	if err != nil {
		return fmt.Errorf("failed to parse and validate flags: %w", err)
	}

	l := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: flags.slogLevel()}))
	l.Info("starting transformation filter driver",
		slog.String("address", flags.ExtProcAddr),
		slog.String("configPath", flags.ConfigPath),
		slog.String("metricsAddr", flags.MetricsAddr),
	)

	lis, err := net.Listen(listenAddress(flags.ExtProcAddr))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()

	metrics, err := filtermetrics.New(meterProvider.Meter("transformation-filters"))
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	server := extproc.NewServer(l, metrics)
	watcher, err := filterapi.StartConfigWatcher(ctx, flags.ConfigPath, server, l)
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	handlers := http.NewServeMux()
	handlers.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	metricsServer := &http.Server{
		Handler:           handlers,
		Addr:              flags.MetricsAddr,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
	go func() {
		l.Info("starting metrics server", slog.String("address", flags.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("start metrics server failed: %v", err)
		}
	}()

	s := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(s, server)
	grpc_health_v1.RegisterHealthServer(s, server)
	go func() {
		<-ctx.Done()
		s.GracefulStop()
		_ = metricsServer.Shutdown(context.Background())
	}()
	return s.Serve(lis)
}

// listenAddress returns the network and address for the given address flag.
func listenAddress(addrFlag string) (string, string) {
	if strings.HasPrefix(addrFlag, "unix://") {
		return "unix", strings.TrimPrefix(addrFlag, "unix://")
	}
	return "tcp", addrFlag
}
