// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// loomd is the workflow orchestration daemon: it loads workflow
// definitions, serves webhook and API traffic, and drives runs to
// completion.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/pkg/engine"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		dbPath      string
		workers     int
		listen      string
		defsDir     string
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:   "loomd",
		Short: "Loom workflow orchestration daemon",
		Long: `loomd runs durable workflows: it registers definitions from a
directory or the API, starts runs from webhooks, cron schedules, manual
triggers and events, and persists every step so runs survive restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("loomd %s (commit: %s, built: %s)\n", version, commit, buildDate)
				return nil
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if workers > 0 {
				cfg.WorkerCount = workers
			}
			if listen != "" {
				host, port, err := splitListenAddr(listen)
				if err != nil {
					return err
				}
				cfg.Server.Host = host
				cfg.Server.Port = port
			}
			if defsDir != "" {
				cfg.DefinitionsDir = defsDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (overrides config)")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address, host:port (overrides config)")
	cmd.Flags().StringVar(&defsDir, "definitions", "", "Directory of workflow definition files (overrides config)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")

	return cmd
}

func run(cfg *config.Config) error {
	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	var tracer trace.Tracer
	if cfg.TracingEnabled {
		tp, err := newTracerProvider()
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", log.Error(err))
			}
		}()
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer("loomd")
	}

	eng, err := engine.New(engine.Options{
		Config: cfg,
		Logger: logger,
		Tracer: tracer,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("loomd started", "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return eng.Stop(context.Background())
}

// newTracerProvider builds a stdout-exporting tracer provider. Batching
// keeps span export off the invocation path.
func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

// splitListenAddr parses host:port for the --listen flag.
func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q, want host:port", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in listen address %q", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
