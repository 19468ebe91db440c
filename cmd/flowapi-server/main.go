// Package main is the entry point for the flowapi-server binary.
// It loads the YAML endpoint configuration, compiles every declared pipeline
// and serves them until SIGTERM/SIGINT.
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
	"time"

	"github.com/spf13/cobra"

	"github.com/freeflowlabs/flowapi/pkg/config"
	"github.com/freeflowlabs/flowapi/pkg/logging"
	"github.com/freeflowlabs/flowapi/pkg/server"
	"github.com/freeflowlabs/flowapi/pkg/telemetry"
)

const (
	defaultConfigPath = "flowapi-server.yaml"
	defaultLogLevel   = "info"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowapi-server",
		Short: "Pipeline-driven REST dispatch server",
		Long: `Serves REST endpoints declared in a YAML configuration file.
Each endpoint maps to a directed acyclic pipeline of typed nodes that is
compiled and validated at startup and executed once per request.

Example:
  flowapi-server --config flowapi-server.yaml --watch`,
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.Flags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.Flags().String("listen", "", "Listen address override (host:port)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("pretty", false, "Enable pretty console logging")
	rootCmd.Flags().BoolP("watch", "w", false, "Reload when the configuration file changes")

	return rootCmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listenAddr, _ := cmd.Flags().GetString("listen")
	logLevel, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")
	watch, _ := cmd.Flags().GetBool("watch")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, listenAddr, logLevel, pretty)

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("starting flowapi-server", "config", configPath, "addr", cfg.ListenAddr())

	shutdownTelemetry, err := telemetry.SetupProvider(context.Background(), telemetry.Config{
		ServiceName: "flowapi-server",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	if watch {
		watcher, err := config.NewWatcher(configPath, func() {
			reloaded, err := config.Load(configPath)
			if err != nil {
				logger.Error("config reload failed, keeping current routes", "error", err)
				return
			}
			applyFlagOverrides(reloaded, listenAddr, logLevel, pretty)
			if err := srv.Reload(reloaded); err != nil {
				logger.Error("config reload failed, keeping current routes", "error", err)
			}
		}, logger)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Error("failed to close config watcher", "error", err)
			}
		}()
		logger.Info("watching configuration file", "path", configPath)
	}

	serveErrs, err := srv.Start()
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err, ok := <-serveErrs:
		if ok && err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// applyFlagOverrides layers CLI flags on top of the file configuration.
// Flags win over both the file and environment overrides.
func applyFlagOverrides(cfg *config.Config, listenAddr, logLevel string, pretty bool) {
	if listenAddr != "" {
		host, port, ok := splitAddr(listenAddr)
		if ok {
			cfg.Address = host
			cfg.Port = port
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if pretty {
		cfg.Log.Pretty = true
	}
}

func splitAddr(addr string) (string, int, bool) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}
