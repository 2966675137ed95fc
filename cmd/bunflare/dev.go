package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/bunflare/pkg/container"
	"github.com/cuemby/bunflare/pkg/dispatch"
	"github.com/cuemby/bunflare/pkg/events"
	"github.com/cuemby/bunflare/pkg/generation"
	"github.com/cuemby/bunflare/pkg/log"
	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
	"github.com/cuemby/bunflare/pkg/tracing"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run a worker locally against the emulated platform bindings",
	Long: `dev loads the worker named by --config's "main" field, builds its
binding graph, and serves HTTP traffic against it. Source changes under
the config's directory trigger a hot reload unless --watch=false.`,
	RunE: runDev,
}

func init() {
	devCmd.Flags().String("config", "bunflare.jsonc", "Path to the worker configuration file")
	devCmd.Flags().String("env", "", "Named environment block to overlay from the configuration")
	devCmd.Flags().String("addr", ":8787", "Address the fetch server listens on")
	devCmd.Flags().String("metrics-addr", ":9464", "Address the Prometheus metrics endpoint listens on")
	devCmd.Flags().String("data-dir", ".bunflare", "Directory for the local storage substrate")
	devCmd.Flags().Bool("watch", true, "Reload the worker on source file changes")
}

func runDev(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envName, _ := cmd.Flags().GetString("env")
	addr, _ := cmd.Flags().GetString("addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	watch, _ := cmd.Flags().GetBool("watch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer container.ForceRemoveAll(context.Background())

	metrics.SetVersion(Version)

	store, err := storage.Open(dataDir)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("dev: open storage: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, dataDir)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	tracing.LogSubscriber(ctx, broker)
	tracer := tracing.NewEventTracer(broker)

	manager := generation.New(configPath, envName, dispatch.BuildGeneration(newPluginLoader(), tracer, store))
	if err := manager.Reload(ctx); err != nil {
		metrics.RegisterComponent("generation", false, err.Error())
		return fmt.Errorf("dev: initial build failed: %w", err)
	}
	metrics.RegisterComponent("generation", true, configPath)

	if watch {
		if err := manager.WatchSource(filepath.Dir(configPath), []string{dataDir}); err != nil {
			return fmt.Errorf("dev: start source watcher: %w", err)
		}
		defer manager.StopWatching()
	}

	logger := log.WithComponent("cli")

	ops := http.NewServeMux()
	ops.Handle("/metrics", metrics.Handler())
	ops.HandleFunc("/healthz", metrics.HealthHandler())
	ops.HandleFunc("/livez", metrics.LivenessHandler())

	go func() {
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(metricsAddr, ops); err != nil {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	server := dispatch.NewServer(manager)
	logger.Info().Str("addr", addr).Str("config", configPath).Msg("bunflare dev server listening")
	return server.Start(ctx, addr)
}
