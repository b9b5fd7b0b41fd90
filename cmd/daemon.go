package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/countermgr/internal/config"
	"github.com/zjrosen/countermgr/internal/infrastructure/sqlite"
	"github.com/zjrosen/countermgr/internal/log"
	"github.com/zjrosen/countermgr/internal/orchestration/api"
	"github.com/zjrosen/countermgr/internal/orchestration/coordinator"
	"github.com/zjrosen/countermgr/internal/orchestration/metrics"
	"github.com/zjrosen/countermgr/internal/orchestration/tracing"
	"github.com/zjrosen/countermgr/internal/registry"
	"github.com/zjrosen/countermgr/internal/runtime"
	"github.com/zjrosen/countermgr/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

var daemonLogStderr bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordinator and its HTTP API",
	Long: `Start the coordinator, the execution environment hosting the counter
children, and the HTTP API.

The daemon runs until interrupted (Ctrl+C or SIGTERM). Outstanding requests
that were not confirmed before shutdown stay unconfirmed.

Endpoints:
  POST /children                      create a child
  POST /children/{address}/increment  increment a child
  POST /children/{address}/reset      reset a child ({"count": n})
  GET  /children                      list the registry
  GET  /children/{address}/count      read a child directly
  GET  /events                        event stream (SSE)
  GET  /health                        health check
  GET  /metrics                       Prometheus metrics`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonLogStderr, "log-stderr", false, "write log lines to stderr")
	rootCmd.AddCommand(daemonCmd)
}

// storage is the registry and environment store a daemon runs on.
type storage struct {
	registry registry.Registry
	store    runtime.Store
	info     registry.ContractInfoStore
	close    func() error
}

// openStorage opens the configured storage driver.
func openStorage(cfg config.StorageConfig) (*storage, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &storage{
			registry: registry.NewMemoryRegistry(),
			store:    runtime.NewMemoryStore(),
			info:     &registry.MemoryContractInfo{},
			close:    func() error { return nil },
		}, nil
	case config.DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			path = config.DefaultDBPath()
		}
		db, err := sqlite.NewDB(config.ExpandPath(path))
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		return &storage{
			registry: db.Registry(),
			store:    db.RuntimeStore(),
			info:     db.ContractInfo(),
			close:    db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// coordinatorOptions maps config onto coordinator options. Zero values keep
// the coordinator defaults.
func coordinatorOptions(cfg config.Config, m *metrics.Metrics, info registry.ContractInfoStore) []coordinator.Option {
	opts := []coordinator.Option{
		coordinator.WithMetrics(m),
		coordinator.WithContractInfo(info, contractVersion),
	}
	if cfg.Coordinator.QueueCapacity > 0 {
		opts = append(opts, coordinator.WithQueueCapacity(cfg.Coordinator.QueueCapacity))
	}
	if cfg.Coordinator.SlowHandlerThreshold > 0 {
		opts = append(opts, coordinator.WithSlowHandlerThreshold(cfg.Coordinator.SlowHandlerThreshold))
	}
	if cfg.Cache.CountTTL > 0 {
		opts = append(opts, coordinator.WithCountCacheTTL(cfg.Cache.CountTTL))
	}
	return opts
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	if daemonLogStderr {
		log.InitWriter(os.Stderr, log.ParseLevel(cfg.LogLevel))
	}
	if cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.ErrorErr(log.CatDB, "Closing storage failed", err)
		}
	}()

	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("creating tracing provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatCoord, "Tracing shutdown failed", err)
		}
	}()

	m := metrics.New()
	host := runtime.NewHost(st.store, runtime.WithAddressPrefix(cfg.Runtime.AddressPrefix))

	opts := coordinatorOptions(cfg, m, st.info)
	if provider.Enabled() {
		opts = append(opts, coordinator.WithTracer(provider.Tracer()))
	}
	coord := coordinator.New(st.registry, host, opts...)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	defer func() { _ = coord.Close() }()

	srv, err := api.NewServer(api.ServerConfig{
		Addr:        cfg.API.Addr,
		Service:     coord,
		Metrics:     m.Handler(),
		ReadTimeout: cfg.API.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if path := viper.ConfigFileUsed(); path != "" {
		stopWatch, err := watchConfig(path)
		if err != nil {
			log.Warn(log.CatConfig, "Config reload disabled", "path", path, "error", err.Error())
		} else {
			defer stopWatch()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Fprintf(cmd.OutOrStdout(), "countermgr daemon listening on http://%s (storage: %s)\n", srv.Addr(), driverName(cfg.Storage))
	log.Info(log.CatAPI, "Daemon started", "addr", srv.Addr(), "storage", driverName(cfg.Storage))

	select {
	case <-ctx.Done():
		log.Info(log.CatAPI, "Shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("API server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "API shutdown failed", err)
	}
	return coord.Close()
}

func driverName(cfg config.StorageConfig) string {
	if cfg.Driver == "" {
		return config.DriverSQLite
	}
	return cfg.Driver
}

// watchConfig re-reads the config file when it changes and applies the new
// log level. Other settings take effect on the next start.
func watchConfig(path string) (func(), error) {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	onChange, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-onChange:
				reloadLogLevel()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = w.Stop()
	}, nil
}

func reloadLogLevel() {
	if err := viper.ReadInConfig(); err != nil {
		log.ErrorErr(log.CatConfig, "Reloading config failed", err)
		return
	}
	level := viper.GetString("log_level")
	log.SetMinLevel(log.ParseLevel(level))
	log.Info(log.CatConfig, "Config reloaded", "log_level", level)
}
