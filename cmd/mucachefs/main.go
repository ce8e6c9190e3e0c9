// Command mucachefs mounts a read-only FUSE view of a source tree that
// transparently promotes sustained-read files onto local cache
// storage, prefetches their lexicographic siblings, and evicts under a
// byte budget. See SPEC_FULL.md for the full design.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gonlo2/mucachefs/internal/changefeed"
	"github.com/gonlo2/mucachefs/internal/circuit"
	"github.com/gonlo2/mucachefs/internal/config"
	"github.com/gonlo2/mucachefs/internal/eviction"
	fusefs "github.com/gonlo2/mucachefs/internal/fuse"
	"github.com/gonlo2/mucachefs/internal/indexer"
	"github.com/gonlo2/mucachefs/internal/mediaprobe"
	"github.com/gonlo2/mucachefs/internal/metrics"
	"github.com/gonlo2/mucachefs/internal/powerlease"
	"github.com/gonlo2/mucachefs/internal/store"
	"github.com/gonlo2/mucachefs/internal/vfs"
	"github.com/gonlo2/mucachefs/pkg/retry"
	"github.com/gonlo2/mucachefs/pkg/types"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cfg := config.NewDefault()

	cmd := &cobra.Command{
		Use:   "mucachefs src_path fuse_path cache_path",
		Short: "Mount a caching read-only view of a source tree over FUSE",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := cfg.LoadFromFile(configPath); err != nil {
					return err
				}
			}
			if err := cfg.LoadFromEnv(); err != nil {
				return err
			}

			cfg.Source.SrcPath = args[0]
			cfg.Source.FusePath = args[1]
			cfg.Cache.CachePath = args[2]

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&cfg.PowerManager.Endpoint, "pm-address", "http://127.0.0.1:9353", "power manager address")
	flags.StringVar(&cfg.PowerManager.TokenID, "pm-token-id", "mucache", "the power manager token id")
	flags.StringVar(&cfg.ChangeFeed.ListenAddr, "reinotify", "127.0.0.1:4444", "change-feed listening host and port")
	flags.StringVar(&cfg.ChangeFeed.ForwardAddr, "reinotify-forward", "", "change-feed forward host and port")
	flags.StringVar(&cfg.Store.DBPath, "db-path", "db.sqlite", "path of the sqlite database")
	flags.Float64Var(&cfg.Cache.CacheLimitGiB, "cache-limit", 180, "cache size limit in gibibytes")
	flags.Int64Var(&cfg.Prefetch.PrefetchSec, "prefetch-min-sec", 180*60, "maximum duration in seconds to prefetch")
	flags.Float64Var(&cfg.Prefetch.PrefetchGiB, "prefetch-gib", 10, "maximum number of gibibytes to prefetch")
	flags.BoolVar(&cfg.Store.Rebuild, "rebuild", false, "purge the database and reindex the source tree")
	flags.StringVar(&cfg.Global.LogLevel, "log-level", "INFO", "logger level: DEBUG, INFO, WARN, ERROR")

	return cmd
}

func run(ctx context.Context, cfg *config.Configuration) error {
	logger := newLogger(cfg.Global.LogLevel)

	logger.Debug("opening store", "path", cfg.Store.DBPath)
	metadataStore, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer metadataStore.Close()

	logger.Debug("starting power manager client")
	lease := powerlease.New(powerlease.Config{
		Endpoint: cfg.PowerManager.Endpoint,
		TokenID:  cfg.PowerManager.TokenID,
		Timeout:  cfg.PowerManager.Timeout,
		Retry:    retryConfigFrom(cfg.Network.Retry),
		Breaker:  circuitConfigFrom(cfg.Network.CircuitBreaker),
	}, logger)

	var forwarder types.ChangeFeedForwarder
	if cfg.ChangeFeed.ForwardAddr != "" {
		logger.Debug("starting change-feed forward proxy", "addr", cfg.ChangeFeed.ForwardAddr)
		var breakers *circuit.Manager
		if bc := circuitConfigFrom(cfg.Network.CircuitBreaker); bc != nil {
			breakers = circuit.NewManager(*bc)
		}
		forwarder = changefeed.NewForwarder(cfg.ChangeFeed.ForwardAddr, retryConfigFrom(cfg.Network.Retry), breakers, logger)
	}

	prober := mediaprobe.New("")
	idx := indexer.New(cfg.Source.SrcPath, metadataStore, prober, lease, logger)

	if cfg.Store.Rebuild {
		logger.Info("rebuilding index", "src_path", cfg.Source.SrcPath)
		if err := idx.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
	} else {
		logger.Debug("recovering orphaned CACHING rows")
		if err := metadataStore.SetStates(types.StateCaching, types.StateNoCached); err != nil {
			return fmt.Errorf("recover caching state: %w", err)
		}
	}

	logger.Debug("starting change-feed server", "addr", cfg.ChangeFeed.ListenAddr)
	feedServer := changefeed.New(cfg.ChangeFeed.ListenAddr, func(ctx context.Context, event types.ChangeEvent) {
		if err := idx.HandleEvent(ctx, event); err != nil {
			logger.Warn("handle change event failed", "path", event.Path, "error", err)
		}
	}, forwarder, logger)
	if err := feedServer.Start(ctx); err != nil {
		return fmt.Errorf("start change-feed server: %w", err)
	}
	defer feedServer.Stop()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Monitoring.Metrics.Enabled,
		Port:           cfg.Global.MetricsPort,
		Path:           "/metrics",
		Namespace:      cfg.Monitoring.Metrics.Namespace,
		Labels:         cfg.Monitoring.Metrics.CustomLabels,
		UpdateInterval: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("start metrics collector: %w", err)
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer collector.Stop(ctx)

	logger.Debug("starting eviction worker")
	evictor := eviction.New(cfg.Cache.CachePath, metadataStore, cfg.CacheLimitBytes(), cfg.Cache.RetentionFactor, logger, collector)
	evictor.Start()
	defer evictor.Stop()

	logger.Debug("starting filesystem façade")
	facade := vfs.New(metadataStore, lease, evictor, vfs.Config{
		SrcPath:       cfg.Source.SrcPath,
		CachePath:     cfg.Cache.CachePath,
		PrefetchSec:   cfg.Prefetch.PrefetchSec,
		PrefetchBytes: cfg.PrefetchBudgetBytes(),
	}, logger, collector)
	facade.Start()
	defer facade.Stop()

	mountMgr := fusefs.NewMountManager(fusefs.NewFileSystem(facade), &fusefs.MountConfig{
		MountPoint: cfg.Source.FusePath,
		Options: &fusefs.MountOptions{
			AllowOther: true,
			FSName:     "mucachefs",
			Subtype:    "mucachefs",
		},
	})

	logger.Info("mounting FUSE filesystem", "mount_point", cfg.Source.FusePath)
	if err := mountMgr.Mount(ctx); err != nil {
		return fmt.Errorf("mount filesystem: %w", err)
	}

	waitForShutdownSignal()
	logger.Info("shutting down")
	return mountMgr.Unmount()
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR", "CRITICAL":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func retryConfigFrom(c config.RetryConfig) retry.Config {
	cfg := retry.DefaultConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay > 0 {
		cfg.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		cfg.MaxDelay = c.MaxDelay
	}
	return cfg
}

func circuitConfigFrom(c config.CircuitBreakerConfig) *circuit.Config {
	if !c.Enabled {
		return nil
	}
	return &circuit.Config{
		Timeout: c.Timeout,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return int(counts.ConsecutiveFailures) >= c.FailureThreshold
		},
	}
}
