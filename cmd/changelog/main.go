package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/changelog/internal/changelog"
	"github.com/devrev/pairdb/changelog/internal/config"
	"github.com/devrev/pairdb/changelog/internal/filter"
	"github.com/devrev/pairdb/changelog/internal/logfile"
	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/server"
	"github.com/devrev/pairdb/changelog/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "changelog",
		Short:         "Replication changelog server",
		Long:          "Stores per-replica ordered change logs and the change number index of a directory server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to a YAML config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newDumpCmd(&configPath),
		newStatsCmd(&configPath),
		newPurgeCmd(&configPath),
		newConfigCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// loadRuntime loads configuration and builds the logger every command needs.
func loadRuntime(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func environmentOptions(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, guard logfile.WriteGuard) changelog.Options {
	return changelog.Options{
		RootDir: cfg.Storage.DataDir,
		Log: logfile.Options{
			MaxSegmentSize: cfg.Storage.SegmentSize,
			CounterWindow:  cfg.Storage.CounterWindow,
			SyncWrites:     cfg.Storage.SyncWrites,
			Guard:          guard,
		},
		Logger:    logger,
		Metrics:   m,
		SyncState: cfg.Storage.SyncState,
	}
}

// openOffline opens the environment for a one-shot command.
func openOffline(configPath string) (*config.Config, *zap.Logger, *changelog.Environment, error) {
	cfg, logger, err := loadRuntime(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := changelog.NewEnvironment(environmentOptions(cfg, logger, nil, nil))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open changelog at %s: %w", cfg.Storage.DataDir, err)
	}
	return cfg, logger, env, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the changelog server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("Configuration loaded",
				zap.String("node_id", cfg.Server.NodeID),
				zap.String("data_dir", cfg.Storage.DataDir),
				zap.Int("port", cfg.Server.Port))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	var (
		disk  *diskmanager.DiskManager
		guard logfile.WriteGuard
	)
	if cfg.Disk.Enabled {
		dm, err := diskmanager.NewDiskManager(diskmanager.Config{
			DataDir:                 cfg.Storage.DataDir,
			CheckInterval:           cfg.Disk.CheckInterval,
			WarningThreshold:        cfg.Disk.WarningThreshold,
			ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
			CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize disk manager: %w", err)
		}
		disk, guard = dm, dm
	}

	env, err := changelog.NewEnvironment(environmentOptions(cfg, logger, m, guard))
	if err != nil {
		return fmt.Errorf("failed to open changelog: %w", err)
	}
	defer func() {
		if err := env.Shutdown(); err != nil {
			logger.Error("Failed to shut down changelog", zap.Error(err))
		}
	}()
	logger.Info("Changelog opened",
		zap.String("changelog_id", env.ChangelogID()),
		zap.Int("replicas", len(env.ReplicaDBs())))

	admin := server.NewAdminServer(cfg.Server, cfg.Metrics, env, disk, reg, logger)
	if err := admin.Start(); err != nil {
		return err
	}
	defer func() {
		if err := admin.Stop(); err != nil {
			logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Indexer.Enabled {
		indexer := changelog.NewChangeNumberIndexer(env, cfg.Indexer.PollInterval)
		g.Go(func() error { return indexer.Run(gctx) })
	}
	if cfg.Purge.Enabled {
		purger := changelog.NewPurger(env, changelog.PurgerConfig{
			Delay:         cfg.Purge.Delay,
			Interval:      cfg.Purge.Interval,
			Workers:       cfg.Purge.Workers,
			RatePerSecond: cfg.Purge.RatePerSecond,
		})
		defer func() {
			if err := purger.Stop(); err != nil {
				logger.Warn("Purger did not stop cleanly", zap.Error(err))
			}
		}()
		g.Go(func() error { return purger.Run(gctx) })
	}
	if disk != nil {
		g.Go(func() error {
			reportDiskUsage(gctx, disk, m, cfg.Disk.CheckInterval)
			return nil
		})
	}

	logger.Info("Changelog server started", zap.String("node_id", cfg.Server.NodeID))
	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	return g.Wait()
}

func reportDiskUsage(ctx context.Context, disk *diskmanager.DiskManager, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		usage := disk.GetDiskUsage()
		m.DiskAvailableBytes.Set(float64(usage.AvailableBytes))
		m.DiskUsagePercent.Set(usage.UsagePercent)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newDumpCmd(configPath *string) *cobra.Command {
	var (
		baseDN    string
		serverID  int32
		from      string
		inclusive bool
		expr      string
		limit     int
		consumer  string
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the changes of one replica changelog as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.Compile(expr)
			if err != nil {
				return err
			}
			var start model.CSN
			if from != "" {
				if start, err = model.ParseCSN(from); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			strategy := changelog.AfterMatchingKey
			if inclusive {
				strategy = changelog.OnMatchingKey
			}

			_, logger, env, err := openOffline(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer env.Shutdown()

			db := env.ReplicaDB(baseDN, serverID)
			if db == nil {
				return fmt.Errorf("no changelog for %s/%d", baseDN, serverID)
			}
			if consumer != "" && from == "" {
				pos, ok, err := env.State().Position(consumer, baseDN, serverID)
				if err != nil {
					return err
				}
				if ok {
					start, strategy = pos, changelog.AfterMatchingKey
				}
			}
			cursor, err := db.GenerateCursorFrom(start, strategy)
			if err != nil {
				return err
			}
			defer cursor.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			printed := 0
			var last model.CSN
			msg := cursor.Record()
			for limit <= 0 || printed < limit {
				if msg == nil {
					more, err := cursor.Next()
					if err != nil {
						return err
					}
					if !more {
						break
					}
					msg = cursor.Record()
				}
				last = msg.CSN
				if f.Match(msg) {
					if err := enc.Encode(server.ChangeView{
						CSN:       msg.CSN.String(),
						Operation: msg.Operation.String(),
						BaseDN:    msg.BaseDN,
						DN:        msg.DN,
						EntryUUID: msg.EntryUUID,
						Payload:   msg.Payload,
					}); err != nil {
						return err
					}
					printed++
				}
				msg = nil
			}
			if consumer != "" && !last.IsZero() {
				if _, err := env.State().CommitPosition(consumer, baseDN, serverID, last); err != nil {
					return fmt.Errorf("failed to commit position of %s: %w", consumer, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseDN, "base-dn", "", "Replicated domain base DN")
	cmd.Flags().Int32Var(&serverID, "server-id", 0, "Replica server id")
	cmd.Flags().StringVar(&from, "from", "", "Start CSN, exclusive unless --inclusive")
	cmd.Flags().BoolVar(&inclusive, "inclusive", false, "Include the change at --from")
	cmd.Flags().StringVar(&expr, "filter", "", "CEL filter expression, e.g. op == \"delete\"")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of changes to print, 0 for all")
	cmd.Flags().StringVar(&consumer, "consumer", "", "Resume from and commit the position of this named consumer")
	_ = cmd.MarkFlagRequired("base-dn")
	_ = cmd.MarkFlagRequired("server-id")
	return cmd
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print replica changelog and change number index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, env, err := openOffline(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer env.Shutdown()

			replicas := make([]changelog.ReplicaStats, 0)
			for _, db := range env.ReplicaDBs() {
				replicas = append(replicas, db.Stats())
			}
			idx := env.ChangeNumberIndexDB().Stats()
			out := map[string]any{
				"changelog_id": env.ChangelogID(),
				"replicas":     replicas,
				"cnindex": map[string]any{
					"records":  idx.Records,
					"segments": idx.Segments,
					"bytes":    idx.Bytes,
				},
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newPurgeCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge changes older than a retention delay once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, env, err := openOffline(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer env.Shutdown()

			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.Purge.Delay
			}
			purger := changelog.NewPurger(env, changelog.PurgerConfig{
				Delay:         olderThan,
				Workers:       cfg.Purge.Workers,
				RatePerSecond: cfg.Purge.RatePerSecond,
			})
			defer purger.Stop()

			result, err := purger.PurgeBefore(cmd.Context(), purger.Horizon(time.Now()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d changes from %d replicas up to %s\n",
				result.RecordsRemoved, result.Replicas, result.Horizon)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention delay, defaults to purge.delay")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return configCmd
}
