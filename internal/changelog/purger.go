package changelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PurgerConfig holds retention settings
type PurgerConfig struct {
	// Delay is how long changes are retained.
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`
	// Interval is the time between two purge runs.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Workers is the number of replicas purged concurrently.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// RatePerSecond caps replica purges started per second, zero for no cap.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// DefaultPurgerConfig returns default retention settings
func DefaultPurgerConfig() PurgerConfig {
	return PurgerConfig{
		Delay:    72 * time.Hour,
		Interval: 10 * time.Minute,
		Workers:  2,
	}
}

// PurgeResult summarizes one purge run.
type PurgeResult struct {
	Horizon         model.CSN
	Replicas        int
	RecordsRemoved  int64
	OldestIndexedCN model.ChangeNumber
}

// Purger periodically removes changes older than the retention delay from
// every replica changelog and trims the change number index to match.
type Purger struct {
	env     *Environment
	cfg     PurgerConfig
	pool    *workerpool.WorkerPool
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewPurger creates a purger over env. Stop releases its workers.
func NewPurger(env *Environment, cfg PurgerConfig) *Purger {
	defaults := DefaultPurgerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	logger := env.logger.With(zap.String("component", "purger"))
	return &Purger{
		env: env,
		cfg: cfg,
		pool: workerpool.NewWorkerPool(workerpool.Config{
			Name:       "purger",
			MaxWorkers: cfg.Workers,
			Logger:     logger,
		}),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: env.metrics,
	}
}

// Horizon returns the purge CSN for a run at now: every change stamped
// before now minus the retention delay may go.
func (p *Purger) Horizon(now time.Time) model.CSN {
	return model.NewCSN(now.Add(-p.cfg.Delay).UnixMilli(), 0, 0)
}

// PurgeBefore purges every replica changelog up to horizon, then trims the
// change number index so that it still references every retained change.
func (p *Purger) PurgeBefore(ctx context.Context, horizon model.CSN) (PurgeResult, error) {
	start := time.Now()
	result := PurgeResult{Horizon: horizon}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	replicas := p.env.ReplicaDBs()
	for _, db := range replicas {
		db := db
		if err := p.limiter.Wait(ctx); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		err := p.pool.SubmitWithContext(ctx, workerpool.Task{
			ID: db.String(),
			Fn: func(context.Context) error {
				removed, err := db.PurgeUpTo(horizon)
				if err != nil {
					return fmt.Errorf("failed to purge %s: %w", db, err)
				}
				mu.Lock()
				result.RecordsRemoved += removed
				result.Replicas++
				mu.Unlock()
				return nil
			},
			Done: func(err error) {
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				wg.Done()
			},
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	// keep index records of changes that survived at segment granularity
	indexHorizon := horizon
	for _, db := range replicas {
		if oldest, ok := db.OldestCSN(); ok && oldest.Older(indexHorizon) {
			indexHorizon = oldest
		}
	}
	oldestCN, err := p.env.ChangeNumberIndexDB().PurgeUpTo(indexHorizon)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to purge change number index: %w", err))
	}
	result.OldestIndexedCN = oldestCN

	if p.metrics != nil {
		p.metrics.PurgeRunsTotal.Inc()
		p.metrics.PurgeRunDuration.Observe(time.Since(start).Seconds())
		p.metrics.PurgeErrorsTotal.Add(float64(len(errs)))
	}
	p.logger.Info("Purge run completed",
		zap.Stringer("horizon", horizon),
		zap.Int("replicas", result.Replicas),
		zap.Int64("records_removed", result.RecordsRemoved),
		zap.Stringer("oldest_change_number", result.OldestIndexedCN),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", time.Since(start)))
	return result, errors.Join(errs...)
}

// Run purges once per interval until ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.logger.Info("Purger started",
		zap.Duration("delay", p.cfg.Delay),
		zap.Duration("interval", p.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Purger stopped")
			return nil
		case now := <-ticker.C:
			if _, err := p.PurgeBefore(ctx, p.Horizon(now)); err != nil && ctx.Err() == nil {
				p.logger.Error("Purge run failed", zap.Error(err))
			}
		}
	}
}

// Stop releases the purger's workers.
func (p *Purger) Stop() error {
	return p.pool.Stop(30 * time.Second)
}
