// Package maintenance runs the periodic store-pruning sweep: orphaned
// answers, aged questions, and the one-time legacy backup table drop.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zhenzou/executors"

	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/store"
)

// cacheBackupDropDelay is how long the worker waits after starting before it
// attempts to drop the legacy cache_backup table, per the "one-time after an
// hour" retention rule.
const cacheBackupDropDelay = time.Hour

// Config controls the maintenance sweep schedule and retention policy.
type Config struct {
	Enabled           bool `conf:"enabled"             yaml:"enabled"             json:"enabled"`
	IntervalHours     int  `conf:"interval_hours"      yaml:"interval_hours"      json:"interval_hours"`
	RetentionDays     int  `conf:"retention_days"      yaml:"retention_days"      json:"retention_days"`
	CleanupOnStartup  bool `conf:"cleanup_on_startup"  yaml:"cleanup_on_startup"  json:"cleanup_on_startup"`
	MinHitCount       int  `conf:"min_hit_count"       yaml:"min_hit_count"       json:"min_hit_count"`
}

func (c Config) withDefaults() Config {
	if c.IntervalHours <= 0 {
		c.IntervalHours = 24
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}

	return c
}

// Worker runs the prune sweep on a cron schedule built from IntervalHours.
type Worker struct {
	store      *store.Store
	config     Config
	executor   executors.ScheduledExecutor
	cancelFunc context.CancelFunc

	startedAt      time.Time
	backupDropOnce sync.Once
}

// New returns a maintenance Worker bound to s.
func New(s *store.Store, cfg Config) *Worker {
	return &Worker{
		store:    s,
		config:   cfg.withDefaults(),
		executor: executors.NewPoolScheduleExecutor(executors.WithMaxConcurrent(1)),
	}
}

// Start schedules the prune sweep, running it once immediately if
// CleanupOnStartup is set. No-op when disabled.
func (w *Worker) Start(ctx context.Context) error {
	if !w.config.Enabled {
		log.Info(ctx, "maintenance sweep disabled")
		return nil
	}

	w.startedAt = time.Now()

	if w.config.CleanupOnStartup {
		w.runSweep(ctx)
	}

	expr := fmt.Sprintf("0 */%d * * *", w.config.IntervalHours)

	cancelFunc, err := w.executor.ScheduleFuncAtCronRate(
		w.runSweep,
		executors.CRONRule{Expr: expr},
	)
	if err != nil {
		return fmt.Errorf("schedule maintenance sweep: %w", err)
	}

	w.cancelFunc = cancelFunc

	log.Info(ctx, "maintenance worker started", log.String("cron", expr),
		log.Int("retention_days", w.config.RetentionDays))

	return nil
}

// Stop cancels the schedule and shuts down the executor.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	return w.executor.Shutdown(ctx)
}

// runSweep computes stats, prunes orphan answers and aged questions, and
// drops the legacy backup table at most once, an hour after Start.
func (w *Worker) runSweep(ctx context.Context) {
	log.Info(ctx, "starting maintenance sweep")

	stats, err := w.store.ComputeStats(ctx)
	if err != nil {
		log.Error(ctx, "maintenance: compute stats failed", log.Cause(err))
	} else {
		log.Info(ctx, "store stats",
			log.Int("total_questions", int(stats.TotalQuestions)),
			log.Int("total_answers", int(stats.TotalAnswers)),
			log.Int("total_bytes", int(stats.TotalBytes)))
	}

	cutoff := time.Now().AddDate(0, 0, -w.config.RetentionDays).Unix()

	deletedAnswers, deletedQuestions, err := w.store.PruneSweep(ctx, cutoff, int64(w.config.MinHitCount))
	if err != nil {
		log.Error(ctx, "maintenance: prune sweep failed", log.Cause(err))
	} else {
		log.Info(ctx, "pruned store",
			log.Int("deleted_answers", int(deletedAnswers)),
			log.Int("deleted_questions", int(deletedQuestions)))
	}

	if !w.startedAt.IsZero() && time.Since(w.startedAt) >= cacheBackupDropDelay {
		w.backupDropOnce.Do(func() {
			if err := w.store.DropCacheBackupIfPresent(ctx); err != nil {
				log.Error(ctx, "maintenance: drop cache_backup failed", log.Cause(err))
			}
		})
	}

	log.Info(ctx, "maintenance sweep complete")
}

// RunNow triggers the sweep synchronously, for manual or test invocation.
func (w *Worker) RunNow(ctx context.Context) {
	w.runSweep(ctx)
}
