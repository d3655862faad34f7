// Package idleflush drains the memory cache's resident entries and pending
// map into the persistent store once the idle timeout has passed, so a quiet
// proxy doesn't accumulate unbounded in-memory state.
package idleflush

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplj/cacheproxy/internal/cache"
	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/writer"
)

// Config controls the idle-flush loop.
type Config struct {
	Enabled            bool          `conf:"enabled"              yaml:"enabled"              json:"enabled"`
	IdleTimeoutSeconds int64         `conf:"idle_timeout_seconds" yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	CheckIntervalSec   int64         `conf:"check_interval_seconds" yaml:"check_interval_seconds" json:"check_interval_seconds"`
}

func (c Config) idleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c Config) checkInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// Manager owns the single monotonic "last activity" timestamp and the
// background goroutine that drains the cache once that timestamp is older
// than the idle timeout. The timestamp is reset by Touch and after each
// completed flush. The dispatch engine does not call Touch, so the idle clock
// runs from startup or the last flush, not from the last request.
type Manager struct {
	cfg    Config
	cache  *cache.Memory
	writer *writer.Writer

	lastActivity atomic.Int64 // unix nanos

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns a Manager. writer may be nil, in which case drained entries
// are simply discarded from the pending map (no persistence configured).
func New(cfg Config, c *cache.Memory, w *writer.Writer) *Manager {
	m := &Manager{
		cfg:    cfg,
		cache:  c,
		writer: w,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.lastActivity.Store(time.Now().UnixNano())

	return m
}

// Touch records a dispatch event, resetting the idle clock.
func (m *Manager) Touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Manager) idleSince() time.Duration {
	last := time.Unix(0, m.lastActivity.Load())
	return time.Since(last)
}

// Start launches the background loop if enabled. No-op otherwise.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		log.Info(ctx, "idle flush disabled")
		close(m.doneCh)

		return nil
	}

	log.Info(ctx, "starting idle flush loop",
		log.Duration("idle_timeout", m.cfg.idleTimeout()),
		log.Duration("check_interval", m.cfg.checkInterval()))

	go m.run(ctx)

	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	select {
	case <-m.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.maybeFlush(ctx)
		}
	}
}

func (m *Manager) maybeFlush(ctx context.Context) {
	if m.idleSince() < m.cfg.idleTimeout() {
		return
	}

	cacheCount := m.cache.CacheCount()
	pendingCount := m.cache.PendingCount()

	if cacheCount == 0 && pendingCount == 0 {
		return
	}

	log.Info(ctx, "idle flush: draining memory cache",
		log.Int("cache_count", cacheCount), log.Int("pending_count", pendingCount))

	// Move every resident entry into the pending map first, then drain the
	// pending map in one shot so nothing is double-counted or left behind.
	m.cache.FlushAllToPending()
	all := m.cache.TakePending(cacheCount + pendingCount)

	if len(all) > 0 && m.writer != nil {
		success, failure := m.writer.BatchWrite(ctx, all)
		log.Info(ctx, "idle flush: batch write complete",
			log.Int("success", success), log.Int("failure", failure))
	}

	m.Touch()
}
