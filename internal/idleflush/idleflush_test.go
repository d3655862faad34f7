package idleflush

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplj/cacheproxy/internal/cache"
	"github.com/looplj/cacheproxy/internal/store"
	"github.com/looplj/cacheproxy/internal/writer"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.Config{
		DatabaseURL: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestMaybeFlushNoopWhenNotIdle(t *testing.T) {
	c := cache.New(10)
	c.Insert("q1", []byte("a1"))

	m := New(Config{Enabled: true, IdleTimeoutSeconds: 3600, CheckIntervalSec: 1}, c, nil)

	m.maybeFlush(context.Background())

	assert.Equal(t, 1, c.CacheCount())
}

func TestMaybeFlushNoopWhenEmpty(t *testing.T) {
	c := cache.New(10)
	m := New(Config{Enabled: true, IdleTimeoutSeconds: 0, CheckIntervalSec: 1}, c, nil)

	m.maybeFlush(context.Background())

	assert.Equal(t, 0, c.CacheCount())
	assert.Equal(t, 0, c.PendingCount())
}

func TestMaybeFlushDrainsCacheAndPendingIntoStore(t *testing.T) {
	s := openTestStore(t)
	w := writer.New(s, 1)

	c := cache.New(2)
	c.Insert("q1", []byte("a1"))
	c.Insert("q2", []byte("a2"))
	c.Insert("q3", []byte("a3")) // evicts q1 into pending (maxItems=2)

	m := New(Config{Enabled: true, IdleTimeoutSeconds: 0, CheckIntervalSec: 1}, c, w)

	// idle threshold is 0, so any elapsed time satisfies it.
	time.Sleep(time.Millisecond)
	m.maybeFlush(context.Background())

	assert.Equal(t, 0, c.CacheCount())
	assert.Equal(t, 0, c.PendingCount())

	var count int
	require.NoError(t, s.DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM questions`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestMaybeFlushResetsActivity(t *testing.T) {
	c := cache.New(10)
	c.Insert("q1", []byte("a1"))

	m := New(Config{Enabled: true, IdleTimeoutSeconds: 0, CheckIntervalSec: 1}, c, nil)
	before := m.lastActivity.Load()

	time.Sleep(time.Millisecond)
	m.maybeFlush(context.Background())

	assert.Greater(t, m.lastActivity.Load(), before)
}

func TestStartDisabledReturnsImmediately(t *testing.T) {
	c := cache.New(10)
	m := New(Config{Enabled: false}, c, nil)

	require.NoError(t, m.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		require.NoError(t, m.Stop(context.Background()))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return for a disabled manager")
	}
}

func TestStartStopLoopDrains(t *testing.T) {
	s := openTestStore(t)
	w := writer.New(s, 1)

	c := cache.New(10)
	c.Insert("q1", []byte("a1"))

	m := New(Config{Enabled: true, IdleTimeoutSeconds: 0, CheckIntervalSec: 1}, c, w)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	assert.Eventually(t, func() bool {
		var count int
		_ = s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
		return count == 1
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
}
