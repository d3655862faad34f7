package maintenance

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplj/cacheproxy/internal/store"
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

func TestRunNowPrunesOrphanAnswers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO answers (key, response, size, hit_count, version, created_at) VALUES (?, ?, ?, 0, 0, 0)`,
		"orphan", []byte("x"), 1)
	require.NoError(t, err)

	w := New(s, Config{Enabled: true, RetentionDays: 1, MinHitCount: 1})
	w.RunNow(ctx)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM answers`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestRunNowKeepsReferencedAnswers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO answers (key, response, size, hit_count, version, created_at) VALUES (?, ?, ?, 0, 0, 0)`,
		"a1", []byte("x"), 1)
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO questions (key, answer_key, created_at) VALUES (?, ?, 9999999999)`, "q1", "a1")
	require.NoError(t, err)

	w := New(s, Config{Enabled: true, RetentionDays: 1, MinHitCount: 1})
	w.RunNow(ctx)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM answers`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRunNowKeepsCacheBackupWithinFirstHour(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, `CREATE TABLE cache_backup (key TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	w := New(s, Config{Enabled: true})
	w.startedAt = time.Now()
	w.RunNow(ctx)

	var exists int
	err = s.DB().QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type='table' AND name='cache_backup'`).Scan(&exists)
	require.NoError(t, err)
	assert.Equal(t, 1, exists)
}

func TestRunNowDropsCacheBackupAfterDelayElapsed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, `CREATE TABLE cache_backup (key TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	w := New(s, Config{Enabled: true})
	w.startedAt = time.Now().Add(-2 * time.Hour)
	w.RunNow(ctx)

	var exists int
	err = s.DB().QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type='table' AND name='cache_backup'`).Scan(&exists)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStartDisabledNoop(t *testing.T) {
	s := openTestStore(t)
	w := New(s, Config{Enabled: false})

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}
