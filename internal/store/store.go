// Package store is the embedded SQL persistent tier: two tables (answers,
// questions), maintenance PRAGMAs, a one-time migration from a legacy
// single-table schema, and the version-gated lookup contract.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/looplj/cacheproxy/internal/log"
)

// Store wraps a pooled *sql.DB against the embedded SQLite file.
type Store struct {
	db *sql.DB
}

// Config tunes the connection pool. Zero values fall back to spec defaults.
type Config struct {
	DatabaseURL     string        `conf:"database_url" yaml:"database_url" json:"database_url"`
	MaxOpenConns    int           `conf:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MinOpenConns    int           `conf:"min_open_conns" yaml:"min_open_conns" json:"min_open_conns"`
	ConnMaxLifetime time.Duration `conf:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `conf:"conn_max_idle_time" yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 100
	}

	if c.MinOpenConns <= 0 {
		c.MinOpenConns = 10
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}

	return c
}

// Open opens the database, migrates any legacy schema, applies the tuning
// PRAGMAs, and returns a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MinOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &Store{db: db}

	if err := s.createSchema(ctx); err != nil {
		return nil, err
	}

	if err := s.migrateLegacy(ctx); err != nil {
		return nil, err
	}

	s.applyPragmas(ctx)

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw *sql.DB for callers that need it (writer, maintenance).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS answers (
			key TEXT PRIMARY KEY,
			response BLOB NOT NULL,
			size INTEGER NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			key TEXT PRIMARY KEY,
			answer_key TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_key ON answers(key)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_version ON answers(version)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_key ON questions(key)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_answer_key ON questions(answer_key)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	return nil
}

// migrateLegacy copies rows out of a pre-existing single-table "cache"
// schema into answers+questions, then renames it to cache_backup. A no-op
// when no legacy table exists.
func (s *Store) migrateLegacy(ctx context.Context) error {
	var exists int

	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type='table' AND name='cache'`,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil
	}

	if err != nil {
		return fmt.Errorf("check legacy table: %w", err)
	}

	log.Info(ctx, "legacy cache table detected, migrating")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO answers (key, response, size, hit_count, version)
		 SELECT key, response, size, hit_count, version FROM cache`)
	if err != nil {
		return fmt.Errorf("migrate answers: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO questions (key, answer_key)
		 SELECT key, key FROM cache`)
	if err != nil {
		return fmt.Errorf("migrate questions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `ALTER TABLE cache RENAME TO cache_backup`)
	if err != nil {
		return fmt.Errorf("rename legacy table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	log.Info(ctx, "legacy cache table migration complete")

	return nil
}

// DropCacheBackupIfPresent removes cache_backup once the maintenance loop
// decides enough time has passed since migration.
func (s *Store) DropCacheBackupIfPresent(ctx context.Context) error {
	var exists int

	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type='table' AND name='cache_backup'`,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil
	}

	if err != nil {
		return fmt.Errorf("check cache_backup: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `DROP TABLE cache_backup`)
	if err != nil {
		return fmt.Errorf("drop cache_backup: %w", err)
	}

	log.Info(ctx, "dropped cache_backup table")

	return nil
}

// applyPragmas tunes SQLite for write throughput. Each PRAGMA is independent
// and a failure is logged, never fatal to startup.
func (s *Store) applyPragmas(ctx context.Context) {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA wal_autocheckpoint=1000",
		"PRAGMA read_uncommitted=true",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=20000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=30000000000",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}

	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			log.Warn(ctx, "failed to apply sqlite pragma", log.String("pragma", p), log.Cause(err))
		}
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		log.Warn(ctx, "startup VACUUM failed", log.Cause(err))
	}
}

// LookupResult is the joined questions -> answers row returned by Lookup.
type LookupResult struct {
	AnswerKey  string
	Compressed []byte
}

// Lookup joins questions -> answers on questionKey. When overrideMode is
// true, only answers whose version >= version are eligible.
func (s *Store) Lookup(ctx context.Context, questionKey string, version int, overrideMode bool) (*LookupResult, error) {
	query := `SELECT a.key, a.response FROM questions q
		JOIN answers a ON a.key = q.answer_key
		WHERE q.key = ?`

	args := []any{questionKey}

	if overrideMode {
		query += ` AND a.version >= ?`
		args = append(args, version)
	}

	var res LookupResult

	err := s.db.QueryRowContext(ctx, query, args...).Scan(&res.AnswerKey, &res.Compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}

	return &res, nil
}

// IncrementHitCount bumps an answer's hit_count by one using an atomic
// read-modify-write expression, fire-and-forget from the caller's view.
func (s *Store) IncrementHitCount(ctx context.Context, answerKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE answers SET hit_count = hit_count + 1 WHERE key = ?`, answerKey)
	if err != nil {
		return fmt.Errorf("increment hit count: %w", err)
	}

	return nil
}

// Stats summarizes store occupancy for maintenance reporting.
type Stats struct {
	TotalQuestions int64
	TotalAnswers   int64
	ReuseRatio     float64
	TotalBytes     int64
	TopHits        []HitRow
}

// HitRow is one row of the top-hit-count report.
type HitRow struct {
	Key      string
	HitCount int64
}

// ComputeStats gathers the statistics the maintenance loop emits.
func (s *Store) ComputeStats(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&stats.TotalQuestions); err != nil {
		return stats, fmt.Errorf("count questions: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM answers`).Scan(&stats.TotalAnswers); err != nil {
		return stats, fmt.Errorf("count answers: %w", err)
	}

	var totalBytes sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM answers`).Scan(&totalBytes); err != nil {
		return stats, fmt.Errorf("sum answer bytes: %w", err)
	}

	stats.TotalBytes = totalBytes.Int64

	if stats.TotalAnswers > 0 {
		stats.ReuseRatio = float64(stats.TotalQuestions) / float64(stats.TotalAnswers)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, hit_count FROM answers ORDER BY hit_count DESC LIMIT 5`)
	if err != nil {
		return stats, fmt.Errorf("top hit rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row HitRow
		if err := rows.Scan(&row.Key, &row.HitCount); err != nil {
			return stats, fmt.Errorf("scan hit row: %w", err)
		}

		stats.TopHits = append(stats.TopHits, row)
	}

	return stats, rows.Err()
}

// PruneOrphanAnswers deletes answers unreferenced by any question, with
// hit_count below minHitCount and created before cutoff. Returns rows deleted.
func (s *Store) PruneOrphanAnswers(ctx context.Context, cutoff int64, minHitCount int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM answers
		WHERE key NOT IN (SELECT DISTINCT answer_key FROM questions)
		AND hit_count < ?
		AND created_at < ?`, minHitCount, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune orphan answers: %w", err)
	}

	return res.RowsAffected()
}

// PruneAgedQuestions deletes question rows created before cutoff.
func (s *Store) PruneAgedQuestions(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune aged questions: %w", err)
	}

	return res.RowsAffected()
}

// PruneSweep runs the orphan-answer and aged-question deletes within a
// single transaction, so a crash between them never leaves the store
// half-pruned.
func (s *Store) PruneSweep(ctx context.Context, cutoff int64, minHitCount int64) (deletedAnswers, deletedQuestions int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	answerRes, err := tx.ExecContext(ctx, `
		DELETE FROM answers
		WHERE key NOT IN (SELECT DISTINCT answer_key FROM questions)
		AND hit_count < ?
		AND created_at < ?`, minHitCount, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("prune orphan answers: %w", err)
	}

	deletedAnswers, err = answerRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("prune orphan answers rows affected: %w", err)
	}

	questionRes, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("prune aged questions: %w", err)
	}

	deletedQuestions, err = questionRes.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("prune aged questions rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit prune sweep: %w", err)
	}

	return deletedAnswers, deletedQuestions, nil
}
