// Package writer persists cache entries produced by a dispatch miss: a
// single upsert-pair transaction, or a batched variant for draining the
// memory cache's pending map.
package writer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/looplj/cacheproxy/internal/fingerprint"
	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/store"
)

// Writer upserts answers and questions in one transaction per call.
type Writer struct {
	db            *sql.DB
	cacheVersion  int
}

// New returns a Writer bound to s, stamping cacheVersion onto every answer
// row it creates.
func New(s *store.Store, cacheVersion int) *Writer {
	return &Writer{db: s.DB(), cacheVersion: cacheVersion}
}

// WriteSingle upserts one question/answer pair off the request path,
// stamping the answer with version (sourced from the endpoint that produced
// it, per the "version tracks the producing endpoint" invariant).
// Returns false (and logs) on any failure; the transaction is rolled back.
func (w *Writer) WriteSingle(ctx context.Context, questionKey string, compressed []byte, version int) bool {
	answerKey := fingerprint.Answer(compressed)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error(ctx, "writeback: begin tx failed", log.Cause(err))
		return false
	}
	defer func() { _ = tx.Rollback() }()

	if err := w.upsertAnswer(ctx, tx, answerKey, compressed, version); err != nil {
		log.Error(ctx, "writeback: upsert answer failed", log.Cause(err))
		return false
	}

	if err := w.upsertQuestion(ctx, tx, questionKey, answerKey); err != nil {
		log.Error(ctx, "writeback: upsert question failed", log.Cause(err))
		return false
	}

	if err := tx.Commit(); err != nil {
		log.Error(ctx, "writeback: commit failed", log.Cause(err))
		return false
	}

	return true
}

// BatchWrite upserts every item in items inside a single transaction,
// stamping the writer's configured default cache_version on each answer
// (the per-entry producing endpoint is no longer known once an entry has
// passed through the memory cache's pending map). Per-row failures skip
// that row rather than aborting the batch.
func (w *Writer) BatchWrite(ctx context.Context, items map[string][]byte) (success, failure int) {
	if len(items) == 0 {
		return 0, 0
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error(ctx, "batch writeback: begin tx failed", log.Cause(err))
		return 0, len(items)
	}
	defer func() { _ = tx.Rollback() }()

	for questionKey, compressed := range items {
		answerKey := fingerprint.Answer(compressed)

		if err := w.upsertAnswer(ctx, tx, answerKey, compressed, w.cacheVersion); err != nil {
			log.Error(ctx, "batch writeback: upsert answer failed",
				log.String("question_key", questionKey), log.Cause(err))

			failure++

			continue
		}

		if err := w.upsertQuestion(ctx, tx, questionKey, answerKey); err != nil {
			log.Error(ctx, "batch writeback: upsert question failed",
				log.String("question_key", questionKey), log.Cause(err))

			failure++

			continue
		}

		success++
	}

	if err := tx.Commit(); err != nil {
		log.Error(ctx, "batch writeback: commit failed", log.Cause(err))
		return 0, len(items)
	}

	return success, failure
}

func (w *Writer) upsertAnswer(ctx context.Context, tx *sql.Tx, answerKey string, compressed []byte, version int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO answers (key, response, size, version) VALUES (?, ?, ?, ?)`,
		answerKey, compressed, len(compressed), version)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}

	return nil
}

func (w *Writer) upsertQuestion(ctx context.Context, tx *sql.Tx, questionKey, answerKey string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO questions (key, answer_key) VALUES (?, ?)`,
		questionKey, answerKey)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}

	return nil
}
