package writer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplj/cacheproxy/internal/fingerprint"
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

func TestWriteSingle(t *testing.T) {
	s := openTestStore(t)
	w := New(s, 1)

	ok := w.WriteSingle(context.Background(), "q1", []byte("answer-bytes"), 2)
	assert.True(t, ok)

	res, err := s.Lookup(context.Background(), "q1", 0, false)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("answer-bytes"), res.Compressed)
}

func TestAnswerDedup(t *testing.T) {
	s := openTestStore(t)
	w := New(s, 1)
	blob := []byte("shared-reply")

	ok1 := w.WriteSingle(context.Background(), "q1", blob, 1)
	ok2 := w.WriteSingle(context.Background(), "q2", blob, 1)
	assert.True(t, ok1)
	assert.True(t, ok2)

	var answerCount int
	require.NoError(t, s.DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM answers WHERE key=?`, fingerprint.Answer(blob)).Scan(&answerCount))
	assert.Equal(t, 1, answerCount)

	var questionCount int
	require.NoError(t, s.DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM questions WHERE answer_key=?`, fingerprint.Answer(blob)).Scan(&questionCount))
	assert.Equal(t, 2, questionCount)
}

func TestBatchWrite(t *testing.T) {
	s := openTestStore(t)
	w := New(s, 1)

	items := map[string][]byte{
		"q1": []byte("a1"),
		"q2": []byte("a2"),
	}

	success, failure := w.BatchWrite(context.Background(), items)
	assert.Equal(t, 2, success)
	assert.Equal(t, 0, failure)

	var count int
	require.NoError(t, s.DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM questions`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestBatchWriteEmpty(t *testing.T) {
	s := openTestStore(t)
	w := New(s, 1)

	success, failure := w.BatchWrite(context.Background(), nil)
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, failure)
}
