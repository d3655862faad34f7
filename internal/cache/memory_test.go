package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertAndGet(t *testing.T) {
	m := New(2)
	m.Insert("a", []byte("1"))

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestReplaceDoesNotEvict(t *testing.T) {
	m := New(1)
	m.Insert("a", []byte("1"))
	m.Insert("a", []byte("2"))

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	assert.Equal(t, 0, m.PendingCount())
}

func TestFIFOEviction(t *testing.T) {
	m := New(2)
	m.Insert("a", []byte("1"))
	m.Insert("b", []byte("2"))
	m.Insert("c", []byte("3"))

	_, ok := m.Get("a")
	assert.False(t, ok)

	_, ok = m.Get("b")
	assert.True(t, ok)

	_, ok = m.Get("c")
	assert.True(t, ok)

	assert.Equal(t, 2, m.CacheCount())
	assert.Equal(t, 1, m.PendingCount())
}

func TestTakePending(t *testing.T) {
	m := New(1)
	m.Insert("a", []byte("1"))
	m.Insert("b", []byte("2")) // evicts "a" to pending

	batch := m.TakePending(10)
	assert.Len(t, batch, 1)
	assert.Equal(t, []byte("1"), batch["a"])
	assert.Equal(t, 0, m.PendingCount())
}

func TestTakePendingRespectsBatchSize(t *testing.T) {
	m := New(1)
	for _, k := range []string{"a", "b", "c"} {
		m.Insert(k, []byte(k))
	}

	batch := m.TakePending(1)
	assert.Len(t, batch, 1)
	assert.Equal(t, 1, m.PendingCount())
}

func TestFlushAllToPending(t *testing.T) {
	m := New(5)
	m.Insert("a", []byte("1"))
	m.Insert("b", []byte("2"))

	moved := m.FlushAllToPending()
	assert.Len(t, moved, 2)
	assert.Equal(t, 0, m.CacheCount())
	assert.Equal(t, 2, m.PendingCount())
}
