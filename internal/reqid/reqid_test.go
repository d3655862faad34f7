package reqid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsEightHexChars(t *testing.T) {
	id := New()
	assert.Len(t, id, 8)
}

func TestWithAndFrom(t *testing.T) {
	ctx := With(context.Background(), "abcd1234")

	id, ok := From(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abcd1234", id)
}

func TestFromMissing(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)
}

func TestHookAddsField(t *testing.T) {
	ctx := With(context.Background(), "abcd1234")

	fields := Hook(ctx, "msg")
	assert.Len(t, fields, 1)
	assert.Equal(t, "request_id", fields[0].Key)
	assert.Equal(t, "abcd1234", fields[0].String)
}

func TestHookNoRequestID(t *testing.T) {
	fields := Hook(context.Background(), "msg")
	assert.Len(t, fields, 0)
}
