// Package reqid stamps an 8-char request id onto a context and exposes a log
// hook that adds it to every log line written while handling that request.
package reqid

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/looplj/cacheproxy/internal/log"
)

type ctxKey struct{}

// New generates an 8-char lowercase hex request id.
func New() string {
	var b [4]byte

	_, err := rand.Read(b[:])
	if err != nil {
		return "00000000"
	}

	return hex.EncodeToString(b[:])
}

// With stores id on ctx.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From retrieves the request id stamped by With, if any.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	id, ok := ctx.Value(ctxKey{}).(string)

	return id, ok
}

// Hook adds the request id field to log calls when present on ctx.
func Hook(ctx context.Context, _ string, fields ...log.Field) []log.Field {
	if id, ok := From(ctx); ok {
		fields = append(fields, log.String("request_id", id))
	}

	return fields
}
