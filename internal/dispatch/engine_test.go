package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplj/cacheproxy/internal/cache"
	"github.com/looplj/cacheproxy/internal/codec"
	"github.com/looplj/cacheproxy/internal/fingerprint"
	"github.com/looplj/cacheproxy/internal/pool"
	"github.com/looplj/cacheproxy/internal/selector"
	"github.com/looplj/cacheproxy/internal/store"
	"github.com/looplj/cacheproxy/internal/tokens"
	"github.com/looplj/cacheproxy/internal/upstream"
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

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, *store.Store, *cache.Memory) {
	t.Helper()

	s := openTestStore(t)
	mem := cache.New(16)
	w := writer.New(s, 1)

	sel, err := selector.New([]selector.Endpoint{{Name: "m", BaseURL: srv.URL, Weight: 1, Version: 1}})
	require.NoError(t, err)

	client := upstream.New(upstream.Config{})
	admission := pool.NewAdmission(4)
	pools := pool.New(2, 2)
	t.Cleanup(pools.Stop)

	est := tokens.New()

	cfg := Config{
		CacheEnabled:   true,
		BatchWriteSize: 1000,
	}

	e := New(cfg, mem, s, w, sel, client, admission, pools, est)

	return e, s, mem
}

func chatReq(content string) *upstream.ChatRequest {
	return &upstream.ChatRequest{
		Model: "any",
		Messages: []upstream.Message{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: content},
		},
	}
}

func TestHandleRejectsRequestWithoutUserMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e, _, _ := newTestEngine(t, srv)

	req := &upstream.ChatRequest{Messages: []upstream.Message{{Role: "system", Content: "x"}}}

	_, derr := e.Handle(context.Background(), req, nil)
	require.NotNil(t, derr)
	assert.Equal(t, ErrClient, derr.Kind)
	assert.Equal(t, http.StatusBadRequest, derr.HTTPStatus())
}

func TestHandleMissForwardsAndWritesBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"the answer"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	e, s, mem := newTestEngine(t, srv)

	resp, derr := e.Handle(context.Background(), chatReq("what is the answer"), nil)
	require.Nil(t, derr)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "the answer", resp.Choices[0].Message.Content)

	questionKey := fingerprint.Question("what is the answer")
	assert.Eventually(t, func() bool {
		_, ok := mem.Get(questionKey)
		return ok
	}, time.Second, 10*time.Millisecond)

	_ = s
}

func TestHandleHitServesFromStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called on a cache hit")
	}))
	defer srv.Close()

	e, s, _ := newTestEngine(t, srv)

	questionKey := fingerprint.Question("repeat question")
	blob, err := codec.Encode("cached answer")
	require.NoError(t, err)

	w := writer.New(s, 1)
	require.True(t, w.WriteSingle(context.Background(), questionKey, blob, 1))

	resp, derr := e.Handle(context.Background(), chatReq("repeat question"), nil)
	require.Nil(t, derr)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "cached answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop_from_cache", resp.Choices[0].FinishReason)
}

func TestHandleStreamingSkipsCacheLookup(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"live"}}]}`))
	}))
	defer srv.Close()

	e, s, _ := newTestEngine(t, srv)

	questionKey := fingerprint.Question("streamed question")
	blob, err := codec.Encode("should be ignored")
	require.NoError(t, err)

	w := writer.New(s, 1)
	require.True(t, w.WriteSingle(context.Background(), questionKey, blob, 1))

	req := chatReq("streamed question")
	req.Stream = true

	resp, derr := e.Handle(context.Background(), req, nil)
	require.Nil(t, derr)
	assert.Equal(t, "live", resp.Choices[0].Message.Content)
	assert.True(t, called)
}

func TestHandleUpstreamErrorStatusIsForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	e, _, _ := newTestEngine(t, srv)

	_, derr := e.Handle(context.Background(), chatReq("something new"), nil)
	require.NotNil(t, derr)
	assert.Equal(t, ErrUpstreamStatus, derr.Kind)
	assert.Equal(t, http.StatusBadGateway, derr.HTTPStatus())
}

func TestHandleForwardsClientHeadersMinusHopByHop(t *testing.T) {
	var seen http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	e, _, _ := newTestEngine(t, srv)
	e.cfg.APIHeaders = map[string]string{"X-Api-Header": "configured"}

	clientHeaders := http.Header{}
	clientHeaders.Set("X-Client-Trace", "abc")
	clientHeaders.Set("Connection", "keep-alive")
	clientHeaders.Set("Host", "original-host")
	clientHeaders.Set("Content-Length", "123")

	_, derr := e.Handle(context.Background(), chatReq("header forwarding question"), clientHeaders)
	require.Nil(t, derr)

	assert.Equal(t, "abc", seen.Get("X-Client-Trace"))
	assert.Equal(t, "configured", seen.Get("X-Api-Header"))
	assert.Empty(t, seen.Get("Connection"))
	assert.Empty(t, seen.Get("Content-Length"))
}

func TestHandleNoEndpointsConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e, _, _ := newTestEngine(t, srv)
	e.selector = nil

	_, derr := e.Handle(context.Background(), chatReq("anything"), nil)
	require.NotNil(t, derr)
	assert.Equal(t, ErrNoEndpoint, derr.Kind)
}
