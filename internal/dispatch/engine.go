// Package dispatch wires together the cache, selector, upstream client, and
// worker pools into the single chat-completion request contract.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/looplj/cacheproxy/internal/cache"
	"github.com/looplj/cacheproxy/internal/codec"
	"github.com/looplj/cacheproxy/internal/fingerprint"
	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/pool"
	"github.com/looplj/cacheproxy/internal/reqid"
	"github.com/looplj/cacheproxy/internal/selector"
	"github.com/looplj/cacheproxy/internal/store"
	"github.com/looplj/cacheproxy/internal/tokens"
	"github.com/looplj/cacheproxy/internal/trim"
	"github.com/looplj/cacheproxy/internal/upstream"
	"github.com/looplj/cacheproxy/internal/writer"
)

// maxCompressedAnswerSize guards writeback: compressed blobs larger than
// this are dropped rather than persisted.
const maxCompressedAnswerSize = 5 * 1024 * 1024

// Config is the dispatch-relevant slice of the external configuration
// surface (§6): cache behavior, feature flags, and header projection.
type Config struct {
	CacheEnabled      bool
	CacheOverrideMode bool
	CacheVersion      int
	BatchWriteSize    int
	APIHeaders        map[string]string
	UseCurl           bool
	UseProxy          bool
	EnableThinking    *bool
	ModelOverride     string
	ContextTrim       trim.Config
	SummaryAPI        trim.SummaryAPIConfig
}

// Engine implements the §4.L dispatch contract.
type Engine struct {
	cfg       Config
	memory    *cache.Memory
	store     *store.Store
	writer    *writer.Writer
	selector  *selector.Selector
	upstream  *upstream.Client
	admission *pool.Admission
	pools     *pool.Pools
	estimator *tokens.Estimator
}

// New returns an Engine. memory may be nil when the memory cache tier is
// disabled.
func New(
	cfg Config,
	memory *cache.Memory,
	s *store.Store,
	w *writer.Writer,
	sel *selector.Selector,
	up *upstream.Client,
	admission *pool.Admission,
	pools *pool.Pools,
	est *tokens.Estimator,
) *Engine {
	return &Engine{
		cfg:       cfg,
		memory:    memory,
		store:     s,
		writer:    w,
		selector:  sel,
		upstream:  up,
		admission: admission,
		pools:     pools,
		estimator: est,
	}
}

// Handle executes the full chat-completion contract: cache lookup, and on
// miss, admission + endpoint selection + upstream forward + writeback.
// clientHeaders are the inbound request's headers, projected onto the
// upstream forward per §4.L step 8; callers with no headers to project may
// pass nil.
func (e *Engine) Handle(ctx context.Context, req *upstream.ChatRequest, clientHeaders http.Header) (*upstream.ChatResponse, *Error) {
	id := reqid.New()
	ctx = reqid.With(ctx, id)

	userContent, ok := firstUserMessage(req.Messages)
	if !ok {
		return nil, newError(ErrClient, "request must contain at least one user message")
	}

	questionKey := fingerprint.Question(userContent)

	if req.Stream {
		return e.miss(ctx, req, questionKey, clientHeaders)
	}

	if hit, herr := e.lookup(ctx, questionKey); herr != nil {
		return nil, herr
	} else if hit != nil {
		return e.runOnPool(e.pools.Hit, func() (*upstream.ChatResponse, *Error) {
			return e.respondFromCache(ctx, req, hit)
		})
	}

	return e.runOnPool(e.pools.Miss, func() (*upstream.ChatResponse, *Error) {
		return e.miss(ctx, req, questionKey, clientHeaders)
	})
}

// runOnPool posts a continuation to the given fairness pool and waits for
// its result, preserving synchronous handler semantics while still routing
// the actual work through the worker pools.
func (e *Engine) runOnPool(p *pool.Pool, fn func() (*upstream.ChatResponse, *Error)) (*upstream.ChatResponse, *Error) {
	type result struct {
		resp *upstream.ChatResponse
		err  *Error
	}

	resultCh := make(chan result, 1)

	submitErr := p.Submit(func(_ context.Context) {
		resp, err := fn()
		resultCh <- result{resp: resp, err: err}
	})
	if submitErr != nil {
		// queue full: run inline rather than fail the request outright.
		resp, err := fn()
		return resp, err
	}

	r := <-resultCh

	return r.resp, r.err
}

func firstUserMessage(messages []upstream.Message) (string, bool) {
	for _, m := range messages {
		if strings.EqualFold(m.Role, "user") {
			return m.Content, true
		}
	}

	return "", false
}

type cacheHit struct {
	compressed []byte
	answerKey  string
}

// lookup checks the memory cache first (if enabled), then the persistent
// store.
func (e *Engine) lookup(ctx context.Context, questionKey string) (*cacheHit, *Error) {
	if e.cfg.CacheEnabled && e.memory != nil {
		if blob, ok := e.memory.Get(questionKey); ok {
			return &cacheHit{compressed: blob}, nil
		}
	}

	if e.store == nil {
		return nil, nil
	}

	version := e.cfg.CacheVersion

	res, err := e.store.Lookup(ctx, questionKey, version, e.cfg.CacheOverrideMode)
	if err != nil {
		return nil, newError(ErrLookup, fmt.Sprintf("store lookup failed: %v", err))
	}

	if res == nil {
		return nil, nil
	}

	go func() {
		bgCtx := context.Background()
		if incErr := e.store.IncrementHitCount(bgCtx, res.AnswerKey); incErr != nil {
			log.Warn(bgCtx, "hit count increment failed", log.Cause(incErr))
		}
	}()

	return &cacheHit{compressed: res.Compressed, answerKey: res.AnswerKey}, nil
}

func (e *Engine) respondFromCache(ctx context.Context, req *upstream.ChatRequest, hit *cacheHit) (*upstream.ChatResponse, *Error) {
	content, err := codec.Decode(hit.compressed)
	if err != nil {
		return nil, newError(ErrCodec, fmt.Sprintf("decompress cached answer: %v", err))
	}

	return &upstream.ChatResponse{
		ID:                uuid.NewString(),
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             req.Model,
		SystemFingerprint: "cached",
		Choices: []upstream.Choice{
			{
				Index:        0,
				Message:      upstream.Message{Role: "assistant", Content: content},
				FinishReason: "stop_from_cache",
			},
		},
	}, nil
}

// miss runs the admission + selection + forward + writeback path.
// clientHeaders are projected onto the forwarded request alongside the
// configured api_headers.
func (e *Engine) miss(ctx context.Context, req *upstream.ChatRequest, questionKey string, clientHeaders http.Header) (*upstream.ChatResponse, *Error) {
	if !e.admission.Acquire(ctx) {
		return nil, newError(ErrAdmissionTimeout, "admission wait exceeded")
	}
	defer e.admission.Release()

	if e.selector == nil {
		return nil, newError(ErrNoEndpoint, "no endpoints configured")
	}

	endpoint := e.selector.Pick()

	payload := *req
	payload.Messages = append([]upstream.Message(nil), req.Messages...)
	payload.Messages = e.trimContext(ctx, payload.Messages)

	if endpoint.BaseURL == "" {
		return nil, newError(ErrNoEndpoint, "selected endpoint has no base url")
	}

	if endpoint.Name != "" {
		payload.Model = endpoint.Name
	}

	if e.cfg.EnableThinking != nil {
		payload.EnableThinking = e.cfg.EnableThinking
	}

	apiHeaders := e.cfg.APIHeaders
	if endpoint.APIKey != "" {
		merged := make(map[string]string, len(apiHeaders)+1)
		for k, v := range apiHeaders {
			merged[k] = v
		}

		merged["Authorization"] = "Bearer " + endpoint.APIKey
		apiHeaders = merged
	}

	headers := upstream.ProjectHeaders(clientHeaders, apiHeaders)

	body, merr := marshalRequest(&payload)
	if merr != nil {
		return nil, newError(ErrUpstreamOther, merr.Error())
	}

	resp, sendErr := e.upstream.Send(ctx, endpoint.BaseURL, body, headers, e.cfg.UseProxy, e.cfg.UseCurl)
	if sendErr != nil {
		return nil, classifyUpstreamError(sendErr)
	}

	if !req.Stream {
		go e.writeback(context.Background(), questionKey, resp, endpoint.Version)
	}

	return resp, nil
}

// trimContext applies the configured context-window strategy, returning the
// messages unchanged when trimming is disabled or they already fit.
func (e *Engine) trimContext(ctx context.Context, messages []upstream.Message) []upstream.Message {
	cfg := e.cfg.ContextTrim
	if !cfg.Enabled || e.estimator == nil {
		return messages
	}

	total := 0
	for _, m := range messages {
		total += e.estimator.Estimate(m.Content) + cfg.PerMessageOverhead
	}

	if total <= cfg.MaxContextTokens {
		return messages
	}

	if !cfg.SmartEnabled {
		return trim.Default(messages, cfg.MaxContextTokens, e.estimator)
	}

	var summarySelector *selector.Selector

	summaryCfg := e.cfg.SummaryAPI
	if summaryCfg.Enabled && len(summaryCfg.Endpoints) > 0 {
		if sel, err := selector.New(summaryCfg.Endpoints); err == nil {
			summarySelector = sel
		}
	}

	return trim.Smart(ctx, messages, cfg, summaryCfg, e.estimator, e.upstream, summarySelector, e.cfg.APIHeaders)
}

func (e *Engine) writeback(ctx context.Context, questionKey string, resp *upstream.ChatResponse, version int) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return
	}

	content := resp.Choices[0].Message.Content

	blob, err := codec.Encode(content)
	if err != nil {
		log.Warn(ctx, "writeback: compress failed", log.Cause(err))
		return
	}

	if len(blob) > maxCompressedAnswerSize {
		log.Warn(ctx, "writeback: compressed answer exceeds size guard, dropping",
			log.Int("size", len(blob)))

		return
	}

	if e.cfg.CacheEnabled && e.memory != nil {
		e.memory.Insert(questionKey, blob)

		if e.memory.PendingCount() >= e.cfg.BatchWriteSize && e.cfg.BatchWriteSize > 0 {
			batch := e.memory.TakePending(e.cfg.BatchWriteSize)
			if e.writer != nil {
				success, failure := e.writer.BatchWrite(ctx, batch)
				log.Info(ctx, "writeback: batch flush", log.Int("success", success), log.Int("failure", failure))
			}
		}

		return
	}

	if e.writer != nil {
		if ok := e.writer.WriteSingle(ctx, questionKey, blob, version); !ok {
			log.Warn(ctx, "writeback: write single failed", log.String("question_key", questionKey))
		}
	}
}

func marshalRequest(req *upstream.ChatRequest) ([]byte, error) {
	return json.Marshal(req)
}

func classifyUpstreamError(err error) *Error {
	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		switch uerr.Kind {
		case upstream.ErrConnect:
			return newError(ErrUpstreamConnect, uerr.Error())
		case upstream.ErrTimeout:
			return newError(ErrUpstreamTimeout, uerr.Error())
		case upstream.ErrStatus:
			return &Error{Kind: ErrUpstreamStatus, StatusCode: uerr.StatusCode, Message: uerr.Snippet}
		case upstream.ErrParse:
			return newError(ErrUpstreamParse, uerr.Error())
		default:
			return newError(ErrUpstreamOther, uerr.Error())
		}
	}

	return newError(ErrUpstreamOther, err.Error())
}
