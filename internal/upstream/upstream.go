// Package upstream is the shared HTTP client used to forward chat-completion
// requests to a selected endpoint: connection-pooled transport tuned per the
// documented timeouts, a tolerant JSON response coercer, and an optional
// curl-subprocess fallback.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/looplj/cacheproxy/internal/log"
)

// Config tunes the shared transport. All fields have spec-mandated defaults
// applied by withDefaults.
type Config struct {
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	ProxyRequestTimeout  time.Duration
	IdleConnTimeout      time.Duration
	MaxIdleConnsPerHost  int
	KeepAlive            time.Duration
	MaxRedirects         int
	HTTP2KeepAlive       time.Duration
	HTTP2StreamWindow    int32
	InsecureSkipVerify   bool
	UseProxy             bool
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}

	if c.ProxyRequestTimeout <= 0 {
		c.ProxyRequestTimeout = 120 * time.Second
	}

	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 180 * time.Second
	}

	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 50
	}

	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}

	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}

	if c.HTTP2KeepAlive <= 0 {
		c.HTTP2KeepAlive = 30 * time.Second
	}

	if c.HTTP2StreamWindow <= 0 {
		c.HTTP2StreamWindow = 1 << 20 // 1 MiB
	}

	return c
}

// ErrKind classifies a send failure into the coarse buckets the dispatch
// engine maps onto HTTP status codes.
type ErrKind string

const (
	ErrConnect ErrKind = "connect"
	ErrTimeout ErrKind = "timeout"
	ErrOther   ErrKind = "other"
	ErrStatus  ErrKind = "status"
	ErrParse   ErrKind = "parse"
)

// Error is the typed failure surfaced by Send.
type Error struct {
	Kind       ErrKind
	StatusCode int
	Snippet    string
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == ErrStatus {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Snippet)
	}

	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatRequest is the outgoing payload shape.
type ChatRequest struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Temperature     float64   `json:"temperature"`
	MaxTokens       int       `json:"max_tokens"`
	Stream          bool      `json:"stream"`
	EnableThinking  *bool     `json:"enable_thinking,omitempty"`
}

// ChatResponse is the strict shape attempted first on deserialization.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint"`
}

// Client is the shared, connection-pooled HTTP sender.
type Client struct {
	cfg        Config
	httpClient *http.Client
	curlClient *http.Client // unused for transport, curl path shells out directly
}

// New builds a Client whose transport matches the documented timeouts and
// HTTP/2 tuning.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if !cfg.UseProxy {
		transport.Proxy = nil
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	if h2, err := http2.ConfigureTransports(transport); err == nil {
		h2.ReadIdleTimeout = cfg.HTTP2KeepAlive
		h2.PingTimeout = cfg.HTTP2KeepAlive
		h2.MaxReadFrameSize = uint32(cfg.HTTP2StreamWindow) //nolint:gosec // bounded by config default.
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}

			return nil
		},
	}

	return &Client{cfg: cfg, httpClient: client}
}

// Send POSTs payload to url+"/v1/chat/completions" (tolerating a trailing
// slash on url), honoring useCurl for the subprocess fallback path.
// proxyPath selects the longer (§4.J "proxy code path") timeout budget.
func (c *Client) Send(ctx context.Context, endpointURL string, payload []byte, headers http.Header, proxyPath, useCurl bool) (*ChatResponse, error) {
	target := strings.TrimSuffix(endpointURL, "/") + "/v1/chat/completions"

	timeout := c.cfg.RequestTimeout
	if proxyPath {
		timeout = c.cfg.ProxyRequestTimeout
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if useCurl {
		return c.sendViaCurl(sendCtx, target, payload, headers, timeout)
	}

	return c.sendViaHTTP(sendCtx, target, payload, headers)
}

func (c *Client) sendViaHTTP(ctx context.Context, target string, payload []byte, headers http.Header) (*ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: ErrOther, Err: err}
	}

	req.Header = projectedOrNew(headers)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifySendError(err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrOther, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: ErrStatus, StatusCode: resp.StatusCode, Snippet: snippet(body)}
	}

	return coerceResponse(body)
}

// sendViaCurl shells out to curl with flags mirroring the native client's
// timeouts, an implementation hedge rather than the core contract.
func (c *Client) sendViaCurl(ctx context.Context, target string, payload []byte, headers http.Header, timeout time.Duration) (*ChatResponse, error) {
	args := []string{
		"-sS",
		"-X", "POST",
		"--connect-timeout", strconv.Itoa(int(c.cfg.ConnectTimeout.Seconds())),
		"--max-time", strconv.Itoa(int(timeout.Seconds())),
		"-k", // disabled TLS verification, per the native client's settings
		"-H", "Content-Type: application/json",
	}

	projected := projectedOrNew(headers)
	for k, vs := range projected {
		for _, v := range vs {
			args = append(args, "-H", fmt.Sprintf("%s: %s", k, v))
		}
	}

	args = append(args, "--data-binary", "@-", target)

	cmd := exec.CommandContext(ctx, "curl", args...)
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Warn(ctx, "curl fallback non-zero exit",
				log.Int("exit_code", exitErr.ExitCode()), log.String("stderr", string(exitErr.Stderr)))
		}

		return nil, &Error{Kind: ErrOther, Err: fmt.Errorf("curl: %w", err)}
	}

	return coerceResponse(out)
}

func classifySendError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: ErrConnect, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}

	return &Error{Kind: ErrOther, Err: err}
}

func snippet(body []byte) string {
	const maxLen = 512
	if len(body) > maxLen {
		return string(body[:maxLen])
	}

	return string(body)
}

func projectedOrNew(headers http.Header) http.Header {
	if headers == nil {
		return make(http.Header)
	}

	out := make(http.Header, len(headers))
	for k, v := range headers {
		out[k] = v
	}

	return out
}

// ProjectHeaders drops any client header whose lowercased name contains
// "connection", "host", or "content-length", then merges configured
// api_headers on top.
func ProjectHeaders(client http.Header, apiHeaders map[string]string) http.Header {
	out := make(http.Header)

	for k, v := range client {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "connection") || strings.Contains(lower, "host") || strings.Contains(lower, "content-length") {
			continue
		}

		out[k] = v
	}

	for k, v := range apiHeaders {
		out.Set(k, v)
	}

	return out
}

// coerceResponse tries a strict parse first; on failure, falls back to a
// tolerant field-by-field extraction from a generic JSON document. Missing
// object, role and finish_reason values get the same defaults on both paths.
func coerceResponse(body []byte) (*ChatResponse, error) {
	var strict ChatResponse
	if err := json.Unmarshal(body, &strict); err == nil && len(strict.Choices) > 0 {
		if strict.Object == "" {
			strict.Object = "chat.completion"
		}

		for i := range strict.Choices {
			if strict.Choices[i].Message.Role == "" {
				strict.Choices[i].Message.Role = "assistant"
			}

			if strict.Choices[i].FinishReason == "" {
				strict.Choices[i].FinishReason = "unknown"
			}
		}

		return &strict, nil
	}

	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, &Error{Kind: ErrParse, Err: fmt.Errorf("decode generic json: %w", err)}
	}

	resp := &ChatResponse{
		ID:                stringField(generic, "id", ""),
		Object:             stringField(generic, "object", "chat.completion"),
		Created:            int64Field(generic, "created", 0),
		Model:              stringField(generic, "model", ""),
		SystemFingerprint:  stringField(generic, "system_fingerprint", ""),
	}

	rawChoices, _ := generic["choices"].([]any)

	for i, rc := range rawChoices {
		choiceMap, ok := rc.(map[string]any)
		if !ok {
			continue
		}

		msgMap, _ := choiceMap["message"].(map[string]any)

		choice := Choice{
			Index: i,
			Message: Message{
				Role:    stringField(msgMap, "role", "assistant"),
				Content: stringField(msgMap, "content", ""),
			},
			FinishReason: stringField(choiceMap, "finish_reason", "unknown"),
		}

		resp.Choices = append(resp.Choices, choice)
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: ErrParse, Err: fmt.Errorf("no recoverable choices in response")}
	}

	if usageMap, ok := generic["usage"].(map[string]any); ok {
		resp.Usage = Usage{
			PromptTokens:     intField(usageMap, "prompt_tokens", 0),
			CompletionTokens: intField(usageMap, "completion_tokens", 0),
			TotalTokens:      intField(usageMap, "total_tokens", 0),
		}
	}

	return resp, nil
}

func stringField(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}

	if v, ok := m[key].(string); ok {
		return v
	}

	return def
}

func int64Field(m map[string]any, key string, def int64) int64 {
	if m == nil {
		return def
	}

	if v, ok := m[key].(float64); ok {
		return int64(v)
	}

	return def
}

func intField(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}

	if v, ok := m[key].(float64); ok {
		return int(v)
	}

	return def
}
