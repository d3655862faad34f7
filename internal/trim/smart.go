package trim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/selector"
	"github.com/looplj/cacheproxy/internal/tokens"
	"github.com/looplj/cacheproxy/internal/upstream"
)

// Config is the context_trim.* configuration surface.
type Config struct {
	Enabled               bool
	MaxContextTokens      int
	SmartEnabled          bool
	SmartMaxTokens        int
	PerMessageOverhead    int
	MinKeepPairs          int
	SummaryAggressiveness int
	SummaryMode           string // "local" or "api"
}

// SummaryAPIConfig is the context_trim.summary_api.* configuration surface.
type SummaryAPIConfig struct {
	Enabled        bool
	Endpoints      []selector.Endpoint
	APIKeyEnv      string
	MaxTokens      int
	Temperature    float64
	TimeoutSeconds int
}

func (c Config) minKeepPairs() int {
	if c.MinKeepPairs < 1 {
		return 1
	}

	return c.MinKeepPairs
}

// Smart summarizes every non-protected message to shrink the total towards
// SmartMaxTokens, rather than dropping messages outright. Protected messages
// (system/prompt, the final message, and the last MinKeepPairs pairs) are
// never summarized and never shrunk by the escalation passes; only
// non-protected messages are cut further while the total is over budget.
func Smart(
	ctx context.Context,
	messages []upstream.Message,
	cfg Config,
	summaryCfg SummaryAPIConfig,
	est *tokens.Estimator,
	client *upstream.Client,
	apiEndpoints *selector.Selector,
	apiHeaders map[string]string,
) []upstream.Message {
	n := len(messages)
	if n == 0 {
		return nil
	}

	pairs := findPairs(messages)
	protected := computeProtected(messages, pairs, cfg.minKeepPairs())

	output := make([]upstream.Message, n)
	copy(output, messages)

	tokenCache := make([]int, n)
	for i, m := range messages {
		tokenCache[i] = est.Estimate(m.Content) + cfg.PerMessageOverhead
	}

	inPair := make([]bool, n)
	for _, p := range pairs {
		inPair[p.user] = true
		inPair[p.assistant] = true
	}

	type job struct {
		idx    int
		target int
	}

	var jobs []job

	for i := range messages {
		if protected[i] {
			continue
		}

		importance := importanceScore(n, i, messages[i].Role, len([]rune(messages[i].Content)), inPair[i])
		target := targetLength(importance, cfg.SummaryAggressiveness, messages[i].Role, len([]rune(messages[i].Content)))
		jobs = append(jobs, job{idx: i, target: target})
	}

	if len(jobs) > 0 {
		results := make([]string, n)

		g, gctx := errgroup.WithContext(ctx)

		for _, j := range jobs {
			j := j

			g.Go(func() error {
				results[j.idx] = summarizeOne(gctx, messages[j.idx].Content, j.target, cfg, summaryCfg, client, apiEndpoints, apiHeaders)
				return nil
			})
		}

		_ = g.Wait()

		for _, j := range jobs {
			output[j.idx].Content = results[j.idx]
			tokenCache[j.idx] = est.Estimate(output[j.idx].Content) + cfg.PerMessageOverhead
		}
	}

	current := sumInts(tokenCache)

	if current > cfg.SmartMaxTokens {
		for i := 0; i < n; i++ {
			if i == n-1 && strings.EqualFold(messages[i].Role, "assistant") {
				continue
			}

			if strings.EqualFold(messages[i].Role, "system") {
				continue
			}

			if protected[i] {
				continue
			}

			ratio := 0.1 + 0.4*float64(n-i)/float64(n)
			runes := []rune(output[i].Content)
			keepLen := int(math.Max(8, float64(len(runes))*ratio))

			if keepLen < len(runes) {
				output[i].Content = string(runes[:keepLen])
			}

			tokenCache[i] = est.Estimate(output[i].Content) + cfg.PerMessageOverhead
			current = sumInts(tokenCache)

			if current <= cfg.SmartMaxTokens {
				break
			}
		}
	}

	if current > cfg.SmartMaxTokens {
		for i := 0; i < n; i++ {
			if i == n-1 && strings.EqualFold(messages[i].Role, "assistant") {
				continue
			}

			if strings.EqualFold(messages[i].Role, "system") {
				continue
			}

			if protected[i] {
				continue
			}

			limit := 5
			if strings.EqualFold(messages[i].Role, "assistant") {
				limit = 10
			}

			runes := []rune(output[i].Content)
			if len(runes) > limit {
				output[i].Content = string(runes[:limit])
			}

			tokenCache[i] = est.Estimate(output[i].Content) + cfg.PerMessageOverhead
			current = sumInts(tokenCache)

			if current <= cfg.SmartMaxTokens {
				break
			}
		}
	}

	return output
}

func sumInts(vs []int) int {
	total := 0
	for _, v := range vs {
		total += v
	}

	return total
}

func computeProtected(messages []upstream.Message, pairs []pair, minKeepPairs int) []bool {
	n := len(messages)
	protected := make([]bool, n)

	for i, m := range messages {
		if isPromptOrSystem(m.Role) {
			protected[i] = true
		}
	}

	if n > 0 {
		protected[n-1] = true
	}

	keepFrom := len(pairs) - minKeepPairs
	if keepFrom < 0 {
		keepFrom = 0
	}

	for _, p := range pairs[keepFrom:] {
		protected[p.user] = true
		protected[p.assistant] = true
	}

	return protected
}

func roleScore(role string) float64 {
	switch {
	case isPromptOrSystem(role):
		return 1.0
	case strings.EqualFold(role, "user"):
		return 0.8
	case strings.EqualFold(role, "assistant"):
		return 0.6
	default:
		return 0.4
	}
}

func roleMultiplier(role string) float64 {
	switch {
	case isPromptOrSystem(role):
		return 1.5
	case strings.EqualFold(role, "user"):
		return 1.2
	case strings.EqualFold(role, "assistant"):
		return 1.0
	default:
		return 0.8
	}
}

func lengthBand(contentLen int) float64 {
	switch {
	case contentLen < 50:
		return 0.3
	case contentLen < 500:
		return 1.0
	case contentLen < 2000:
		return 0.8
	default:
		return 0.6
	}
}

func importanceScore(n, i int, role string, contentLen int, inPair bool) float64 {
	recency := 0.4 * float64(n-i) / float64(n)
	roleWeight := 0.3 * roleScore(role)
	band := 0.2 * lengthBand(contentLen)

	score := recency + roleWeight + band
	if inPair {
		score += 0.1
	}

	return score
}

func targetLength(importance float64, aggressiveness int, role string, contentLen int) int {
	baseRatio := 0.2 + 0.6*importance
	aggrFactor := 1 - math.Min(0.1*float64(aggressiveness), 0.7)
	raw := baseRatio * aggrFactor * roleMultiplier(role) * float64(contentLen)

	minLen := 15.0
	if contentLen >= 100 {
		minLen = 30
	}

	maxLen := 300.0
	if importance > 0.7 {
		maxLen = 500
	}

	if raw < minLen {
		raw = minLen
	}

	if raw > maxLen {
		raw = maxLen
	}

	return int(raw)
}

// summarizeOne dispatches to the configured strategy, falling back to local
// truncation on any api failure.
func summarizeOne(
	ctx context.Context,
	content string,
	targetChars int,
	cfg Config,
	summaryCfg SummaryAPIConfig,
	client *upstream.Client,
	apiEndpoints *selector.Selector,
	apiHeaders map[string]string,
) string {
	if !strings.EqualFold(cfg.SummaryMode, "api") || !summaryCfg.Enabled {
		return localSummarize(content, targetChars)
	}

	endpoint, ok := pickSummaryEndpoint(summaryCfg, apiEndpoints)
	if !ok {
		return localSummarize(content, targetChars)
	}

	result, err := summarizeWithAPI(ctx, content, endpoint, summaryCfg, client, apiHeaders)
	if err != nil {
		log.Warn(ctx, "summary api request failed, falling back to local", log.Cause(err))
		return localSummarize(content, targetChars)
	}

	return result
}

func pickSummaryEndpoint(summaryCfg SummaryAPIConfig, apiEndpoints *selector.Selector) (selector.Endpoint, bool) {
	if len(summaryCfg.Endpoints) > 0 {
		sel, err := selector.New(summaryCfg.Endpoints)
		if err != nil {
			return selector.Endpoint{}, false
		}

		return sel.Pick(), true
	}

	if apiEndpoints != nil {
		return apiEndpoints.Pick(), true
	}

	return selector.Endpoint{}, false
}

func summarizeWithAPI(
	ctx context.Context,
	content string,
	endpoint selector.Endpoint,
	summaryCfg SummaryAPIConfig,
	client *upstream.Client,
	apiHeaders map[string]string,
) (string, error) {
	prompt := "Summarize the following text, preserving its core meaning, matching " +
		"the input language, and returning only the condensed text with no " +
		"explanation:\n" + content

	model := "gpt-3.5-turbo"
	if endpoint.Name != "" {
		model = endpoint.Name
	}

	payload := upstream.ChatRequest{
		Model: model,
		Messages: []upstream.Message{
			{Role: "user", Content: prompt},
		},
		Temperature: summaryCfg.Temperature,
		MaxTokens:   summaryCfg.MaxTokens,
		Stream:      false,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal summary request: %w", err)
	}

	headers := upstream.ProjectHeaders(http.Header{}, apiHeaders)
	headers.Set("X-Summary-Request", "true")

	timeout := time.Duration(summaryCfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Send(sendCtx, endpoint.BaseURL, body, headers, false, false)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("summary response had no usable content")
	}

	return resp.Choices[0].Message.Content, nil
}

// localSummarize prefers sentence-boundary truncation, then word-boundary,
// then a raw code-point cut, appending an ellipsis only when it truncated.
func localSummarize(content string, maxChars int) string {
	runes := []rune(content)
	if len(runes) <= maxChars {
		return content
	}

	window := string(runes[:maxChars])

	if cut := lastIndexAny(window, ".!?。"); cut > 0 {
		return string(runes[:cut+1])
	}

	if cut := strings.LastIndex(window, " "); cut > 0 {
		return window[:cut] + "…"
	}

	return window + "…"
}

func lastIndexAny(s string, cutset string) int {
	idx := -1

	for i, r := range s {
		if strings.ContainsRune(cutset, r) {
			idx = i
		}
	}

	if idx < 0 {
		return -1
	}

	return utf8.RuneCountInString(s[:idx])
}
