package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// ─── API provider loader ────────────────────────────────────────────────────
// Serves api and hf descriptors by proxying to hosted inference providers.
// Three wire formats: openai, anthropic, openai-compatible (self-hosted
// gateways, HF endpoints). Credentials come from the env var named by the
// descriptor's provider config; they are resolved at load time and never
// journaled.

const (
	providerOpenAI     = "openai"
	providerAnthropic  = "anthropic"
	providerCompatible = "openai-compatible"

	anthropicVersion = "2023-06-01"
)

// APILoader builds handles that talk to hosted providers over HTTPS.
type APILoader struct {
	client *http.Client
	log    zerolog.Logger

	mu       sync.Mutex
	handles  map[string]*apiHandle
	limiters map[string]*rate.Limiter // keyed by provider base URL
}

// NewAPILoader returns a loader sharing one HTTP client across providers.
func NewAPILoader(log zerolog.Logger) *APILoader {
	return &APILoader{
		client:   &http.Client{Timeout: 5 * time.Minute},
		log:      log.With().Str("loader", "api").Logger(),
		handles:  make(map[string]*apiHandle),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Supports accepts api and hf descriptors carrying a provider config.
func (l *APILoader) Supports(d domain.Descriptor) bool {
	return (d.Format == domain.FormatAPI || d.Format == domain.FormatHF) && d.Provider != nil
}

// Load resolves the provider credential and endpoint. No connection is made;
// hosted providers are stateless per request.
func (l *APILoader) Load(_ context.Context, d domain.Descriptor) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.handles[d.ID]; ok && !h.closed.Load() {
		return h, nil
	}

	p := d.Provider
	if p == nil {
		return nil, domain.Ef(domain.KindValidation, "model %q has no provider config", d.ID)
	}

	baseURL, err := providerBaseURL(p)
	if err != nil {
		return nil, err
	}

	var key string
	if p.AuthEnv != "" {
		key = os.Getenv(p.AuthEnv)
		if key == "" {
			return nil, domain.Ef(domain.KindCapabilityUnavailable,
				"credential env %s for model %q is unset", p.AuthEnv, d.ID)
		}
	} else if p.Kind == providerOpenAI || p.Kind == providerAnthropic {
		return nil, domain.Ef(domain.KindCapabilityUnavailable,
			"provider %q requires auth_env on model %q", p.Kind, d.ID)
	}

	h := &apiHandle{
		loader:   l,
		desc:     d,
		kind:     p.Kind,
		baseURL:  baseURL,
		apiKey:   key,
		upstream: upstreamModel(d),
		limiter:  l.limiterFor(baseURL, p.RequestsPerMin),
		cost:     p.CostPerMTokens,
		loadedAt: time.Now(),
	}
	l.handles[d.ID] = h
	return h, nil
}

// Unload forgets the handle. Nothing to tear down server-side.
func (l *APILoader) Unload(h Handle) error {
	ah, ok := h.(*apiHandle)
	if !ok {
		return domain.E(domain.KindInternal, "api loader cannot unload a foreign handle")
	}
	l.mu.Lock()
	delete(l.handles, ah.desc.ID)
	l.mu.Unlock()
	return ah.Close()
}

// limiterFor shares one token bucket per provider endpoint so multiple
// models on the same account respect a combined budget. Caller holds l.mu.
func (l *APILoader) limiterFor(baseURL string, rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	if lim, ok := l.limiters[baseURL]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	l.limiters[baseURL] = lim
	return lim
}

func providerBaseURL(p *domain.ProviderConfig) (string, error) {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/"), nil
	}
	switch p.Kind {
	case providerOpenAI:
		return "https://api.openai.com/v1", nil
	case providerAnthropic:
		return "https://api.anthropic.com", nil
	case providerCompatible:
		return "", domain.E(domain.KindValidation, "openai-compatible provider requires base_url")
	default:
		return "", domain.Ef(domain.KindValidation, "unknown provider kind %q", p.Kind)
	}
}

// upstreamModel picks the provider-side model name: first allowed model if
// pinned, else the descriptor source minus any scheme prefix.
func upstreamModel(d domain.Descriptor) string {
	if d.Provider != nil && len(d.Provider.Models) > 0 {
		return d.Provider.Models[0]
	}
	src := d.Source
	for _, prefix := range []string{"hf:", "huggingface:", "api:"} {
		src = strings.TrimPrefix(src, prefix)
	}
	return src
}

// ─── Handle ─────────────────────────────────────────────────────────────────

type apiHandle struct {
	loader   *APILoader
	desc     domain.Descriptor
	kind     string
	baseURL  string
	apiKey   string
	upstream string
	limiter  *rate.Limiter
	cost     float64
	loadedAt time.Time
	closed   atomic.Bool
}

func (h *apiHandle) Info() Info {
	s := StateLoaded
	if h.closed.Load() {
		s = StateUnloaded
	}
	return Info{Descriptor: h.desc, State: s, StateLabel: s.String(), LoadedAt: h.loadedAt}
}

func (h *apiHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *apiHandle) wait(ctx context.Context) error {
	if h.closed.Load() {
		return domain.Ef(domain.KindPermanentBackend, "model %q is closed", h.desc.ID)
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return domain.FromContextErr(err)
		}
	}
	return nil
}

// annotateCost stamps the per-request spend into result metadata.
func (h *apiHandle) annotateCost(res *domain.Result) {
	if h.cost <= 0 {
		return
	}
	usd := h.cost * float64(res.Usage.TotalTokens) / 1e6
	if res.Metadata == nil {
		res.Metadata = make(map[string]string, 2)
	}
	res.Metadata["cost_usd"] = strconv.FormatFloat(usd, 'f', 6, 64)
	res.Metadata["provider"] = h.kind
}

func (h *apiHandle) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Result, error) {
	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	started := time.Now()

	var (
		text  string
		usage domain.Usage
		err   error
	)
	switch h.kind {
	case providerAnthropic:
		text, usage, err = h.anthropicComplete(ctx, prompt, opts)
	default:
		text, usage, err = h.openaiComplete(ctx, prompt, opts)
	}
	if err != nil {
		return nil, err
	}

	res := &domain.Result{
		Text:      text,
		Tokens:    usage.CompletionTokens,
		LatencyMs: time.Since(started).Milliseconds(),
		ModelID:   h.desc.ID,
		Usage:     usage,
	}
	h.annotateCost(res)
	return res, nil
}

func (h *apiHandle) Stream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	if err := requireStreaming(h.desc); err != nil {
		return nil, err
	}
	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	switch h.kind {
	case providerAnthropic:
		return h.anthropicStream(ctx, prompt, opts)
	default:
		return h.openaiStream(ctx, prompt, opts)
	}
}

// ─── OpenAI wire format ─────────────────────────────────────────────────────

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *apiHandle) openaiBody(prompt string, opts domain.Options, stream bool) map[string]any {
	var msgs []openaiMessage
	if opts.SystemPrompt != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: opts.SystemPrompt})
	}
	msgs = append(msgs, openaiMessage{Role: "user", Content: prompt})

	body := map[string]any{
		"model":       h.upstream,
		"messages":    msgs,
		"max_tokens":  opts.MaxTokens,
		"temperature": opts.Temperature,
		"top_p":       opts.TopP,
		"stream":      stream,
	}
	if len(opts.StopStrings) > 0 {
		body["stop"] = opts.StopStrings
	}
	return body
}

func (h *apiHandle) openaiRequest(ctx context.Context, body map[string]any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "marshal provider request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	return h.send(req)
}

func (h *apiHandle) openaiComplete(ctx context.Context, prompt string, opts domain.Options) (string, domain.Usage, error) {
	resp, err := h.openaiRequest(ctx, h.openaiBody(prompt, opts, false))
	if err != nil {
		return "", domain.Usage{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.Usage{}, domain.WrapErr(domain.KindTransientBackend, "decode provider response", err)
	}
	if len(out.Choices) == 0 {
		return "", domain.Usage{}, domain.E(domain.KindTransientBackend, "provider returned no choices")
	}
	usage := domain.Usage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return out.Choices[0].Message.Content, usage, nil
}

func (h *apiHandle) openaiStream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	resp, err := h.openaiRequest(ctx, h.openaiBody(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.Chunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		completion := 0

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				usage := domain.Usage{
					PromptTokens:     domain.EstimateTokens(prompt),
					CompletionTokens: completion,
				}
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				select {
				case ch <- domain.Chunk{Done: true, Usage: &usage}:
				case <-ctx.Done():
				}
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
					FinishReason *string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
				continue
			}
			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			completion++
			select {
			case ch <- domain.Chunk{Delta: content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ─── Anthropic wire format ──────────────────────────────────────────────────

func (h *apiHandle) anthropicBody(prompt string, opts domain.Options, stream bool) map[string]any {
	body := map[string]any{
		"model":      h.upstream,
		"max_tokens": opts.MaxTokens,
		"messages": []openaiMessage{
			{Role: "user", Content: prompt},
		},
		"temperature": opts.Temperature,
		"top_p":       opts.TopP,
		"stream":      stream,
	}
	if opts.SystemPrompt != "" {
		body["system"] = opts.SystemPrompt
	}
	if opts.TopK > 0 {
		body["top_k"] = opts.TopK
	}
	if len(opts.StopStrings) > 0 {
		body["stop_sequences"] = opts.StopStrings
	}
	return body
}

func (h *apiHandle) anthropicRequest(ctx context.Context, body map[string]any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "marshal provider request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", h.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return h.send(req)
}

func (h *apiHandle) anthropicComplete(ctx context.Context, prompt string, opts domain.Options) (string, domain.Usage, error) {
	resp, err := h.anthropicRequest(ctx, h.anthropicBody(prompt, opts, false))
	if err != nil {
		return "", domain.Usage{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.Usage{}, domain.WrapErr(domain.KindTransientBackend, "decode provider response", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := domain.Usage{
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	return text.String(), usage, nil
}

func (h *apiHandle) anthropicStream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	resp, err := h.anthropicRequest(ctx, h.anthropicBody(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.Chunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var usage domain.Usage
		usage.PromptTokens = domain.EstimateTokens(prompt)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
				Usage struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text == "" {
					continue
				}
				usage.CompletionTokens++
				select {
				case ch <- domain.Chunk{Delta: ev.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			case "message_start":
				if ev.Usage.InputTokens > 0 {
					usage.PromptTokens = ev.Usage.InputTokens
				}
			case "message_stop":
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				select {
				case ch <- domain.Chunk{Done: true, Usage: &usage}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return ch, nil
}

// ─── Transport ──────────────────────────────────────────────────────────────

// send executes the request and maps provider status codes onto the error
// taxonomy: auth and client errors are permanent, throttling is busy, and
// server errors are transient (eligible for fallback).
func (h *apiHandle) send(req *http.Request) (*http.Response, error) {
	resp, err := h.loader.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, domain.FromContextErr(ctxErr)
		}
		return nil, domain.WrapErr(domain.KindTransientBackend, "provider request", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	msg := fmt.Sprintf("provider %s returned %d: %s", h.kind, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.E(domain.KindBusy, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, domain.E(domain.KindPermanentBackend, msg)
	case resp.StatusCode >= 500:
		return nil, domain.E(domain.KindTransientBackend, msg)
	default:
		return nil, domain.E(domain.KindPermanentBackend, msg)
	}
}
