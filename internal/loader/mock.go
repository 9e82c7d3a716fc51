package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// MockLoader serves the mock and simple formats. It fabricates deterministic
// completions without any backend, and is the reference implementation of
// the loader contract used throughout the test suite.
type MockLoader struct {
	// TokenDelay inserts an artificial pause between streamed tokens.
	TokenDelay time.Duration
	// Respond overrides the canned completion when set.
	Respond func(prompt string, opts domain.Options) string
	// FailLoad makes Load fail for matching descriptor IDs.
	FailLoad map[string]error
	// FailGenerate makes every invocation on matching IDs fail.
	FailGenerate map[string]error

	mu      sync.Mutex
	handles map[string]*mockHandle

	loadCount atomic.Int64
}

// NewMockLoader returns a mock loader with no artificial latency.
func NewMockLoader() *MockLoader {
	return &MockLoader{handles: make(map[string]*mockHandle)}
}

// Supports accepts mock and simple descriptors.
func (l *MockLoader) Supports(d domain.Descriptor) bool {
	return d.Format == domain.FormatMock || d.Format == domain.FormatSimple
}

// Load constructs (or returns the existing) handle for d.
func (l *MockLoader) Load(_ context.Context, d domain.Descriptor) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.handles[d.ID]; ok && h.state.Load() == int32(StateLoaded) {
		return h, nil
	}
	if err, ok := l.FailLoad[d.ID]; ok {
		return nil, err
	}
	l.loadCount.Add(1)
	h := &mockHandle{loader: l, desc: d, loadedAt: time.Now()}
	h.state.Store(int32(StateLoaded))
	l.handles[d.ID] = h
	return h, nil
}

// Unload closes the handle and forgets it.
func (l *MockLoader) Unload(h Handle) error {
	mh, ok := h.(*mockHandle)
	if !ok {
		return domain.E(domain.KindInternal, "mock loader cannot unload a foreign handle")
	}
	l.mu.Lock()
	delete(l.handles, mh.desc.ID)
	l.mu.Unlock()
	return mh.Close()
}

// LoadCount reports how many fresh loads have happened (idempotent re-loads
// excluded). Test hook.
func (l *MockLoader) LoadCount() int64 { return l.loadCount.Load() }

type mockHandle struct {
	loader   *MockLoader
	desc     domain.Descriptor
	loadedAt time.Time
	state    atomic.Int32
}

func (h *mockHandle) Info() Info {
	s := State(h.state.Load())
	return Info{Descriptor: h.desc, State: s, StateLabel: s.String(), LoadedAt: h.loadedAt}
}

func (h *mockHandle) Close() error {
	h.state.Store(int32(StateUnloaded))
	return nil
}

func (h *mockHandle) checkLive() error {
	if State(h.state.Load()) != StateLoaded {
		return domain.Ef(domain.KindPermanentBackend, "model %q is not loaded", h.desc.ID)
	}
	if err, ok := h.loader.FailGenerate[h.desc.ID]; ok {
		return err
	}
	return nil
}

func (h *mockHandle) completion(prompt string, opts domain.Options) string {
	if h.loader.Respond != nil {
		return h.loader.Respond(prompt, opts)
	}
	return fmt.Sprintf("[%s] response to: %s", h.desc.ID, strings.TrimSpace(prompt))
}

func (h *mockHandle) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Result, error) {
	if err := h.checkLive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.FromContextErr(err)
	}
	started := time.Now()
	text := h.completion(prompt, opts)
	words := strings.Fields(text)
	if opts.MaxTokens > 0 && len(words) > opts.MaxTokens {
		words = words[:opts.MaxTokens]
		text = strings.Join(words, " ")
	}
	usage := domain.Usage{
		PromptTokens:     domain.EstimateTokens(prompt),
		CompletionTokens: len(words),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return &domain.Result{
		Text:      text,
		Tokens:    len(words),
		LatencyMs: time.Since(started).Milliseconds(),
		ModelID:   h.desc.ID,
		Usage:     usage,
	}, nil
}

func (h *mockHandle) Stream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	if err := requireStreaming(h.desc); err != nil {
		return nil, err
	}
	if err := h.checkLive(); err != nil {
		return nil, err
	}
	text := h.completion(prompt, opts)
	words := strings.Fields(text)
	if opts.MaxTokens > 0 && len(words) > opts.MaxTokens {
		words = words[:opts.MaxTokens]
	}
	ch := make(chan domain.Chunk)
	go func() {
		defer close(ch)
		for i, w := range words {
			if h.loader.TokenDelay > 0 {
				select {
				case <-time.After(h.loader.TokenDelay):
				case <-ctx.Done():
					return
				}
			}
			delta := w
			if i < len(words)-1 {
				delta += " "
			}
			select {
			case ch <- domain.Chunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		usage := domain.Usage{
			PromptTokens:     domain.EstimateTokens(prompt),
			CompletionTokens: len(words),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		select {
		case ch <- domain.Chunk{Done: true, Usage: &usage}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
