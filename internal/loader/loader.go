// Package loader turns model descriptors into live inference handles.
//
// A Loader is parameterized by one format tag. Production loaders (gguf
// subprocess, API providers, child-process workers, ONNX graphs) implement
// the same contract as the mock used in tests; nothing downstream branches
// on fidelity.
package loader

import (
	"context"
	"runtime"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// State is the lifecycle state of a handle. Transitions are monotonic
// within one load attempt; a fresh attempt restarts from StateLoading.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
)

// String returns a human-readable state label.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Info is a point-in-time snapshot of a handle.
type Info struct {
	Descriptor domain.Descriptor `json:"descriptor"`
	State      State             `json:"-"`
	StateLabel string            `json:"state"`
	LoadedAt   time.Time         `json:"loaded_at,omitzero"`
}

// Handle is a live, invocable model. The registry owns handles; the
// pipeline borrows one for the duration of a single request.
type Handle interface {
	// Generate produces a synchronous completion honoring opts.
	Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Result, error)

	// Stream produces a finite sequence of chunks. The consumer may abandon
	// the channel at any point by cancelling ctx; per-request resources are
	// released either way. Fails with CapabilityUnavailable at creation
	// time when the model does not carry the streaming capability.
	Stream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error)

	// Info returns a descriptor snapshot and the current state.
	Info() Info

	// Close releases all backend resources. Idempotent; safe in any state.
	Close() error
}

// Loader binds descriptors of one format to handles.
type Loader interface {
	// Supports reports whether this loader can serve the descriptor. Pure.
	Supports(d domain.Descriptor) bool

	// Load performs preflight and constructs backend state. Idempotent:
	// loading an already-loaded descriptor returns the same handle.
	Load(ctx context.Context, d domain.Descriptor) (Handle, error)

	// Unload releases the handle's resources. Idempotent; safe in any state.
	Unload(h Handle) error
}

// Defaults are daemon-wide inference parameters applied when a descriptor
// leaves them unset.
type Defaults struct {
	MaxThreads  int // daemon-wide thread cap; 0 = host budget
	ContextSize int
	BatchSize   int
}

// Threads resolves the thread count for one model. Always clamped to
// max(1, cpuCount-1), and to MaxThreads when that is tighter.
func (d Defaults) Threads(requested int) int {
	limit := max(1, runtime.NumCPU()-1)
	if d.MaxThreads > 0 && d.MaxThreads < limit {
		limit = d.MaxThreads
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

// ContextTokens resolves a model's context window.
func (d Defaults) ContextTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	if d.ContextSize > 0 {
		return d.ContextSize
	}
	return 2048
}

// Batch resolves a model's batch size.
func (d Defaults) Batch(requested int) int {
	if requested > 0 {
		return requested
	}
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return 8
}

// requireStreaming gates Stream on the streaming capability tag.
func requireStreaming(d domain.Descriptor) error {
	if !d.HasCapability(domain.CapStreaming) {
		return domain.Ef(domain.KindCapabilityUnavailable, "model %q does not support streaming", d.ID)
	}
	return nil
}

// collectStream drains a chunk channel into a Result. Shared by loaders
// whose backends are streaming-native. A channel that closes before its
// Done chunk means the backend died mid-generation and is an error, never
// an empty success.
func collectStream(ctx context.Context, modelID, prompt string, ch <-chan domain.Chunk, started time.Time) (*domain.Result, error) {
	var text string
	tokens := 0
	var usage *domain.Usage
	completed := false
	for {
		select {
		case <-ctx.Done():
			return nil, domain.FromContextErr(ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				if !completed {
					return nil, domain.Ef(domain.KindTransientBackend,
						"model %q stream ended without completion", modelID)
				}
				res := &domain.Result{
					Text:      text,
					Tokens:    tokens,
					LatencyMs: time.Since(started).Milliseconds(),
					ModelID:   modelID,
				}
				if usage != nil {
					res.Usage = *usage
				} else {
					res.Usage = domain.Usage{
						PromptTokens:     domain.EstimateTokens(prompt),
						CompletionTokens: tokens,
					}
					res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
				}
				return res, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			text += chunk.Delta
			if chunk.Delta != "" {
				tokens++
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Done {
				completed = true
			}
		}
	}
}
