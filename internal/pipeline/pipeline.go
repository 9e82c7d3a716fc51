// Package pipeline runs a request through its fixed stage order: validate,
// authorize, route, cache lookup, invoke (with fallback), cache store,
// accounting. Streaming requests share every stage except the cache, which
// only ever holds complete results.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/cache"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/router"
)

// AuthorizeFunc is the pluggable authorization hook. A nil hook admits
// every request.
type AuthorizeFunc func(ctx context.Context, req domain.Request) error

// Pipeline executes requests end to end.
type Pipeline struct {
	reg          *registry.Registry
	rt           *router.Router
	cache        *cache.Cache // nil = caching disabled
	authorize    AuthorizeFunc
	maxFallbacks int
	clock        domain.Clock
	log          zerolog.Logger
}

// Options configures a Pipeline.
type Options struct {
	Cache        *cache.Cache
	Authorize    AuthorizeFunc
	MaxFallbacks int // extra candidates tried after the primary
	Clock        domain.Clock
}

// New builds a pipeline.
func New(reg *registry.Registry, rt *router.Router, opts Options, log zerolog.Logger) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.MaxFallbacks < 0 {
		opts.MaxFallbacks = 0
	}
	return &Pipeline{
		reg:          reg,
		rt:           rt,
		cache:        opts.Cache,
		authorize:    opts.Authorize,
		maxFallbacks: opts.MaxFallbacks,
		clock:        opts.Clock,
		log:          log.With().Str("component", "pipeline").Logger(),
	}
}

// Execute runs a batched request.
func (p *Pipeline) Execute(ctx context.Context, req domain.Request) (*domain.Result, error) {
	if err := p.validate(req); err != nil {
		return nil, p.fail("", err)
	}
	if p.authorize != nil {
		if err := p.authorize(ctx, req); err != nil {
			return nil, p.fail("", err)
		}
	}

	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	candidates, err := p.rt.Select(ctx, req)
	if err != nil {
		return nil, p.fail("", err)
	}

	prompt := req.EffectivePrompt()
	opts := req.Options

	// Deterministic requests go through the cache: a hit short-circuits,
	// and concurrent identical misses share one build.
	if p.cache != nil && opts.Deterministic() {
		fp := cache.Compute(candidates[0].Descriptor.ID, prompt, opts)
		if hit, ok := p.cache.Get(fp); ok {
			hit.Cached = true
			return &hit, nil
		}
		res, err := p.cache.BuildOnce(ctx, fp, func(buildCtx context.Context) (*domain.Result, error) {
			return p.invokeChain(buildCtx, candidates, prompt, opts)
		})
		if err != nil {
			return nil, p.fail("", err)
		}
		p.cache.Put(fp, *res)
		return res, nil
	}

	res, err := p.invokeChain(ctx, candidates, prompt, opts)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExecuteStream runs a streaming request. Fallback applies only until the
// first chunk source is established; an error mid-stream ends the sequence.
// The chosen model's ID is returned alongside the channel.
func (p *Pipeline) ExecuteStream(ctx context.Context, req domain.Request) (<-chan domain.Chunk, string, error) {
	req.Options.Stream = true
	if err := p.validate(req); err != nil {
		return nil, "", p.fail("", err)
	}
	if p.authorize != nil {
		if err := p.authorize(ctx, req); err != nil {
			return nil, "", p.fail("", err)
		}
	}

	metrics.RequestsInFlight.Inc()

	candidates, err := p.rt.Select(ctx, req)
	if err != nil {
		metrics.RequestsInFlight.Dec()
		return nil, "", p.fail("", err)
	}

	prompt := req.EffectivePrompt()
	opts := req.Options

	var attempts []domain.Attempt
	for i, cand := range p.limit(candidates) {
		id := cand.Descriptor.ID
		if i > 0 {
			metrics.FallbacksTotal.WithLabelValues(id).Inc()
		}

		lease, err := p.reg.Borrow(ctx, id)
		if err != nil {
			p.rt.Report(id, err)
			if !domain.Retryable(err) {
				metrics.RequestsInFlight.Dec()
				return nil, "", p.fail(id, err)
			}
			attempts = append(attempts, domain.Attempt{ModelID: id, Cause: err.Error()})
			continue
		}

		ch, err := lease.Handle().Stream(ctx, prompt, opts)
		if err != nil {
			lease.Release()
			p.rt.Report(id, err)
			p.reg.RecordResult(id, nil, err)
			if !domain.Retryable(err) {
				metrics.RequestsInFlight.Dec()
				return nil, "", p.fail(id, err)
			}
			attempts = append(attempts, domain.Attempt{ModelID: id, Cause: err.Error()})
			continue
		}
		return p.accountStream(ctx, id, lease, ch), id, nil
	}

	metrics.RequestsInFlight.Dec()
	return nil, "", p.fail("", domain.NoViable(attempts))
}

// ─── Stages ─────────────────────────────────────────────────────────────────

func (p *Pipeline) validate(req domain.Request) error {
	if req.Prompt == "" && len(req.Messages) == 0 {
		return domain.E(domain.KindValidation, "request needs a prompt or messages")
	}
	if req.Strategy != "" && !req.Strategy.Valid() {
		return domain.Ef(domain.KindValidation, "unknown routing strategy %q", req.Strategy)
	}
	if req.Strategy == domain.StrategyExplicit && req.ModelID == "" {
		return domain.E(domain.KindValidation, "explicit strategy requires model_id")
	}
	return req.Options.Validate()
}

// limit caps the candidate list at primary + maxFallbacks.
func (p *Pipeline) limit(candidates []registry.View) []registry.View {
	n := 1 + p.maxFallbacks
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// invokeChain tries candidates in order until one succeeds. Non-retryable
// failures stop the chain immediately; exhaustion aggregates every cause.
func (p *Pipeline) invokeChain(ctx context.Context, candidates []registry.View, prompt string, opts domain.Options) (*domain.Result, error) {
	var attempts []domain.Attempt
	for i, cand := range p.limit(candidates) {
		id := cand.Descriptor.ID
		if i > 0 {
			metrics.FallbacksTotal.WithLabelValues(id).Inc()
			p.log.Debug().Str("model", id).Int("attempt", i+1).Msg("falling back")
		}

		res, err := p.invoke(ctx, id, prompt, opts)
		p.rt.Report(id, err)
		p.reg.RecordResult(id, res, err)
		if err == nil {
			metrics.RequestLatency.WithLabelValues(id).Observe(float64(res.LatencyMs) / 1000)
			return res, nil
		}
		if !domain.Retryable(err) {
			return nil, p.fail(id, err)
		}
		attempts = append(attempts, domain.Attempt{ModelID: id, Cause: err.Error()})
	}
	return nil, p.fail("", domain.NoViable(attempts))
}

// invoke borrows the model and runs one generation, honoring the
// per-request timeout.
func (p *Pipeline) invoke(ctx context.Context, id, prompt string, opts domain.Options) (*domain.Result, error) {
	lease, err := p.reg.Borrow(ctx, id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return lease.Handle().Generate(ctx, prompt, opts)
}

// accountStream relays chunks, then releases the lease and folds the
// completed stream into the model's counters. Consumer abandonment (ctx
// cancel) releases the same way.
func (p *Pipeline) accountStream(ctx context.Context, id string, lease *registry.Lease, in <-chan domain.Chunk) <-chan domain.Chunk {
	out := make(chan domain.Chunk, 64)
	started := p.clock.Now()
	go func() {
		defer close(out)
		defer metrics.RequestsInFlight.Dec()
		defer lease.Release()

		var tokens int
		var usage *domain.Usage
		completed := false

		// partial builds a result from whatever was relayed so far, so
		// abandonment still accounts the tokens the consumer received.
		partial := func() *domain.Result {
			res := &domain.Result{
				Tokens:    tokens,
				LatencyMs: p.clock.Now().Sub(started).Milliseconds(),
				ModelID:   id,
			}
			if usage != nil {
				res.Usage = *usage
			} else {
				res.Usage = domain.Usage{CompletionTokens: tokens, TotalTokens: tokens}
			}
			return res
		}
		abort := func(err error) {
			p.rt.Report(id, err)
			p.reg.RecordResult(id, partial(), err)
		}

		for {
			select {
			case <-ctx.Done():
				abort(domain.FromContextErr(ctx.Err()))
				return
			case chunk, ok := <-in:
				if !ok {
					if !completed {
						abort(domain.E(domain.KindTransientBackend, "stream ended without completion"))
						return
					}
					res := partial()
					p.rt.Report(id, nil)
					p.reg.RecordResult(id, res, nil)
					metrics.RequestLatency.WithLabelValues(id).Observe(float64(res.LatencyMs) / 1000)
					return
				}
				if chunk.Err != nil {
					abort(chunk.Err)
					return
				}
				if chunk.Delta != "" {
					tokens++
				}
				if chunk.Usage != nil {
					usage = chunk.Usage
				}
				if chunk.Done {
					completed = true
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					abort(domain.FromContextErr(ctx.Err()))
					return
				}
			}
		}
	}()
	return out
}

// fail stamps the error counter and returns err unchanged.
func (p *Pipeline) fail(modelID string, err error) error {
	metrics.RequestErrors.WithLabelValues(domain.KindOf(err).String()).Inc()
	if modelID != "" {
		p.log.Debug().Str("model", modelID).Err(err).Msg("request failed")
	}
	return err
}
