// Package router ranks registered models for each request. Selection is
// lock-free on the hot path: strategy ordering reads a score snapshot that a
// monitor goroutine republishes on an interval, and per-model circuit
// breakers veto models that have been failing.
package router

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
)

// Source is the catalog the router selects from. *registry.Registry
// implements it.
type Source interface {
	Candidates(required domain.CapabilitySet) []registry.View
	Get(id string) (registry.View, error)
}

// Config tunes selection behavior.
type Config struct {
	DefaultStrategy  domain.Strategy
	ScoreInterval    time.Duration
	BreakerWindow    int
	BreakerThreshold float64
	Cooldown         time.Duration
}

// Router selects and orders candidate models.
type Router struct {
	src   Source
	cfg   Config
	clock domain.Clock
	log   zerolog.Logger

	scores atomic.Pointer[scoreTable]
	rr     atomic.Uint64

	bmu      sync.Mutex
	breakers map[string]*breaker

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a router over the catalog.
func New(src Source, cfg Config, clock domain.Clock, log zerolog.Logger) *Router {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = domain.StrategyBalanced
	}
	if cfg.ScoreInterval <= 0 {
		cfg.ScoreInterval = 30 * time.Second
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 20
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	r := &Router{
		src:      src,
		cfg:      cfg,
		clock:    clock,
		log:      log.With().Str("component", "router").Logger(),
		breakers: make(map[string]*breaker),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.refreshScores()
	return r
}

// Start launches the score monitor goroutine.
func (r *Router) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.ScoreInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refreshScores()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the monitor. Safe to call more than once, and before Start.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		if r.started.Load() {
			<-r.done
		}
	})
}

func (r *Router) refreshScores() {
	views := r.src.Candidates(nil)
	r.scores.Store(computeScores(views, r.clock.Now()))
}

// ─── Selection ──────────────────────────────────────────────────────────────

// Select returns the request's candidates in invocation order: the first
// entry is the primary choice, the rest are fallbacks. Models with an open
// circuit are excluded. No viable model yields a NoViableModel error whose
// attempts name each exclusion.
func (r *Router) Select(_ context.Context, req domain.Request) ([]registry.View, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, domain.Ef(domain.KindValidation, "unknown routing strategy %q", strategy)
	}
	metrics.SelectionsTotal.WithLabelValues(string(strategy)).Inc()

	if strategy == domain.StrategyExplicit {
		return r.selectExplicit(req)
	}

	required := req.RequiredCapabilities()
	candidates := r.src.Candidates(required)
	if len(candidates) == 0 {
		return nil, domain.NoViable([]domain.Attempt{{
			Cause: domain.Ef(domain.KindCapabilityUnavailable,
				"no registered model satisfies capabilities %v", required).Error(),
		}})
	}

	now := r.clock.Now()
	var attempts []domain.Attempt
	open := make([]registry.View, 0, len(candidates))
	for _, v := range candidates {
		if !r.breakerFor(v.Descriptor.ID).Allow(now) {
			attempts = append(attempts, domain.Attempt{
				ModelID: v.Descriptor.ID,
				Cause:   "circuit open",
			})
			continue
		}
		open = append(open, v)
	}
	if len(open) == 0 {
		return nil, domain.NoViable(attempts)
	}

	r.order(strategy, open)
	return open, nil
}

func (r *Router) selectExplicit(req domain.Request) ([]registry.View, error) {
	if req.ModelID == "" {
		return nil, domain.E(domain.KindValidation, "explicit strategy requires model_id")
	}
	v, err := r.src.Get(req.ModelID)
	if err != nil {
		return nil, err
	}
	if required := req.RequiredCapabilities(); !v.Descriptor.Capabilities.Superset(required) {
		return nil, domain.Ef(domain.KindCapabilityUnavailable,
			"model %q does not satisfy capabilities %v", req.ModelID, required)
	}
	if !r.breakerFor(req.ModelID).Allow(r.clock.Now()) {
		return nil, domain.NoViable([]domain.Attempt{{
			ModelID: req.ModelID,
			Cause:   "circuit open",
		}})
	}
	return []registry.View{v}, nil
}

// order sorts candidates in place per strategy. Ties break deterministically:
// least recently used first, then lexicographic ID.
func (r *Router) order(strategy domain.Strategy, views []registry.View) {
	table := r.scores.Load()

	switch strategy {
	case domain.StrategyRandom:
		rand.Shuffle(len(views), func(i, j int) { views[i], views[j] = views[j], views[i] })
		return
	case domain.StrategyRoundRobin:
		sortStable(views, func(a, b registry.View) int { return 0 })
		rotate(views, int(r.rr.Add(1)-1))
		return
	case domain.StrategyLeastLoaded:
		sortStable(views, func(a, b registry.View) int {
			return compareInt64(a.InFlight, b.InFlight)
		})
		return
	case domain.StrategyCapabilityMatch:
		// Most specific model first: the fewest capabilities beyond what was
		// asked for.
		sortStable(views, func(a, b registry.View) int {
			return compareInt64(int64(len(a.Descriptor.Capabilities)), int64(len(b.Descriptor.Capabilities)))
		})
		return
	}

	key := func(v registry.View) float64 {
		s := table.lookup(v.Descriptor.ID)
		switch strategy {
		case domain.StrategyQualityFirst:
			return s.Quality
		case domain.StrategyCostOptimized:
			return s.Cost
		case domain.StrategySpeedPriority:
			return s.Speed
		default:
			return s.Blend
		}
	}
	sortStable(views, func(a, b registry.View) int {
		ka, kb := key(a), key(b)
		switch {
		case ka > kb:
			return -1
		case ka < kb:
			return 1
		default:
			return 0
		}
	})
}

// sortStable sorts by cmp, then last use ascending, then ID.
func sortStable(views []registry.View, cmp func(a, b registry.View) int) {
	sort.SliceStable(views, func(i, j int) bool {
		if c := cmp(views[i], views[j]); c != 0 {
			return c < 0
		}
		li, lj := views[i].Metrics.LastUsedAt, views[j].Metrics.LastUsedAt
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return views[i].Descriptor.ID < views[j].Descriptor.ID
	})
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func rotate(views []registry.View, n int) {
	if len(views) < 2 {
		return
	}
	n %= len(views)
	if n == 0 {
		return
	}
	rotated := append(append([]registry.View{}, views[n:]...), views[:n]...)
	copy(views, rotated)
}

// ─── Outcome feedback ───────────────────────────────────────────────────────

// Report feeds one invocation outcome into the model's circuit breaker.
// Validation and cancellation are not backend failures and do not count.
func (r *Router) Report(modelID string, err error) {
	failed := false
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindValidation, domain.KindCancelled, domain.KindNotFound:
		default:
			failed = true
		}
	}
	r.breakerFor(modelID).Record(failed, r.clock.Now())
}

// Tripped reports whether a model's circuit is currently open. Health use.
func (r *Router) Tripped(modelID string) bool {
	return r.breakerFor(modelID).Tripped(r.clock.Now())
}

func (r *Router) breakerFor(modelID string) *breaker {
	r.bmu.Lock()
	defer r.bmu.Unlock()
	b, ok := r.breakers[modelID]
	if !ok {
		b = newBreaker(modelID, r.cfg.BreakerWindow, r.cfg.BreakerThreshold, r.cfg.Cooldown)
		r.breakers[modelID] = b
	}
	return b
}
