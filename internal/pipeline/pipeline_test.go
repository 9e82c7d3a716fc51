package pipeline

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/cache"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/engine"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/loader"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/router"
)

type fixture struct {
	pipe *Pipeline
	reg  *registry.Registry
	rt   *router.Router
	mock *loader.MockLoader
}

// newFixture wires a registry, router, and pipeline over the mock loader.
// Models must be registered before the router is built so the initial score
// snapshot sees them.
func newFixture(t *testing.T, popts Options, descs ...domain.Descriptor) *fixture {
	t.Helper()
	mock := loader.NewMockLoader()
	loaders := loader.NewSet(mock)
	engines := engine.NewSelector(zerolog.Nop(), engine.NewNativeEngine())
	reg, err := registry.New(loaders, engines, registry.Options{
		JournalPath: filepath.Join(t.TempDir(), "models.json"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}

	rt := router.New(reg, router.Config{}, nil, zerolog.Nop())
	t.Cleanup(rt.Stop)

	return &fixture{
		pipe: New(reg, rt, popts, zerolog.Nop()),
		reg:  reg,
		rt:   rt,
		mock: mock,
	}
}

func desc(id string, quality float64, caps ...domain.Capability) domain.Descriptor {
	return domain.Descriptor{
		ID:           id,
		Name:         "Model " + id,
		Format:       domain.FormatMock,
		Source:       "mock://" + id,
		Capabilities: domain.NewCapabilitySet(caps...),
		Parameters:   domain.Parameters{QualityScore: quality},
	}
}

func request(prompt string) domain.Request {
	return domain.Request{Prompt: prompt, Options: domain.DefaultOptions()}
}

func TestExecuteBasic(t *testing.T) {
	f := newFixture(t, Options{}, desc("m1", 0.8))

	res, err := f.pipe.Execute(context.Background(), request("hello"))
	require.NoError(t, err)
	assert.Equal(t, "m1", res.ModelID)
	assert.Contains(t, res.Text, "hello")
	assert.False(t, res.Cached)

	v, err := f.reg.Get("m1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.Metrics.InferenceCount)
}

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t, Options{}, desc("m1", 0.8))

	_, err := f.pipe.Execute(context.Background(), domain.Request{Options: domain.DefaultOptions()})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "empty request: %v", err)

	req := request("p")
	req.Options.MaxTokens = 0
	_, err = f.pipe.Execute(context.Background(), req)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "zero max_tokens: %v", err)

	req = request("p")
	req.Strategy = domain.StrategyExplicit
	_, err = f.pipe.Execute(context.Background(), req)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "explicit without model: %v", err)
}

func TestExecuteAuthorizeHook(t *testing.T) {
	denied := domain.E(domain.KindValidation, "requester not allowed")
	f := newFixture(t, Options{
		Authorize: func(_ context.Context, req domain.Request) error {
			if req.RequesterID != "trusted" {
				return denied
			}
			return nil
		},
	}, desc("m1", 0.8))

	_, err := f.pipe.Execute(context.Background(), request("p"))
	assert.ErrorIs(t, err, denied)

	req := request("p")
	req.RequesterID = "trusted"
	_, err = f.pipe.Execute(context.Background(), req)
	assert.NoError(t, err)
}

func TestExecuteFallsBackOnTransientFailure(t *testing.T) {
	f := newFixture(t, Options{MaxFallbacks: 2},
		desc("primary", 0.9),
		desc("backup", 0.2),
	)
	f.mock.FailGenerate = map[string]error{
		"primary": domain.E(domain.KindTransientBackend, "backend hiccup"),
	}

	req := request("p")
	req.Strategy = domain.StrategyQualityFirst
	res, err := f.pipe.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "backup", res.ModelID)

	v, _ := f.reg.Get("primary")
	assert.EqualValues(t, 1, v.Metrics.ErrorCount)
}

func TestExecuteStopsOnNonRetryableFailure(t *testing.T) {
	f := newFixture(t, Options{MaxFallbacks: 2},
		desc("primary", 0.9),
		desc("backup", 0.2),
	)
	f.mock.FailGenerate = map[string]error{
		"primary": domain.E(domain.KindCancelled, "client went away"),
	}

	req := request("p")
	req.Strategy = domain.StrategyQualityFirst
	_, err := f.pipe.Execute(context.Background(), req)
	assert.True(t, domain.IsKind(err, domain.KindCancelled), "got %v", err)

	// The chain stopped before the backup.
	v, _ := f.reg.Get("backup")
	assert.EqualValues(t, 0, v.Metrics.InferenceCount)
}

func TestExecuteExhaustionAggregatesAttempts(t *testing.T) {
	f := newFixture(t, Options{MaxFallbacks: 2},
		desc("a", 0.9),
		desc("b", 0.2),
	)
	f.mock.FailGenerate = map[string]error{
		"a": domain.E(domain.KindTransientBackend, "down"),
		"b": domain.E(domain.KindTransientBackend, "also down"),
	}

	_, err := f.pipe.Execute(context.Background(), request("p"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNoViableModel))

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Attempts, 2)
	got := []string{de.Attempts[0].ModelID, de.Attempts[1].ModelID}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestExecuteMaxFallbacksLimitsChain(t *testing.T) {
	f := newFixture(t, Options{MaxFallbacks: 0},
		desc("a", 0.9),
		desc("b", 0.2),
	)
	f.mock.FailGenerate = map[string]error{
		"a": domain.E(domain.KindTransientBackend, "down"),
	}

	req := request("p")
	req.Strategy = domain.StrategyQualityFirst
	_, err := f.pipe.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNoViableModel))

	// Zero fallbacks: the healthy backup is never consulted.
	v, _ := f.reg.Get("b")
	assert.EqualValues(t, 0, v.Metrics.InferenceCount)
}

func TestExecuteDeterministicCaching(t *testing.T) {
	c, err := cache.New(64, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	f := newFixture(t, Options{Cache: c}, desc("m1", 0.8))
	var invocations atomic.Int32
	f.mock.Respond = func(string, domain.Options) string {
		invocations.Add(1)
		return "the answer"
	}

	req := request("what is six times seven?")
	req.Options.Temperature = 0

	first, err := f.pipe.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.pipe.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.EqualValues(t, 1, invocations.Load(), "cached hit must not reinvoke the model")
}

func TestExecuteNondeterministicSkipsCache(t *testing.T) {
	c, err := cache.New(64, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	f := newFixture(t, Options{Cache: c}, desc("m1", 0.8))
	var invocations atomic.Int32
	f.mock.Respond = func(string, domain.Options) string {
		invocations.Add(1)
		return "sampled"
	}

	req := request("surprise me") // default temperature 0.7
	for range 2 {
		res, err := f.pipe.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.EqualValues(t, 2, invocations.Load())
}

func TestExecuteStream(t *testing.T) {
	f := newFixture(t, Options{}, desc("m1", 0.8, domain.CapStreaming))
	f.mock.Respond = func(string, domain.Options) string { return "one two three" }

	ch, modelID, err := f.pipe.ExecuteStream(context.Background(), request("p"))
	require.NoError(t, err)
	assert.Equal(t, "m1", modelID)

	var text string
	sawDone := false
	for chunk := range ch {
		text += chunk.Delta
		if chunk.Done {
			sawDone = true
		}
	}
	assert.Equal(t, "one two three", text)
	assert.True(t, sawDone)

	// Completion is folded into the model's counters once the stream drains.
	require.Eventually(t, func() bool {
		v, err := f.reg.Get("m1")
		return err == nil && v.Metrics.InferenceCount == 1 && v.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteStreamFallsBackBeforeFirstChunk(t *testing.T) {
	f := newFixture(t, Options{MaxFallbacks: 1},
		desc("primary", 0.9, domain.CapStreaming),
		desc("backup", 0.2, domain.CapStreaming),
	)
	f.mock.FailGenerate = map[string]error{
		"primary": domain.E(domain.KindTransientBackend, "spawn failed"),
	}

	req := request("p")
	req.Strategy = domain.StrategyQualityFirst
	ch, modelID, err := f.pipe.ExecuteStream(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "backup", modelID)
	for range ch {
	}
}

func TestExecuteStreamRequiresStreamingCapability(t *testing.T) {
	f := newFixture(t, Options{}, desc("plain", 0.8))

	_, _, err := f.pipe.ExecuteStream(context.Background(), request("p"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNoViableModel), "got %v", err)
}

func TestExecuteStreamConsumerCancel(t *testing.T) {
	f := newFixture(t, Options{}, desc("m1", 0.8, domain.CapStreaming))
	f.mock.TokenDelay = 20 * time.Millisecond
	f.mock.Respond = func(string, domain.Options) string {
		out := ""
		for range 200 {
			out += "tok "
		}
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := f.pipe.ExecuteStream(ctx, request("p"))
	require.NoError(t, err)

	<-ch
	cancel()

	// The relay goroutine closes the channel and releases the lease.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			if ok {
				return false
			}
		default:
			return false
		}
		v, err := f.reg.Get("m1")
		return err == nil && v.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Abandonment still accounts the tokens delivered before the cancel.
	v, err := f.reg.Get("m1")
	require.NoError(t, err)
	assert.Positive(t, v.Metrics.TotalTokens, "partial tokens must be recorded")
	assert.Positive(t, v.Metrics.ErrorCount)
}

func TestExecuteBreakerIntegration(t *testing.T) {
	f := newFixture(t, Options{}, desc("m1", 0.8))
	f.mock.FailGenerate = map[string]error{
		"m1": domain.E(domain.KindTransientBackend, "down"),
	}

	// Drive enough failures through the pipeline to trip the breaker.
	for range 25 {
		_, err := f.pipe.Execute(context.Background(), request("p"))
		require.Error(t, err)
	}
	assert.True(t, f.rt.Tripped("m1"))

	// The model recovers, but the open circuit still vetoes it.
	f.mock.FailGenerate = nil
	_, err := f.pipe.Execute(context.Background(), request("p"))
	assert.True(t, domain.IsKind(err, domain.KindNoViableModel), "got %v", err)
}
