// Package engine detects and ranks the execution substrates a deployment
// can run models on. Loaders decide how a format is served; the engine
// selector decides where, preferring the fastest substrate the environment
// actually supports.
package engine

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// Substrate names one execution environment.
type Substrate string

const (
	SubstrateNative Substrate = "native" // in-process or local subprocess
	SubstrateWorker Substrate = "worker" // runner child processes
	SubstrateWASM   Substrate = "wasm"   // sandboxed wasm runtime
	SubstrateEdge   Substrate = "edge"   // edge-deployed gateway
	SubstrateRemote Substrate = "remote" // hosted provider APIs
)

// Preference is the fixed ranking used when several substrates can host the
// same format: local beats sandboxed beats networked.
func Preference() []Substrate {
	return []Substrate{SubstrateNative, SubstrateWorker, SubstrateWASM, SubstrateEdge, SubstrateRemote}
}

// Engine is one substrate binding.
type Engine interface {
	// Name identifies the substrate.
	Name() Substrate

	// Detect probes the environment. Pure; called before Initialize.
	Detect() bool

	// Hosts reports whether the substrate can execute the given format.
	Hosts(f domain.Format) bool

	// Initialize prepares the substrate. Idempotent.
	Initialize(ctx context.Context) error

	// Cleanup releases substrate resources. Idempotent; safe uninitialized.
	Cleanup() error
}

// ─── Selector ───────────────────────────────────────────────────────────────

// Selector picks the best available substrate per format and owns substrate
// lifecycle.
type Selector struct {
	engines map[Substrate]Engine
	log     zerolog.Logger

	mu          sync.Mutex
	initialized map[Substrate]bool
}

// NewSelector builds a selector over the given engines.
func NewSelector(log zerolog.Logger, engines ...Engine) *Selector {
	m := make(map[Substrate]Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &Selector{
		engines:     m,
		log:         log.With().Str("component", "engine").Logger(),
		initialized: make(map[Substrate]bool),
	}
}

// Best returns the highest-preference detected substrate hosting f,
// initializing it on first use.
func (s *Selector) Best(ctx context.Context, f domain.Format) (Engine, error) {
	for _, name := range Preference() {
		e, ok := s.engines[name]
		if !ok || !e.Hosts(f) || !e.Detect() {
			continue
		}
		if err := s.initialize(ctx, e); err != nil {
			s.log.Warn().Str("substrate", string(name)).Err(err).Msg("substrate failed to initialize, trying next")
			continue
		}
		return e, nil
	}
	return nil, domain.Ef(domain.KindCapabilityUnavailable, "no substrate can host format %q", f)
}

// Available lists detected substrates in preference order.
func (s *Selector) Available() []Substrate {
	var out []Substrate
	for _, name := range Preference() {
		if e, ok := s.engines[name]; ok && e.Detect() {
			out = append(out, name)
		}
	}
	return out
}

// Shutdown cleans up every initialized substrate.
func (s *Selector) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, done := range s.initialized {
		if !done {
			continue
		}
		if err := s.engines[name].Cleanup(); err != nil {
			s.log.Warn().Str("substrate", string(name)).Err(err).Msg("substrate cleanup failed")
		}
		s.initialized[name] = false
	}
}

func (s *Selector) initialize(ctx context.Context, e Engine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized[e.Name()] {
		return nil
	}
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	s.initialized[e.Name()] = true
	s.log.Info().Str("substrate", string(e.Name())).Msg("substrate initialized")
	return nil
}

// ─── Substrate bindings ─────────────────────────────────────────────────────

// baseEngine carries the shared shape of the concrete substrates.
type baseEngine struct {
	name    Substrate
	formats map[domain.Format]bool
	detect  func() bool
}

func (b *baseEngine) Name() Substrate                  { return b.name }
func (b *baseEngine) Hosts(f domain.Format) bool       { return b.formats[f] }
func (b *baseEngine) Detect() bool                     { return b.detect == nil || b.detect() }
func (b *baseEngine) Initialize(context.Context) error { return nil }
func (b *baseEngine) Cleanup() error                   { return nil }

func formatSet(formats ...domain.Format) map[domain.Format]bool {
	m := make(map[domain.Format]bool, len(formats))
	for _, f := range formats {
		m[f] = true
	}
	return m
}

// NewNativeEngine hosts formats served in-process or by local subprocesses.
// Always detected.
func NewNativeEngine() Engine {
	return &baseEngine{
		name:    SubstrateNative,
		formats: formatSet(domain.FormatGGUF, domain.FormatMock, domain.FormatSimple),
	}
}

// NewWorkerEngine hosts tensor formats behind the runner binary; detected
// only when that binary resolves.
func NewWorkerEngine(runnerBin string) Engine {
	return &baseEngine{
		name: SubstrateWorker,
		formats: formatSet(domain.FormatSafetensors, domain.FormatPyTorch,
			domain.FormatBinary, domain.FormatBitNet, domain.FormatONNX),
		detect: func() bool {
			if runnerBin == "" {
				return false
			}
			if _, err := os.Stat(runnerBin); err == nil {
				return true
			}
			_, err := exec.LookPath(runnerBin)
			return err == nil
		},
	}
}

// NewWASMEngine is the sandboxed substrate slot. No wasm runtime is linked
// into the server build, so it never detects; registering it keeps the
// preference chain complete for deployments that add one.
func NewWASMEngine() Engine {
	return &baseEngine{
		name:    SubstrateWASM,
		formats: formatSet(domain.FormatMock),
		detect:  func() bool { return false },
	}
}

// NewEdgeEngine detects when an edge gateway endpoint is configured.
func NewEdgeEngine(endpoint string) Engine {
	return &baseEngine{
		name:    SubstrateEdge,
		formats: formatSet(domain.FormatAPI),
		detect:  func() bool { return endpoint != "" },
	}
}

// NewRemoteEngine hosts provider-backed formats. Always detected: whether a
// given provider is reachable is a per-model load concern.
func NewRemoteEngine() Engine {
	return &baseEngine{
		name:    SubstrateRemote,
		formats: formatSet(domain.FormatAPI, domain.FormatHF),
	}
}
