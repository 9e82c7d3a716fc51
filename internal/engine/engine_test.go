package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// fakeEngine counts lifecycle calls and can be forced to fail Initialize.
type fakeEngine struct {
	baseEngine
	initCalls    int
	cleanupCalls int
	initErr      error
}

func (f *fakeEngine) Initialize(context.Context) error {
	f.initCalls++
	return f.initErr
}

func (f *fakeEngine) Cleanup() error {
	f.cleanupCalls++
	return nil
}

func TestSelectorPrefersNativeOverRemote(t *testing.T) {
	sel := NewSelector(zerolog.Nop(), NewNativeEngine(), NewRemoteEngine())

	e, err := sel.Best(context.Background(), domain.FormatMock)
	if err != nil {
		t.Fatal(err)
	}
	if e.Name() != SubstrateNative {
		t.Errorf("mock hosted on %q, want native", e.Name())
	}

	e, err = sel.Best(context.Background(), domain.FormatAPI)
	if err != nil {
		t.Fatal(err)
	}
	if e.Name() != SubstrateRemote {
		t.Errorf("api hosted on %q, want remote", e.Name())
	}
}

func TestSelectorNoHost(t *testing.T) {
	sel := NewSelector(zerolog.Nop(), NewNativeEngine())
	_, err := sel.Best(context.Background(), domain.FormatTFJS)
	if !domain.IsKind(err, domain.KindCapabilityUnavailable) {
		t.Errorf("unhosted format: %v", err)
	}
}

func TestSelectorInitializesOnce(t *testing.T) {
	fake := &fakeEngine{baseEngine: baseEngine{
		name:    SubstrateNative,
		formats: formatSet(domain.FormatMock),
	}}
	sel := NewSelector(zerolog.Nop(), fake)

	for range 3 {
		if _, err := sel.Best(context.Background(), domain.FormatMock); err != nil {
			t.Fatal(err)
		}
	}
	if fake.initCalls != 1 {
		t.Errorf("initialize called %d times, want 1", fake.initCalls)
	}

	sel.Shutdown()
	sel.Shutdown()
	if fake.cleanupCalls != 1 {
		t.Errorf("cleanup called %d times, want 1", fake.cleanupCalls)
	}
}

func TestSelectorFallsThroughOnInitFailure(t *testing.T) {
	broken := &fakeEngine{
		baseEngine: baseEngine{name: SubstrateNative, formats: formatSet(domain.FormatMock)},
		initErr:    domain.E(domain.KindInternal, "runtime unavailable"),
	}
	backup := &fakeEngine{baseEngine: baseEngine{
		name:    SubstrateWorker,
		formats: formatSet(domain.FormatMock),
	}}
	sel := NewSelector(zerolog.Nop(), broken, backup)

	e, err := sel.Best(context.Background(), domain.FormatMock)
	if err != nil {
		t.Fatal(err)
	}
	if e.Name() != SubstrateWorker {
		t.Errorf("selected %q, want worker fallback", e.Name())
	}
}

func TestWorkerEngineDetection(t *testing.T) {
	if NewWorkerEngine("").Detect() {
		t.Error("empty runner path must not detect")
	}
	if NewWorkerEngine("/nonexistent/runner-binary-xyz").Detect() {
		t.Error("missing runner must not detect")
	}

	bin := filepath.Join(t.TempDir(), "runner")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if !NewWorkerEngine(bin).Detect() {
		t.Error("existing runner must detect")
	}
}

func TestEdgeAndWASMDetection(t *testing.T) {
	if NewEdgeEngine("").Detect() {
		t.Error("edge without endpoint must not detect")
	}
	if !NewEdgeEngine("https://edge.example.com").Detect() {
		t.Error("configured edge must detect")
	}
	if NewWASMEngine().Detect() {
		t.Error("wasm substrate has no linked runtime and must not detect")
	}
}

func TestAvailableOrder(t *testing.T) {
	sel := NewSelector(zerolog.Nop(),
		NewRemoteEngine(),
		NewNativeEngine(),
		NewWASMEngine(),
		NewEdgeEngine("https://edge.example.com"),
	)
	got := sel.Available()
	want := []Substrate{SubstrateNative, SubstrateEdge, SubstrateRemote}
	if len(got) != len(want) {
		t.Fatalf("available = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("available = %v, want %v", got, want)
		}
	}
}
