package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/engine"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/loader"
)

func testRegistry(t *testing.T, opts Options) (*Registry, *loader.MockLoader) {
	t.Helper()
	if opts.JournalPath == "" {
		opts.JournalPath = filepath.Join(t.TempDir(), "models.json")
	}
	mock := loader.NewMockLoader()
	loaders := loader.NewSet(mock)
	engines := engine.NewSelector(zerolog.Nop(), engine.NewNativeEngine())
	r, err := New(loaders, engines, opts, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mock
}

func mockDesc(id string, caps ...domain.Capability) domain.Descriptor {
	return domain.Descriptor{
		ID:           id,
		Name:         "Mock " + id,
		Format:       domain.FormatMock,
		Source:       "mock://" + id,
		Capabilities: domain.NewCapabilitySet(caps...),
	}
}

func TestRegisterAndQuery(t *testing.T) {
	r, _ := testRegistry(t, Options{})

	if err := r.Register(mockDesc("m1", domain.CapChat)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(mockDesc("m2", domain.CapChat, domain.CapStreaming)); err != nil {
		t.Fatal(err)
	}

	v, err := r.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != domain.StatusRegistered {
		t.Errorf("status = %q", v.Status)
	}

	if views := r.List(); len(views) != 2 || views[0].Descriptor.ID != "m1" {
		t.Errorf("list = %+v", views)
	}
	if views := r.ByFormat(domain.FormatMock); len(views) != 2 {
		t.Errorf("by format = %d entries", len(views))
	}
	if views := r.ByCapability(domain.CapStreaming); len(views) != 1 || views[0].Descriptor.ID != "m2" {
		t.Errorf("by capability = %+v", views)
	}
	if views := r.BySource("mock://m1"); len(views) != 1 {
		t.Errorf("by source = %+v", views)
	}
	if views := r.Candidates(domain.NewCapabilitySet(domain.CapStreaming)); len(views) != 1 {
		t.Errorf("candidates = %+v", views)
	}
	if views := r.Candidates(nil); len(views) != 2 {
		t.Errorf("unfiltered candidates = %d", len(views))
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	if err := r.Register(mockDesc("m1")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(mockDesc("m1")); !domain.IsKind(err, domain.KindDuplicateID) {
		t.Errorf("duplicate: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	err := r.Register(domain.Descriptor{ID: "bad"})
	if !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("invalid descriptor: %v", err)
	}
}

func TestRegisterAutoDetectsFormat(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	d := domain.Descriptor{ID: "g1", Name: "G1", Source: "/models/llama.gguf"}
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	v, err := r.Get("g1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Descriptor.Format != domain.FormatGGUF {
		t.Errorf("format = %q, want gguf", v.Descriptor.Format)
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	r, _ := testRegistry(t, Options{Capacity: 2})
	if err := r.Register(mockDesc("old")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(mockDesc("recent")); err != nil {
		t.Fatal(err)
	}
	// Touch "recent" so "old" is the LRU victim.
	r.RecordResult("recent", &domain.Result{Usage: domain.Usage{TotalTokens: 5}}, nil)

	if err := r.Register(mockDesc("new")); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Get("old"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("LRU entry still present: %v", err)
	}
	if _, err := r.Get("recent"); err != nil {
		t.Errorf("recently used entry evicted: %v", err)
	}
	if _, err := r.Get("new"); err != nil {
		t.Errorf("new entry missing: %v", err)
	}
}

func TestCapacityFailsWhenAllBusy(t *testing.T) {
	r, _ := testRegistry(t, Options{Capacity: 1})
	if err := r.Register(mockDesc("busy")); err != nil {
		t.Fatal(err)
	}
	lease, err := r.Borrow(context.Background(), "busy")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	if err := r.Register(mockDesc("extra")); !domain.IsKind(err, domain.KindCapacityExceeded) {
		t.Errorf("register at busy capacity: %v", err)
	}
}

func TestBorrowLifecycle(t *testing.T) {
	r, mock := testRegistry(t, Options{})
	if err := r.Register(mockDesc("m1")); err != nil {
		t.Fatal(err)
	}

	lease, err := r.Borrow(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if lease.ModelID() != "m1" {
		t.Errorf("lease model = %q", lease.ModelID())
	}

	v, _ := r.Get("m1")
	if v.Status != domain.StatusLoaded || v.InFlight != 1 {
		t.Errorf("borrowed view = %+v", v)
	}

	res, err := lease.Handle().Generate(context.Background(), "hi", domain.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelID != "m1" {
		t.Errorf("result model = %q", res.ModelID)
	}

	lease.Release()
	lease.Release() // idempotent
	v, _ = r.Get("m1")
	if v.InFlight != 0 {
		t.Errorf("in flight after release = %d", v.InFlight)
	}

	// Second borrow reuses the loaded handle.
	lease2, err := r.Borrow(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	lease2.Release()
	if n := mock.LoadCount(); n != 1 {
		t.Errorf("load count = %d, want 1", n)
	}
}

func TestBorrowNotFound(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	if _, err := r.Borrow(context.Background(), "ghost"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("borrow unknown: %v", err)
	}
}

func TestBorrowLoadFailureMarksError(t *testing.T) {
	r, mock := testRegistry(t, Options{})
	mock.FailLoad = map[string]error{
		"broken": domain.E(domain.KindPermanentBackend, "weights corrupt"),
	}
	if err := r.Register(mockDesc("broken")); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Borrow(context.Background(), "broken"); !domain.IsKind(err, domain.KindPermanentBackend) {
		t.Fatalf("borrow: %v", err)
	}
	v, _ := r.Get("broken")
	if v.Status != domain.StatusError {
		t.Errorf("status = %q, want error", v.Status)
	}
	if v.Metrics.ErrorCount != 1 {
		t.Errorf("error count = %d", v.Metrics.ErrorCount)
	}
}

func TestBorrowQueueOverflowIsBusy(t *testing.T) {
	r, _ := testRegistry(t, Options{QueueDepth: 1})
	d := mockDesc("m1")
	d.Parameters.MaxConcurrent = 1
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}

	holder, err := r.Borrow(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}

	// One waiter is allowed to queue.
	waiterGot := make(chan error, 1)
	go func() {
		l, err := r.Borrow(context.Background(), "m1")
		if err == nil {
			l.Release()
		}
		waiterGot <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// The queue is full now; the next borrower fails fast.
	if _, err := r.Borrow(context.Background(), "m1"); !domain.IsKind(err, domain.KindBusy) {
		t.Fatalf("overflow borrow: %v", err)
	}

	holder.Release()
	select {
	case err := <-waiterGot:
		if err != nil {
			t.Errorf("queued waiter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter never acquired the slot")
	}
}

func TestBorrowWaiterRespectsContext(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	d := mockDesc("m1")
	d.Parameters.MaxConcurrent = 1
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}

	holder, err := r.Borrow(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Borrow(ctx, "m1"); !domain.IsKind(err, domain.KindTimeout) {
		t.Errorf("expired waiter: %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	if err := r.Register(mockDesc("m1")); err != nil {
		t.Fatal(err)
	}

	lease, err := r.Borrow(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister("m1"); !domain.IsKind(err, domain.KindBusy) {
		t.Errorf("unregister while in flight: %v", err)
	}
	lease.Release()

	if err := r.Unregister("m1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("m1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("after unregister: %v", err)
	}
	if err := r.Unregister("m1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("double unregister: %v", err)
	}
}

func TestLoadAndUnload(t *testing.T) {
	r, mock := testRegistry(t, Options{})
	if err := r.Register(mockDesc("m1")); err != nil {
		t.Fatal(err)
	}

	if err := r.Load(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	v, _ := r.Get("m1")
	if v.Status != domain.StatusLoaded {
		t.Errorf("status after load = %q", v.Status)
	}

	if err := r.Unload("m1"); err != nil {
		t.Fatal(err)
	}
	v, _ = r.Get("m1")
	if v.Status != domain.StatusRegistered {
		t.Errorf("status after unload = %q", v.Status)
	}

	// Borrow after unload triggers a fresh load.
	lease, err := r.Borrow(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()
	if n := mock.LoadCount(); n != 2 {
		t.Errorf("load count = %d, want 2", n)
	}
}

func TestRecordResultMetrics(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	if err := r.Register(mockDesc("m1")); err != nil {
		t.Fatal(err)
	}

	r.RecordResult("m1", &domain.Result{
		LatencyMs: 120,
		Usage:     domain.Usage{PromptTokens: 3, CompletionTokens: 7, TotalTokens: 10},
	}, nil)
	r.RecordResult("m1", &domain.Result{
		LatencyMs: 80,
		Usage:     domain.Usage{PromptTokens: 3, CompletionTokens: 7, TotalTokens: 10},
	}, nil)
	r.RecordResult("m1", nil, domain.E(domain.KindTransientBackend, "boom"))

	v, _ := r.Get("m1")
	m := v.Metrics
	if m.InferenceCount != 2 {
		t.Errorf("inference count = %d", m.InferenceCount)
	}
	if m.TotalTokens != 20 {
		t.Errorf("total tokens = %d", m.TotalTokens)
	}
	if m.AvgLatencyMs != 100 {
		t.Errorf("avg latency = %g", m.AvgLatencyMs)
	}
	if m.ErrorCount != 1 {
		t.Errorf("error count = %d", m.ErrorCount)
	}
	if m.LastUsedAt.IsZero() {
		t.Error("last used not stamped")
	}
}

func TestRecordResultCountsPartialTokensOnError(t *testing.T) {
	r, _ := testRegistry(t, Options{})
	if err := r.Register(mockDesc("m1")); err != nil {
		t.Fatal(err)
	}

	// An abandoned stream delivers a partial result alongside its error.
	r.RecordResult("m1", &domain.Result{
		Usage: domain.Usage{CompletionTokens: 3, TotalTokens: 3},
	}, domain.E(domain.KindCancelled, "consumer went away"))

	v, _ := r.Get("m1")
	m := v.Metrics
	if m.TotalTokens != 3 {
		t.Errorf("total tokens = %d, want 3", m.TotalTokens)
	}
	if m.ErrorCount != 1 {
		t.Errorf("error count = %d", m.ErrorCount)
	}
	if m.InferenceCount != 0 {
		t.Errorf("inference count = %d, want 0", m.InferenceCount)
	}
}

// ─── Journal ────────────────────────────────────────────────────────────────

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")

	r1, _ := testRegistry(t, Options{JournalPath: path})
	if err := r1.Register(mockDesc("m1", domain.CapChat)); err != nil {
		t.Fatal(err)
	}
	r1.RecordResult("m1", &domain.Result{
		LatencyMs: 50,
		Usage:     domain.Usage{TotalTokens: 12, CompletionTokens: 9},
	}, nil)
	if err := r1.Close(); err != nil {
		t.Fatal(err)
	}

	r2, _ := testRegistry(t, Options{JournalPath: path})
	v, err := r2.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Descriptor.Capabilities.Has(domain.CapChat) {
		t.Errorf("capabilities lost: %+v", v.Descriptor)
	}
	if v.Metrics.InferenceCount != 1 || v.Metrics.TotalTokens != 12 {
		t.Errorf("metrics lost: %+v", v.Metrics)
	}
	// Handles are never journaled; the model restarts cold.
	if v.Status == domain.StatusLoaded {
		t.Errorf("restored status = %q", v.Status)
	}
}

func TestJournalQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	r, _ := testRegistry(t, Options{JournalPath: path})
	if n := len(r.List()); n != 0 {
		t.Errorf("corrupt journal produced %d models", n)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "models.json.bad-") {
			found = true
		}
	}
	if !found {
		t.Error("corrupt journal was not quarantined")
	}
}

func TestJournalPreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	seed := `{"version":"1.0","models":[],"operator_note":{"owner":"ops"}}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	r, _ := testRegistry(t, Options{JournalPath: path})
	if err := r.Register(mockDesc("m1")); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["operator_note"]; !ok {
		t.Error("unknown top-level key dropped on rewrite")
	}
	var models []journalModel
	if err := json.Unmarshal(doc["models"], &models); err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].ID != "m1" {
		t.Errorf("models = %+v", models)
	}
}

func TestJournalSkipsInvalidModels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	seed := `{"version":"1.0","models":[
		{"id":"good","name":"Good","format":"mock","source":"mock://good"},
		{"id":"bad","name":"","format":"mock","source":"mock://bad"}
	]}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	r, _ := testRegistry(t, Options{JournalPath: path})
	if _, err := r.Get("good"); err != nil {
		t.Errorf("valid model dropped: %v", err)
	}
	if _, err := r.Get("bad"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("invalid model restored: %v", err)
	}
}
