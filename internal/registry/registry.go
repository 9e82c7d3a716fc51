// Package registry is the model catalog: descriptors, their lifecycle
// state, live handles, and per-model usage counters. It owns loading and
// unloading; the router and pipeline only ever borrow handles through it.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/engine"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/loader"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/store"
)

const defaultMaxConcurrent = 4

// Options configures a Registry.
type Options struct {
	JournalPath string
	Capacity    int // max registered models
	QueueDepth  int // waiters per handle before Busy
	Clock       domain.Clock
	DB          *store.DB // optional usage store
}

// Registry is the concurrent model catalog.
type Registry struct {
	log     zerolog.Logger
	clock   domain.Clock
	loaders *loader.Set
	engines *engine.Selector
	journal *journal
	db      *store.DB

	capacity   int
	queueDepth int

	mu       sync.RWMutex
	entries  map[string]*Entry
	byFormat map[domain.Format]map[string]*Entry
	byCap    map[domain.Capability]map[string]*Entry
	bySource map[string]map[string]*Entry
}

// Entry is one registered model. Hot counters are atomics so request-path
// updates never contend with catalog mutations.
type Entry struct {
	desc   domain.Descriptor
	status domain.EntryStatus
	handle loader.Handle
	ldr    loader.Loader

	loadMu  sync.Mutex
	slots   chan struct{}
	waiters atomic.Int32

	inFlight       atomic.Int64
	inferenceCount atomic.Int64
	totalTokens    atomic.Int64
	totalLatencyMs atomic.Int64
	errorCount     atomic.Int64
	lastUsedAt     atomic.Int64 // unix nanos, 0 = never
	loadTimeMs     atomic.Int64
}

// View is a read-only snapshot of an entry, the unit the router scores.
type View struct {
	Descriptor domain.Descriptor  `json:"descriptor"`
	Status     domain.EntryStatus `json:"status"`
	Metrics    domain.Metrics     `json:"metrics"`
	InFlight   int64              `json:"in_flight"`
}

// New opens the registry, replaying the journal.
func New(loaders *loader.Set, engines *engine.Selector, opts Options, log zerolog.Logger) (*Registry, error) {
	clock := opts.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}
	r := &Registry{
		log:        log.With().Str("component", "registry").Logger(),
		clock:      clock,
		loaders:    loaders,
		engines:    engines,
		journal:    newJournal(opts.JournalPath, log),
		db:         opts.DB,
		capacity:   opts.Capacity,
		queueDepth: opts.QueueDepth,
		entries:    make(map[string]*Entry),
		byFormat:   make(map[domain.Format]map[string]*Entry),
		byCap:      make(map[domain.Capability]map[string]*Entry),
		bySource:   make(map[string]map[string]*Entry),
	}

	models, err := r.journal.load()
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if err := m.Descriptor.Validate(); err != nil {
			r.log.Warn().Str("model", m.ID).Err(err).Msg("skipping invalid journaled model")
			continue
		}
		e := r.newEntry(m.Descriptor)
		e.seedMetrics(m.Metrics)
		r.insertLocked(e)
	}
	if len(models) > 0 {
		r.log.Info().Int("models", len(r.entries)).Msg("registry restored from journal")
	}
	return r, nil
}

func (r *Registry) newEntry(d domain.Descriptor) *Entry {
	slots := d.Parameters.MaxConcurrent
	if slots <= 0 {
		slots = defaultMaxConcurrent
	}
	return &Entry{
		desc:   d,
		status: domain.StatusRegistered,
		slots:  make(chan struct{}, slots),
	}
}

func (e *Entry) seedMetrics(m domain.Metrics) {
	e.inferenceCount.Store(m.InferenceCount)
	e.totalTokens.Store(m.TotalTokens)
	e.errorCount.Store(m.ErrorCount)
	e.totalLatencyMs.Store(int64(m.AvgLatencyMs * float64(m.InferenceCount)))
	e.loadTimeMs.Store(m.LoadTimeMs)
	if !m.LastUsedAt.IsZero() {
		e.lastUsedAt.Store(m.LastUsedAt.UnixNano())
	}
}

func (e *Entry) metricsSnapshot() domain.Metrics {
	count := e.inferenceCount.Load()
	m := domain.Metrics{
		InferenceCount: count,
		TotalTokens:    e.totalTokens.Load(),
		ErrorCount:     e.errorCount.Load(),
		LoadTimeMs:     e.loadTimeMs.Load(),
	}
	if count > 0 {
		m.AvgLatencyMs = float64(e.totalLatencyMs.Load()) / float64(count)
	}
	if ns := e.lastUsedAt.Load(); ns > 0 {
		m.LastUsedAt = time.Unix(0, ns)
	}
	return m
}

func (e *Entry) view() View {
	return View{
		Descriptor: e.desc,
		Status:     e.status,
		Metrics:    e.metricsSnapshot(),
		InFlight:   e.inFlight.Load(),
	}
}

// ─── Catalog mutations ──────────────────────────────────────────────────────

// Register validates and adds a model. The format is auto-detected from the
// source when omitted. At capacity the least recently used idle model is
// evicted; when every model is busy registration fails with
// CapacityExceeded.
func (r *Registry) Register(d domain.Descriptor) error {
	if d.Format == "" {
		d.Format = loader.DetectFormat(d.Source)
	}
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.ID]; exists {
		return domain.Ef(domain.KindDuplicateID, "model %q is already registered", d.ID)
	}
	if len(r.entries) >= r.capacity {
		if !r.evictLRULocked() {
			return domain.Ef(domain.KindCapacityExceeded,
				"registry at capacity (%d) and no model is idle for eviction", r.capacity)
		}
	}

	r.insertLocked(r.newEntry(d))
	r.log.Info().Str("model", d.ID).Str("format", string(d.Format)).Msg("model registered")
	return r.persistLocked()
}

// Unregister removes a model, unloading its handle first. Fails with Busy
// while requests are in flight.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return domain.Ef(domain.KindNotFound, "model %q is not registered", id)
	}
	if e.inFlight.Load() > 0 {
		r.mu.Unlock()
		return domain.Ef(domain.KindBusy, "model %q has requests in flight", id)
	}
	r.removeLocked(e)
	err := r.persistLocked()
	r.mu.Unlock()

	r.unloadEntry(e)
	if r.db != nil {
		if derr := r.db.DeleteStats(id); derr != nil {
			r.log.Warn().Str("model", id).Err(derr).Msg("delete stored stats failed")
		}
	}
	r.log.Info().Str("model", id).Msg("model unregistered")
	return err
}

func (r *Registry) insertLocked(e *Entry) {
	r.entries[e.desc.ID] = e
	indexAdd(r.byFormat, e.desc.Format, e)
	indexAdd(r.bySource, e.desc.Source, e)
	for _, c := range e.desc.Capabilities {
		indexAdd(r.byCap, c, e)
	}
}

func (r *Registry) removeLocked(e *Entry) {
	delete(r.entries, e.desc.ID)
	indexDel(r.byFormat, e.desc.Format, e)
	indexDel(r.bySource, e.desc.Source, e)
	for _, c := range e.desc.Capabilities {
		indexDel(r.byCap, c, e)
	}
}

func indexAdd[K comparable](idx map[K]map[string]*Entry, key K, e *Entry) {
	m, ok := idx[key]
	if !ok {
		m = make(map[string]*Entry)
		idx[key] = m
	}
	m[e.desc.ID] = e
}

func indexDel[K comparable](idx map[K]map[string]*Entry, key K, e *Entry) {
	if m, ok := idx[key]; ok {
		delete(m, e.desc.ID)
		if len(m) == 0 {
			delete(idx, key)
		}
	}
}

// evictLRULocked drops the idle entry with the oldest last use. Returns
// false when nothing is evictable.
func (r *Registry) evictLRULocked() bool {
	var victim *Entry
	var oldest int64
	for _, e := range r.entries {
		if e.inFlight.Load() > 0 {
			continue
		}
		last := e.lastUsedAt.Load()
		if victim == nil || last < oldest {
			victim, oldest = e, last
		}
	}
	if victim == nil {
		return false
	}
	r.removeLocked(victim)
	go r.unloadEntry(victim) // teardown can block on subprocess exit
	metrics.ModelEvictions.Inc()
	r.log.Info().Str("model", victim.desc.ID).Msg("evicted least recently used model")
	return true
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Get returns one model's view.
func (r *Registry) Get(id string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return View{}, domain.Ef(domain.KindNotFound, "model %q is not registered", id)
	}
	return e.view(), nil
}

// List returns every model sorted by ID.
func (r *Registry) List() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// ByFormat returns models of one format, sorted by ID.
func (r *Registry) ByFormat(f domain.Format) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return viewsOf(r.byFormat[f])
}

// ByCapability returns models carrying one capability, sorted by ID.
func (r *Registry) ByCapability(c domain.Capability) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return viewsOf(r.byCap[c])
}

// BySource returns models registered from one source, sorted by ID.
func (r *Registry) BySource(source string) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return viewsOf(r.bySource[source])
}

// Candidates returns models whose capability set covers required, sorted by
// ID. An empty requirement matches everything.
func (r *Registry) Candidates(required domain.CapabilitySet) []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.entries))
	for _, e := range r.entries {
		if e.desc.Capabilities.Superset(required) {
			out = append(out, e.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

func viewsOf(m map[string]*Entry) []View {
	out := make([]View, 0, len(m))
	for _, e := range m {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// ─── Load / Borrow ──────────────────────────────────────────────────────────

// Lease is a borrowed handle plus its release. Release is idempotent.
type Lease struct {
	entry   *Entry
	handle  loader.Handle
	release sync.Once
}

// Handle returns the live handle.
func (l *Lease) Handle() loader.Handle { return l.handle }

// ModelID returns the borrowed model's ID.
func (l *Lease) ModelID() string { return l.entry.desc.ID }

// Release returns the concurrency slot.
func (l *Lease) Release() {
	l.release.Do(func() {
		l.entry.inFlight.Add(-1)
		<-l.entry.slots
	})
}

// Borrow ensures the model is loaded, acquires one of its concurrency
// slots, and returns the lease. A full slot queue fails fast with Busy once
// the waiter bound is hit.
func (r *Registry) Borrow(ctx context.Context, id string) (*Lease, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "model %q is not registered", id)
	}

	h, err := r.ensureLoaded(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := r.acquireSlot(ctx, e); err != nil {
		return nil, err
	}
	e.inFlight.Add(1)
	return &Lease{entry: e, handle: h}, nil
}

// Load loads a model eagerly without borrowing it.
func (r *Registry) Load(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Ef(domain.KindNotFound, "model %q is not registered", id)
	}
	_, err := r.ensureLoaded(ctx, e)
	return err
}

// Unload tears down a model's handle, keeping its registration. Fails with
// Busy while requests are in flight.
func (r *Registry) Unload(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Ef(domain.KindNotFound, "model %q is not registered", id)
	}
	if e.inFlight.Load() > 0 {
		return domain.Ef(domain.KindBusy, "model %q has requests in flight", id)
	}
	r.unloadEntry(e)
	return nil
}

// ensureLoaded loads the entry's handle once. Concurrent borrowers of an
// unloaded model serialize on loadMu; the winner loads, the rest reuse.
func (r *Registry) ensureLoaded(ctx context.Context, e *Entry) (loader.Handle, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if e.handle != nil && e.handle.Info().State == loader.StateLoaded {
		return e.handle, nil
	}

	ldr, err := r.loaders.For(e.desc)
	if err != nil {
		r.setStatus(e, domain.StatusError)
		return nil, err
	}
	if _, err := r.engines.Best(ctx, e.desc.Format); err != nil {
		r.setStatus(e, domain.StatusError)
		return nil, err
	}

	r.setStatus(e, domain.StatusRegistered)
	started := r.clock.Now()
	h, err := ldr.Load(ctx, e.desc)
	if err != nil {
		r.setStatus(e, domain.StatusError)
		e.errorCount.Add(1)
		return nil, err
	}

	loadMs := r.clock.Now().Sub(started).Milliseconds()
	e.loadTimeMs.Store(loadMs)
	e.handle = h
	e.ldr = ldr
	r.setStatus(e, domain.StatusLoaded)
	metrics.ModelLoads.WithLabelValues(e.desc.ID).Inc()
	metrics.ModelsLoaded.Inc()
	r.log.Info().Str("model", e.desc.ID).Int64("load_ms", loadMs).Msg("model loaded")
	return h, nil
}

func (r *Registry) unloadEntry(e *Entry) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.handle == nil {
		return
	}
	r.setStatus(e, domain.StatusUnloading)
	if err := e.ldr.Unload(e.handle); err != nil {
		r.log.Warn().Str("model", e.desc.ID).Err(err).Msg("unload failed")
	}
	e.handle = nil
	e.ldr = nil
	metrics.ModelsLoaded.Dec()
	r.setStatus(e, domain.StatusRegistered)
}

func (r *Registry) setStatus(e *Entry, s domain.EntryStatus) {
	r.mu.Lock()
	e.status = s
	r.mu.Unlock()
}

// acquireSlot takes a concurrency slot, queueing up to queueDepth waiters.
func (r *Registry) acquireSlot(ctx context.Context, e *Entry) error {
	select {
	case e.slots <- struct{}{}:
		return nil
	default:
	}
	if int(e.waiters.Add(1)) > r.queueDepth {
		e.waiters.Add(-1)
		return domain.Ef(domain.KindBusy, "model %q queue is full", e.desc.ID)
	}
	defer e.waiters.Add(-1)
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.FromContextErr(ctx.Err())
	}
}

// ─── Result accounting ──────────────────────────────────────────────────────

// RecordResult folds one finished request into the model's counters and the
// usage store.
func (r *Registry) RecordResult(id string, res *domain.Result, reqErr error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	now := r.clock.Now()
	e.lastUsedAt.Store(now.UnixNano())

	row := store.UsageRow{ModelID: id, At: now, OK: reqErr == nil}
	if reqErr != nil {
		e.errorCount.Add(1)
		row.ErrorKind = domain.KindOf(reqErr).String()
		// Abandoned or failed streams still account the tokens they produced.
		if res != nil {
			e.totalTokens.Add(int64(res.Usage.TotalTokens))
			row.CompletionTokens = res.Usage.CompletionTokens
			metrics.TokensGenerated.WithLabelValues(id).Add(float64(res.Usage.CompletionTokens))
		}
	} else if res != nil {
		e.inferenceCount.Add(1)
		e.totalTokens.Add(int64(res.Usage.TotalTokens))
		e.totalLatencyMs.Add(res.LatencyMs)
		row.PromptTokens = res.Usage.PromptTokens
		row.CompletionTokens = res.Usage.CompletionTokens
		row.LatencyMs = res.LatencyMs
		metrics.TokensGenerated.WithLabelValues(id).Add(float64(res.Usage.CompletionTokens))
	}

	if r.db != nil {
		if err := r.db.RecordUsage(row); err != nil {
			r.log.Warn().Str("model", id).Err(err).Msg("record usage failed")
		}
	}
}

// ─── Persistence / shutdown ─────────────────────────────────────────────────

// persistLocked writes the journal. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	models := make([]journalModel, 0, len(r.entries))
	for _, e := range r.entries {
		models = append(models, journalModel{
			Descriptor: e.desc,
			Metrics:    e.metricsSnapshot(),
			Status:     e.status,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return r.journal.save(models)
}

// Flush persists the journal, folding in current metrics.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

// Close flushes the journal and unloads every handle.
func (r *Registry) Close() error {
	err := r.Flush()

	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		r.unloadEntry(e)
	}
	return err
}
