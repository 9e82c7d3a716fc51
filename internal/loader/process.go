package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// ─── Worker loader ──────────────────────────────────────────────────────────
// Serves safetensors, pytorch, binary and bitnet descriptors through a
// runner child process. The wire protocol is newline-delimited JSON over
// stdio: each request carries a monotonically increasing id, and responses
// are demultiplexed back to their waiters by that id. A worker that exits
// rejects its in-flight requests and is respawned on the next call.

// WorkerLoader spawns one runner process per loaded model.
type WorkerLoader struct {
	command   []string // runner argv prefix; model flags are appended
	formats   map[domain.Format]bool
	defaults  Defaults
	forceKill time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	handles map[string]*workerHandle
}

// NewWorkerLoader builds a loader for the given formats backed by the runner
// command. An empty command yields a loader that supports nothing, which
// lets the daemon wire the format slots unconditionally.
func NewWorkerLoader(command []string, formats []domain.Format, defaults Defaults, forceKill time.Duration, log zerolog.Logger) *WorkerLoader {
	set := make(map[domain.Format]bool, len(formats))
	for _, f := range formats {
		set[f] = true
	}
	if forceKill <= 0 {
		forceKill = 5 * time.Second
	}
	return &WorkerLoader{
		command:   command,
		formats:   set,
		defaults:  defaults,
		forceKill: forceKill,
		log:       log.With().Str("loader", "worker").Logger(),
		handles:   make(map[string]*workerHandle),
	}
}

// Supports accepts descriptors of the configured formats when a runner
// command is available.
func (l *WorkerLoader) Supports(d domain.Descriptor) bool {
	return len(l.command) > 0 && l.formats[d.Format]
}

// Load spawns the runner and waits for its load acknowledgment.
func (l *WorkerLoader) Load(ctx context.Context, d domain.Descriptor) (Handle, error) {
	l.mu.Lock()
	if h, ok := l.handles[d.ID]; ok && h.proc.alive() {
		l.mu.Unlock()
		return h, nil
	}
	l.mu.Unlock()

	if _, err := os.Stat(d.Source); err != nil {
		return nil, domain.WrapErr(domain.KindNotFound, fmt.Sprintf("model file %s", d.Source), err)
	}

	proc, err := l.spawn(ctx, d)
	if err != nil {
		return nil, err
	}

	h := &workerHandle{loader: l, desc: d, proc: proc, loadedAt: time.Now()}
	l.mu.Lock()
	l.handles[d.ID] = h
	l.mu.Unlock()
	return h, nil
}

// Unload shuts the runner down.
func (l *WorkerLoader) Unload(h Handle) error {
	wh, ok := h.(*workerHandle)
	if !ok {
		return domain.E(domain.KindInternal, "worker loader cannot unload a foreign handle")
	}
	l.mu.Lock()
	delete(l.handles, wh.desc.ID)
	l.mu.Unlock()
	return wh.Close()
}

// spawn starts the runner and performs the load handshake.
func (l *WorkerLoader) spawn(ctx context.Context, d domain.Descriptor) (*workerProcess, error) {
	args := append([]string{}, l.command[1:]...)
	args = append(args, "--model", d.Source, "--format", string(d.Format))
	args = append(args, "--ctx-size", fmt.Sprintf("%d", l.defaults.ContextTokens(d.Parameters.ContextSize)))
	args = append(args, "--threads", fmt.Sprintf("%d", l.defaults.Threads(d.Parameters.Threads)))

	proc, err := startWorker(l.command[0], args, l.forceKill)
	if err != nil {
		return nil, domain.WrapErr(domain.KindPermanentBackend, "start runner", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if _, err := proc.roundTrip(loadCtx, workerRequest{Op: "load"}, nil); err != nil {
		proc.kill()
		stderr := lastLines(proc.stderr.String(), 10)
		if stderr != "" {
			return nil, domain.WrapErr(domain.KindPermanentBackend,
				fmt.Sprintf("runner failed to load %s:\n%s", d.ID, stderr), err)
		}
		return nil, domain.WrapErr(domain.KindPermanentBackend, fmt.Sprintf("runner failed to load %s", d.ID), err)
	}

	l.log.Info().Str("model", d.ID).Str("format", string(d.Format)).Msg("runner ready")
	return proc, nil
}

// ─── Handle ─────────────────────────────────────────────────────────────────

type workerHandle struct {
	loader   *WorkerLoader
	desc     domain.Descriptor
	loadedAt time.Time

	mu   sync.Mutex
	proc *workerProcess
	dead bool
}

func (h *workerHandle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := StateLoaded
	switch {
	case h.dead:
		s = StateUnloaded
	case !h.proc.alive():
		s = StateFailed
	}
	return Info{Descriptor: h.desc, State: s, StateLabel: s.String(), LoadedAt: h.loadedAt}
}

func (h *workerHandle) Close() error {
	h.mu.Lock()
	if h.dead {
		h.mu.Unlock()
		return nil
	}
	h.dead = true
	proc := h.proc
	h.mu.Unlock()
	proc.shutdown()
	return nil
}

// ensureAlive respawns the runner after a crash. Requests in flight at crash
// time were already rejected by the reader loop.
func (h *workerHandle) ensureAlive(ctx context.Context) (*workerProcess, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return nil, domain.Ef(domain.KindPermanentBackend, "model %q is closed", h.desc.ID)
	}
	if h.proc.alive() {
		return h.proc, nil
	}
	h.loader.log.Warn().Str("model", h.desc.ID).Msg("runner died, respawning")
	proc, err := h.loader.spawn(ctx, h.desc)
	if err != nil {
		return nil, err
	}
	h.proc = proc
	return proc, nil
}

func (h *workerHandle) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Result, error) {
	started := time.Now()
	ch, err := h.stream(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return collectStream(ctx, h.desc.ID, prompt, ch, started)
}

func (h *workerHandle) Stream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	if err := requireStreaming(h.desc); err != nil {
		return nil, err
	}
	return h.stream(ctx, prompt, opts)
}

func (h *workerHandle) stream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	proc, err := h.ensureAlive(ctx)
	if err != nil {
		return nil, err
	}
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		// cancel is released by generate when the stream ends
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	}
	return proc.generate(ctx, prompt, opts, cancel)
}

// ─── Worker process ─────────────────────────────────────────────────────────

type workerRequest struct {
	ID      uint64          `json:"id"`
	Op      string          `json:"op"` // load | generate | cancel | shutdown
	Prompt  string          `json:"prompt,omitempty"`
	Options *domain.Options `json:"options,omitempty"`
}

type workerEvent struct {
	ID    uint64        `json:"id"`
	Delta string        `json:"delta,omitempty"`
	Done  bool          `json:"done,omitempty"`
	Usage *domain.Usage `json:"usage,omitempty"`
	Error string        `json:"error,omitempty"`
	Kind  string        `json:"kind,omitempty"`
}

// workerProcess owns one runner child and demultiplexes its responses.
type workerProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *limitedBuffer
	forceKill time.Duration

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[uint64]chan workerEvent

	nextID atomic.Uint64
	exited atomic.Bool
}

func startWorker(bin string, args []string, forceKill time.Duration) (*workerProcess, error) {
	cmd := exec.Command(bin, args...)
	stderr := &limitedBuffer{max: 8192}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &workerProcess{
		cmd:       cmd,
		stdin:     stdin,
		stderr:    stderr,
		forceKill: forceKill,
		pending:   make(map[uint64]chan workerEvent),
	}
	go p.readLoop(stdout)
	return p, nil
}

func (p *workerProcess) alive() bool { return !p.exited.Load() }

// readLoop routes each stdout line to its waiter; on exit every in-flight
// request gets a synthetic transient error.
func (p *workerProcess) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var ev workerEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		p.pendMu.Lock()
		ch, ok := p.pending[ev.ID]
		p.pendMu.Unlock()
		if !ok {
			continue // waiter detached (cancelled)
		}
		select {
		case ch <- ev:
		default: // waiter detached mid-send, drop
		}
		if ev.Done || ev.Error != "" {
			p.unregister(ev.ID)
		}
	}

	p.exited.Store(true)
	if p.cmd != nil {
		p.cmd.Wait() //nolint:errcheck
	}

	p.pendMu.Lock()
	orphans := p.pending
	p.pending = make(map[uint64]chan workerEvent)
	p.pendMu.Unlock()
	for id, ch := range orphans {
		select {
		case ch <- workerEvent{ID: id, Error: "runner exited", Kind: "transient-backend"}:
		default:
		}
	}
}

func (p *workerProcess) register() (uint64, chan workerEvent) {
	id := p.nextID.Add(1)
	ch := make(chan workerEvent, 64)
	p.pendMu.Lock()
	p.pending[id] = ch
	p.pendMu.Unlock()
	return id, ch
}

func (p *workerProcess) unregister(id uint64) {
	p.pendMu.Lock()
	delete(p.pending, id)
	p.pendMu.Unlock()
}

func (p *workerProcess) write(req workerRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if !p.alive() {
		return fmt.Errorf("runner exited")
	}
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// roundTrip sends a request and waits for its single terminal event.
func (p *workerProcess) roundTrip(ctx context.Context, req workerRequest, _ *domain.Options) (workerEvent, error) {
	id, ch := p.register()
	req.ID = id
	if err := p.write(req); err != nil {
		p.unregister(id)
		return workerEvent{}, err
	}
	for {
		select {
		case <-ctx.Done():
			p.unregister(id)
			p.write(workerRequest{ID: id, Op: "cancel"}) //nolint:errcheck
			return workerEvent{}, ctx.Err()
		case ev := <-ch:
			if ev.Error != "" {
				return ev, fmt.Errorf("%s", ev.Error)
			}
			if ev.Done {
				return ev, nil
			}
		}
	}
}

// generate issues a streaming request and adapts worker events to chunks.
// finish, when non-nil, is called once the stream ends (timeout cleanup).
func (p *workerProcess) generate(ctx context.Context, prompt string, opts domain.Options, finish context.CancelFunc) (<-chan domain.Chunk, error) {
	id, events := p.register()
	req := workerRequest{ID: id, Op: "generate", Prompt: prompt, Options: &opts}
	if err := p.write(req); err != nil {
		p.unregister(id)
		if finish != nil {
			finish()
		}
		return nil, domain.WrapErr(domain.KindTransientBackend, "write to runner", err)
	}

	out := make(chan domain.Chunk, 64)
	go func() {
		defer close(out)
		if finish != nil {
			defer finish()
		}
		for {
			select {
			case <-ctx.Done():
				p.unregister(id)
				p.write(workerRequest{ID: id, Op: "cancel"}) //nolint:errcheck
				return
			case ev := <-events:
				if ev.Error != "" {
					select {
					case out <- domain.Chunk{Err: runnerError(ev)}:
					case <-ctx.Done():
					}
					return
				}
				chunk := domain.Chunk{Delta: ev.Delta, Done: ev.Done, Usage: ev.Usage}
				select {
				case out <- chunk:
				case <-ctx.Done():
					p.unregister(id)
					return
				}
				if ev.Done {
					return
				}
			}
		}
	}()
	return out, nil
}

// runnerError maps a terminal worker error event into the taxonomy.
func runnerError(ev workerEvent) error {
	kind := domain.KindTransientBackend
	if ev.Kind == "permanent-backend" {
		kind = domain.KindPermanentBackend
	}
	return domain.Ef(kind, "runner: %s", ev.Error)
}

func (p *workerProcess) shutdown() {
	p.write(workerRequest{Op: "shutdown"}) //nolint:errcheck
	done := make(chan struct{})
	go func() {
		p.cmd.Wait() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.forceKill):
		p.kill()
	}
	p.exited.Store(true)
}

func (p *workerProcess) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill() //nolint:errcheck
	}
	p.exited.Store(true)
}
