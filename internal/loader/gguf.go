package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// ─── GGUF subprocess loader ─────────────────────────────────────────────────
// Each loaded GGUF model is served by one llama-server process bound to a
// loopback port; the handle proxies Generate/Stream through its HTTP API.

// GGUFLoader spawns llama-server processes for gguf descriptors.
type GGUFLoader struct {
	serverPath string
	defaults   Defaults
	forceKill  time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	handles map[string]*ggufHandle
}

// NewGGUFLoader locates the llama-server binary under home/bin or PATH.
// Returns an error naming the expected locations when it is absent.
func NewGGUFLoader(home string, defaults Defaults, forceKill time.Duration, log zerolog.Logger) (*GGUFLoader, error) {
	path, err := findInferenceServer(home)
	if err != nil {
		return nil, err
	}
	if forceKill <= 0 {
		forceKill = 5 * time.Second
	}
	return &GGUFLoader{
		serverPath: path,
		defaults:   defaults,
		forceKill:  forceKill,
		log:        log.With().Str("loader", "gguf").Logger(),
		handles:    make(map[string]*ggufHandle),
	}, nil
}

// findInferenceServer searches home/bin and PATH for llama-server,
// accepting the llama-cli and llama variants as fallbacks.
func findInferenceServer(home string) (string, error) {
	names := []string{"llama-server", "llama-cli", "llama"}
	for _, name := range names {
		exe := name
		if runtime.GOOS == "windows" {
			exe += ".exe"
		}
		binPath := filepath.Join(home, "bin", exe)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
		if path, err := exec.LookPath(exe); err == nil {
			return path, nil
		}
	}
	return "", domain.Ef(domain.KindCapabilityUnavailable,
		"llama-server not found in %s or PATH; install llama.cpp to serve gguf models",
		filepath.Join(home, "bin"))
}

// Supports accepts gguf descriptors.
func (l *GGUFLoader) Supports(d domain.Descriptor) bool {
	return d.Format == domain.FormatGGUF
}

// Load starts a llama-server subprocess for the descriptor's model file and
// waits for it to become healthy. Idempotent per descriptor ID.
func (l *GGUFLoader) Load(ctx context.Context, d domain.Descriptor) (Handle, error) {
	l.mu.Lock()
	if h, ok := l.handles[d.ID]; ok && !h.closed() {
		l.mu.Unlock()
		return h, nil
	}
	l.mu.Unlock()

	stat, err := os.Stat(d.Source)
	if err != nil {
		return nil, domain.WrapErr(domain.KindNotFound, fmt.Sprintf("model file %s", d.Source), err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "find free port", err)
	}

	args := []string{
		"--model", d.Source,
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
		"--ctx-size", fmt.Sprintf("%d", l.defaults.ContextTokens(d.Parameters.ContextSize)),
		"--threads", fmt.Sprintf("%d", l.defaults.Threads(d.Parameters.Threads)),
		"--batch-size", fmt.Sprintf("%d", l.defaults.Batch(d.Parameters.BatchSize)),
		"--no-mmap",
	}
	if d.HasCapability(domain.CapGPU) {
		args = append(args, "--n-gpu-layers", "99")
	}

	stderrBuf := &limitedBuffer{max: 8192}
	cmd := exec.Command(l.serverPath, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderrBuf
	configureProcess(cmd)

	l.log.Info().Str("model", d.ID).Int("port", port).
		Int64("size_mb", stat.Size()/(1024*1024)).Msg("starting llama-server")

	if err := cmd.Start(); err != nil {
		return nil, domain.WrapErr(domain.KindPermanentBackend, "start llama-server", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d", port)

	earlyExit := make(chan error, 1)
	go func() { earlyExit <- cmd.Wait() }()

	if err := waitForServer(ctx, addr, 5*time.Minute, earlyExit); err != nil {
		cmd.Process.Kill()
		stderr := lastLines(stderrBuf.String(), 10)
		if stderr != "" {
			return nil, domain.WrapErr(domain.KindPermanentBackend,
				fmt.Sprintf("llama-server failed for %s:\n%s", filepath.Base(d.Source), stderr), err)
		}
		return nil, domain.WrapErr(domain.KindPermanentBackend,
			fmt.Sprintf("llama-server failed for %s", filepath.Base(d.Source)), err)
	}

	h := &ggufHandle{
		loader:    l,
		desc:      d,
		cmd:       cmd,
		addr:      addr,
		forceKill: l.forceKill,
		loadedAt:  time.Now(),
		client:    &http.Client{Timeout: 10 * time.Minute},
	}
	l.mu.Lock()
	l.handles[d.ID] = h
	l.mu.Unlock()
	return h, nil
}

// Unload kills the handle's subprocess.
func (l *GGUFLoader) Unload(h Handle) error {
	gh, ok := h.(*ggufHandle)
	if !ok {
		return domain.E(domain.KindInternal, "gguf loader cannot unload a foreign handle")
	}
	l.mu.Lock()
	delete(l.handles, gh.desc.ID)
	l.mu.Unlock()
	return gh.Close()
}

// ─── Handle ─────────────────────────────────────────────────────────────────

type ggufHandle struct {
	loader    *GGUFLoader
	desc      domain.Descriptor
	cmd       *exec.Cmd
	addr      string
	forceKill time.Duration
	loadedAt  time.Time
	client    *http.Client

	mu     sync.Mutex
	isDead bool
}

func (h *ggufHandle) closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isDead
}

func (h *ggufHandle) Info() Info {
	s := StateLoaded
	if h.closed() {
		s = StateUnloaded
	}
	return Info{Descriptor: h.desc, State: s, StateLabel: s.String(), LoadedAt: h.loadedAt}
}

func (h *ggufHandle) Generate(ctx context.Context, prompt string, opts domain.Options) (*domain.Result, error) {
	started := time.Now()
	ch, err := h.stream(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return collectStream(ctx, h.desc.ID, prompt, ch, started)
}

func (h *ggufHandle) Stream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	if err := requireStreaming(h.desc); err != nil {
		return nil, err
	}
	return h.stream(ctx, prompt, opts)
}

// stream sends a /completion request and parses the SSE token stream.
func (h *ggufHandle) stream(ctx context.Context, prompt string, opts domain.Options) (<-chan domain.Chunk, error) {
	if h.closed() {
		return nil, domain.Ef(domain.KindPermanentBackend, "model %q is closed", h.desc.ID)
	}

	body := map[string]any{
		"prompt":       prompt,
		"stream":       true,
		"temperature":  opts.Temperature,
		"top_p":        opts.TopP,
		"top_k":        opts.TopK,
		"n_predict":    opts.MaxTokens,
		"cache_prompt": true,
	}
	if opts.RepeatPenalty > 0 {
		body["repeat_penalty"] = opts.RepeatPenalty
	}
	if len(opts.StopStrings) > 0 {
		body["stop"] = opts.StopStrings
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "marshal completion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.addr+"/completion", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, domain.WrapErr(domain.KindInternal, "build completion request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.FromContextErr(ctx.Err())
		}
		return nil, domain.WrapErr(domain.KindTransientBackend, "llama-server request", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		kind := domain.KindPermanentBackend
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
			kind = domain.KindBusy
		}
		return nil, domain.Ef(kind, "llama-server error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	ch := make(chan domain.Chunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "" || data == "[DONE]" {
				continue
			}

			var chunk struct {
				Content string `json:"content"`
				Stop    bool   `json:"stop"`
				Timings struct {
					PromptN    int `json:"prompt_n"`
					PredictedN int `json:"predicted_n"`
				} `json:"timings"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			out := domain.Chunk{Delta: chunk.Content, Done: chunk.Stop}
			if chunk.Stop && chunk.Timings.PredictedN > 0 {
				out.Usage = &domain.Usage{
					PromptTokens:     chunk.Timings.PromptN,
					CompletionTokens: chunk.Timings.PredictedN,
					TotalTokens:      chunk.Timings.PromptN + chunk.Timings.PredictedN,
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- out:
			}
			if chunk.Stop {
				return
			}
		}
	}()
	return ch, nil
}

// Close kills the subprocess. Graceful shutdown first, then SIGKILL with a
// bounded wait. Idempotent.
func (h *ggufHandle) Close() error {
	h.mu.Lock()
	if h.isDead {
		h.mu.Unlock()
		return nil
	}
	h.isDead = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.addr+"/shutdown", nil); err == nil {
		h.client.Do(req) //nolint:errcheck
	}

	if h.cmd != nil && h.cmd.Process != nil {
		h.cmd.Process.Kill() //nolint:errcheck
		done := make(chan struct{})
		go func() {
			h.cmd.Wait() //nolint:errcheck
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(h.forceKill):
			h.loader.log.Warn().Str("model", h.desc.ID).Msg("llama-server did not exit after kill")
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// findFreePort asks the OS for an available loopback TCP port.
func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// waitForServer polls /health until ready, detecting early process exit so a
// crashing server fails fast instead of eating the whole timeout.
func waitForServer(ctx context.Context, addr string, timeout time.Duration, earlyExit <-chan error) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for time.Now().Before(deadline) {
		select {
		case err := <-earlyExit:
			return fmt.Errorf("server exited during startup: %v", err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := client.Get(addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server at %s not ready within %v", addr, timeout)
}

// limitedBuffer is a thread-safe buffer keeping only the last max bytes.
// Captures subprocess stderr without unbounded growth.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
