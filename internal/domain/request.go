package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Routing strategies ─────────────────────────────────────────────────────

// Strategy names a rule for ranking candidate models. The set is closed.
type Strategy string

const (
	StrategyQualityFirst    Strategy = "quality-first"
	StrategyCostOptimized   Strategy = "cost-optimized"
	StrategySpeedPriority   Strategy = "speed-priority"
	StrategyBalanced        Strategy = "balanced"
	StrategyRandom          Strategy = "random"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyExplicit        Strategy = "explicit"
)

// Strategies lists every recognized strategy.
func Strategies() []Strategy {
	return []Strategy{
		StrategyQualityFirst, StrategyCostOptimized, StrategySpeedPriority,
		StrategyBalanced, StrategyRandom, StrategyRoundRobin,
		StrategyLeastLoaded, StrategyCapabilityMatch, StrategyExplicit,
	}
}

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	for _, known := range Strategies() {
		if s == known {
			return true
		}
	}
	return false
}

// ─── Options ────────────────────────────────────────────────────────────────

// Options are the per-request generation settings. Construct with
// DefaultOptions and override, or apply an OptionOverrides patch from a
// transport payload.
type Options struct {
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	StopStrings   []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	TimeoutMs     int      `json:"timeout_ms,omitempty"`
	Cacheable     bool     `json:"cacheable,omitempty"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxTokens:     500,
		Temperature:   0.7,
		TopP:          0.95,
		TopK:          40,
		RepeatPenalty: 1.1,
	}
}

// OptionOverrides is the wire-side patch form of Options. Pointer fields
// distinguish "absent, use default" from explicit zero values — a request
// with temperature 0 is meaningful and must not be replaced by the default.
type OptionOverrides struct {
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	StopStrings   []string `json:"stop,omitempty"`
	Stream        *bool    `json:"stream,omitempty"`
	SystemPrompt  *string  `json:"system_prompt,omitempty"`
	TimeoutMs     *int     `json:"timeout_ms,omitempty"`
	Cacheable     *bool    `json:"cacheable,omitempty"`
}

// Apply overlays the patch onto o and returns the result.
func (o Options) Apply(ov OptionOverrides) Options {
	if ov.MaxTokens != nil {
		o.MaxTokens = *ov.MaxTokens
	}
	if ov.Temperature != nil {
		o.Temperature = *ov.Temperature
	}
	if ov.TopP != nil {
		o.TopP = *ov.TopP
	}
	if ov.TopK != nil {
		o.TopK = *ov.TopK
	}
	if ov.RepeatPenalty != nil {
		o.RepeatPenalty = *ov.RepeatPenalty
	}
	if ov.StopStrings != nil {
		o.StopStrings = ov.StopStrings
	}
	if ov.Stream != nil {
		o.Stream = *ov.Stream
	}
	if ov.SystemPrompt != nil {
		o.SystemPrompt = *ov.SystemPrompt
	}
	if ov.TimeoutMs != nil {
		o.TimeoutMs = *ov.TimeoutMs
	}
	if ov.Cacheable != nil {
		o.Cacheable = *ov.Cacheable
	}
	return o
}

// Validate rejects out-of-range settings. Out-of-range values fail rather
// than being silently clamped.
func (o Options) Validate() error {
	var problems []string
	if o.MaxTokens <= 0 {
		problems = append(problems, fmt.Sprintf("max_tokens must be positive, got %d", o.MaxTokens))
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		problems = append(problems, fmt.Sprintf("temperature must be in [0, 2], got %g", o.Temperature))
	}
	if o.TopP <= 0 || o.TopP > 1 {
		problems = append(problems, fmt.Sprintf("top_p must be in (0, 1], got %g", o.TopP))
	}
	if o.TopK < 1 || o.TopK > 1000 {
		problems = append(problems, fmt.Sprintf("top_k must be in [1, 1000], got %d", o.TopK))
	}
	if o.RepeatPenalty < 1 {
		problems = append(problems, fmt.Sprintf("repeat_penalty must be >= 1, got %g", o.RepeatPenalty))
	}
	if o.TimeoutMs < 0 {
		problems = append(problems, fmt.Sprintf("timeout_ms must be positive, got %d", o.TimeoutMs))
	}
	if len(problems) > 0 {
		return E(KindValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Deterministic reports whether two identical requests with these options
// are guaranteed identical output, which gates result caching.
func (o Options) Deterministic() bool {
	return o.Temperature == 0 || o.Cacheable
}

// ─── Request / Result ───────────────────────────────────────────────────────

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation request, transport-independent.
type Request struct {
	Prompt      string    `json:"prompt,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Options     Options   `json:"options"`
	RequesterID string    `json:"requester_id,omitempty"`
	Strategy    Strategy  `json:"strategy,omitempty"` // overrides the configured default
	ModelID     string    `json:"model_id,omitempty"` // required for the explicit strategy
}

// EffectivePrompt flattens messages (and the system prompt) into a single
// prompt string for handles that take raw text. A bare Prompt wins when no
// messages are present.
func (r Request) EffectivePrompt() string {
	if len(r.Messages) == 0 {
		if r.Options.SystemPrompt != "" {
			return "[SYSTEM] " + r.Options.SystemPrompt + "\n[USER] " + r.Prompt + "\n[ASSISTANT] "
		}
		return r.Prompt
	}
	var b strings.Builder
	if r.Options.SystemPrompt != "" {
		b.WriteString("[SYSTEM] ")
		b.WriteString(r.Options.SystemPrompt)
		b.WriteByte('\n')
	}
	for _, m := range r.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(m.Role), m.Content)
	}
	b.WriteString("[ASSISTANT] ")
	return b.String()
}

// RequiredCapabilities derives the capability set a request demands.
func (r Request) RequiredCapabilities() CapabilitySet {
	var caps []Capability
	if r.Options.Stream {
		caps = append(caps, CapStreaming)
	}
	if len(r.Messages) > 0 {
		caps = append(caps, CapChat)
	}
	return NewCapabilitySet(caps...)
}

// Usage is the token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a finished batched completion.
type Result struct {
	Text      string            `json:"text"`
	Tokens    int               `json:"tokens"`
	LatencyMs int64             `json:"latency_ms"`
	ModelID   string            `json:"model_id"`
	Usage     Usage             `json:"usage"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Cached    bool              `json:"cached,omitempty"`
}

// Chunk is one streamed delta. The final chunk carries Done=true and,
// when the backend reports it, final usage.
type Chunk struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
	Usage *Usage `json:"usage,omitempty"`

	// Err marks an abnormal end of the sequence. Terminal; never serialized.
	Err error `json:"-"`
}

// ─── Clock ──────────────────────────────────────────────────────────────────

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// EstimateTokens is the rough chars/4 heuristic used for prompt accounting
// when a backend does not report usage.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
