// Package domain holds the core value types and error taxonomy shared by
// every layer of the router. Domain types are pure — no infrastructure
// dependency beyond encoding.
package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ─── Model Format ───────────────────────────────────────────────────────────

// Format identifies the on-disk or on-wire representation of a model.
// The set is closed: loaders are registered per format tag.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatONNX        Format = "onnx"
	FormatSafetensors Format = "safetensors"
	FormatPyTorch     Format = "pytorch"
	FormatBinary      Format = "binary"
	FormatAPI         Format = "api"
	FormatMock        Format = "mock"
	FormatSimple      Format = "simple"
	FormatBitNet      Format = "bitnet"
	FormatHF          Format = "hf"
	FormatTFJS        Format = "tfjs"
)

// Formats lists every recognized format tag.
func Formats() []Format {
	return []Format{
		FormatGGUF, FormatONNX, FormatSafetensors, FormatPyTorch,
		FormatBinary, FormatAPI, FormatMock, FormatSimple,
		FormatBitNet, FormatHF, FormatTFJS,
	}
}

// Valid reports whether f is a recognized format tag.
func (f Format) Valid() bool {
	for _, known := range Formats() {
		if f == known {
			return true
		}
	}
	return false
}

// ─── Capabilities ───────────────────────────────────────────────────────────

// Capability tags what a model can do. Requests filter candidates by these.
type Capability string

const (
	CapStreaming       Capability = "streaming"
	CapChat            Capability = "chat"
	CapEmbedding       Capability = "embedding"
	CapQuantization    Capability = "quantization"
	CapGPU             Capability = "gpu"
	CapFunctionCalling Capability = "function-calling"
)

// Valid reports whether c is a recognized capability tag.
func (c Capability) Valid() bool {
	switch c {
	case CapStreaming, CapChat, CapEmbedding, CapQuantization, CapGPU, CapFunctionCalling:
		return true
	}
	return false
}

// CapabilitySet is an ordered, duplicate-free set of capability tags.
//
// Registration payloads in the wild supply capabilities either as a JSON
// array of tags or as an object whose keys are the tags. Both decode to the
// same set; the keys of an object form are the effective tags.
type CapabilitySet []Capability

// NewCapabilitySet builds a normalized (sorted, deduplicated) set.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	seen := make(map[Capability]struct{}, len(caps))
	out := make(CapabilitySet, 0, len(caps))
	for _, c := range caps {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	for _, have := range s {
		if have == c {
			return true
		}
	}
	return false
}

// Superset reports whether the set contains every tag in required.
func (s CapabilitySet) Superset(required CapabilitySet) bool {
	for _, c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts either ["chat","streaming"] or {"chat":true,...}.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		caps := make([]Capability, 0, len(m))
		for k := range m {
			caps = append(caps, Capability(k))
		}
		*s = NewCapabilitySet(caps...)
		return nil
	}
	var list []Capability
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewCapabilitySet(list...)
	return nil
}

// ─── Descriptor ─────────────────────────────────────────────────────────────

// Parameters tunes how a model is loaded and invoked. Zero values mean
// "use the engine default".
type Parameters struct {
	ContextSize   int     `json:"context_size,omitempty"`
	Quantization  string  `json:"quantization,omitempty"`
	Threads       int     `json:"threads,omitempty"`
	BatchSize     int     `json:"batch_size,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	MaxConcurrent int     `json:"max_concurrent,omitempty"`
	QualityScore  float64 `json:"quality_score,omitempty"` // 0..1, used by quality-first routing
}

// ProviderConfig configures API-backed models.
type ProviderConfig struct {
	Kind           string   `json:"kind"` // openai | anthropic | openai-compatible
	BaseURL        string   `json:"base_url,omitempty"`
	AuthEnv        string   `json:"auth_env,omitempty"` // env var holding the credential
	Models         []string `json:"models,omitempty"`   // allowed upstream model IDs
	CostPerMTokens float64  `json:"cost_per_mtokens,omitempty"`
	RequestsPerMin int      `json:"requests_per_min,omitempty"`
}

// Descriptor is the immutable configuration identifying one model:
// what it is, where it lives, and what it can do.
type Descriptor struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Format       Format          `json:"format"`
	Source       string          `json:"source"`
	Capabilities CapabilitySet   `json:"capabilities,omitempty"`
	Parameters   Parameters      `json:"parameters,omitempty"`
	Provider     *ProviderConfig `json:"provider,omitempty"`
}

// Validate checks the fields every descriptor must carry.
func (d Descriptor) Validate() error {
	var missing []string
	if d.ID == "" {
		missing = append(missing, "id")
	}
	if d.Name == "" {
		missing = append(missing, "name")
	}
	if d.Format == "" {
		missing = append(missing, "format")
	}
	if d.Source == "" {
		missing = append(missing, "source")
	}
	if len(missing) > 0 {
		return E(KindValidation, fmt.Sprintf("descriptor missing required fields: %s", strings.Join(missing, ", ")))
	}
	if !d.Format.Valid() {
		return E(KindValidation, fmt.Sprintf("unknown model format %q", d.Format))
	}
	for _, c := range d.Capabilities {
		if !c.Valid() {
			return E(KindValidation, fmt.Sprintf("unknown capability %q", c))
		}
	}
	return nil
}

// HasCapability reports whether the descriptor carries capability c.
func (d Descriptor) HasCapability(c Capability) bool {
	return d.Capabilities.Has(c)
}

// ─── Metrics ────────────────────────────────────────────────────────────────

// Metrics is a point-in-time snapshot of a model's usage counters.
// Live counters are updated atomically by the registry; this struct is the
// read-side (and journaled) view.
type Metrics struct {
	InferenceCount int64     `json:"inference_count"`
	TotalTokens    int64     `json:"total_tokens"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	LastUsedAt     time.Time `json:"last_used_at,omitzero"`
	LoadTimeMs     int64     `json:"load_time_ms"`
	ErrorCount     int64     `json:"error_count"`
}

// ─── Entry status ───────────────────────────────────────────────────────────

// EntryStatus is the registry-visible lifecycle state of a model.
type EntryStatus string

const (
	StatusRegistered EntryStatus = "registered" // descriptor known, no live handle
	StatusAvailable  EntryStatus = "available"  // preflight passed, load deferred
	StatusLoaded     EntryStatus = "loaded"     // live handle resident
	StatusUnloading  EntryStatus = "unloading"
	StatusError      EntryStatus = "error"
)
