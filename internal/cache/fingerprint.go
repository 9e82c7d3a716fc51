// Package cache provides the fingerprinted result cache with TTL expiry and
// at-most-one concurrent invocation per fingerprint.
package cache

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// Fingerprint is a 128-bit identity for (model, prompt, options). Two
// requests that must produce the same result share a Fingerprint.
type Fingerprint [16]byte

// Hex returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) Hex() string { return hex.EncodeToString(f[:]) }

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return f.Hex() }

// Compute derives the fingerprint for a request against one model.
// Options are reduced to the fields that affect output and marshaled as a
// map — encoding/json sorts map keys at all nesting levels, so the bytes
// are deterministic without manual canonicalization.
func Compute(modelID, prompt string, opts domain.Options) Fingerprint {
	payload := map[string]any{
		"model":  modelID,
		"prompt": normalizePrompt(prompt),
		"options": map[string]any{
			"max_tokens":     opts.MaxTokens,
			"temperature":    opts.Temperature,
			"top_p":          opts.TopP,
			"top_k":          opts.TopK,
			"repeat_penalty": opts.RepeatPenalty,
			"stop":           opts.StopStrings,
			"system_prompt":  opts.SystemPrompt,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Maps of strings to scalars cannot fail to marshal; fall back to
		// hashing the raw inputs if they somehow do.
		data = []byte(modelID + "\x00" + prompt)
	}
	return hashBytes(data)
}

// normalizePrompt trims surrounding whitespace so that cosmetically distinct
// submissions of the same prompt share a cache slot.
func normalizePrompt(p string) string {
	return strings.TrimSpace(p)
}

func hashBytes(data []byte) Fingerprint {
	h128 := xxh3.Hash128(data)
	var f Fingerprint
	binary.LittleEndian.PutUint64(f[:8], h128.Lo)
	binary.LittleEndian.PutUint64(f[8:], h128.Hi)
	return f
}
