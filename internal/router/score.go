package router

import (
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
)

// Balanced blend weights.
const (
	weightQuality = 0.4
	weightCost    = 0.3
	weightSpeed   = 0.3
)

// modelScore is one model's precomputed ranking inputs. All components are
// normalized to (0, 1], higher is better.
type modelScore struct {
	Quality float64
	Cost    float64
	Speed   float64
	Blend   float64
}

// scoreTable is the immutable snapshot the hot path reads through an atomic
// pointer. The monitor goroutine republishes it on an interval.
type scoreTable struct {
	at      time.Time
	byModel map[string]modelScore
}

func computeScores(views []registry.View, at time.Time) *scoreTable {
	t := &scoreTable{at: at, byModel: make(map[string]modelScore, len(views))}
	for _, v := range views {
		t.byModel[v.Descriptor.ID] = scoreView(v)
	}
	return t
}

func (t *scoreTable) lookup(id string) modelScore {
	if t == nil {
		return modelScore{Quality: 0.5, Cost: 1, Speed: 0.5, Blend: weightQuality*0.5 + weightCost + weightSpeed*0.5}
	}
	if s, ok := t.byModel[id]; ok {
		return s
	}
	// Model registered after the last snapshot: neutral scores until the
	// monitor catches up.
	return modelScore{Quality: 0.5, Cost: 1, Speed: 0.5, Blend: weightQuality*0.5 + weightCost + weightSpeed*0.5}
}

func scoreView(v registry.View) modelScore {
	m := v.Metrics

	// Quality: declared score degraded by the observed failure rate.
	quality := v.Descriptor.Parameters.QualityScore
	if quality <= 0 {
		quality = 0.5
	}
	if total := m.InferenceCount + m.ErrorCount; total > 0 {
		quality *= float64(m.InferenceCount) / float64(total)
	}

	// Cost: local models are free; hosted ones decay with $/Mtokens.
	var costPerM float64
	if v.Descriptor.Provider != nil {
		costPerM = v.Descriptor.Provider.CostPerMTokens
	}
	cost := 10 / (10 + costPerM)

	// Speed: unobserved models get a neutral score instead of a free win.
	speed := 0.5
	if m.InferenceCount > 0 {
		speed = 1000 / (1000 + m.AvgLatencyMs)
	}

	return modelScore{
		Quality: quality,
		Cost:    cost,
		Speed:   speed,
		Blend:   weightQuality*quality + weightCost*cost + weightSpeed*speed,
	}
}
