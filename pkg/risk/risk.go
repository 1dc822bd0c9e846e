// Package risk maps execution request attributes onto a bounded score
// and a bucket. Scoring is additive with documented weights; every
// score ships with its weighted breakdown so operators can audit it.
package risk

import (
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/registry"
)

// Level buckets a score at the 25/55/80 cutoffs.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Skill maturity states.
const (
	SkillUntested = "untested"
	SkillTested   = "tested"
	SkillPinned   = "pinned"
)

// Weights are the tunable scoring parameters, fixed at a given
// deployment.
type Weights struct {
	BaseLow      int
	BaseMedium   int
	BaseHigh     int
	BaseCritical int

	PerCapabilityAbove int // per capability above the free allowance
	CapabilityFree     int
	HighImpact         int

	ExternalNetwork    int
	ElevatedPrivileges int

	SourceMarketplace int
	SourceUnknown     int

	SkillUntested int
	SkillPinned   int // negative

	HighTemperature int
	DataPII         int
	DataSecrets     int
}

// DefaultWeights are the documented deployment defaults.
func DefaultWeights() Weights {
	return Weights{
		BaseLow:            0,
		BaseMedium:         15,
		BaseHigh:           35,
		BaseCritical:       60,
		PerCapabilityAbove: 2,
		CapabilityFree:     3,
		HighImpact:         10,
		ExternalNetwork:    10,
		ElevatedPrivileges: 15,
		SourceMarketplace:  10,
		SourceUnknown:      5,
		SkillUntested:      10,
		SkillPinned:        -5,
		HighTemperature:    5,
		DataPII:            10,
		DataSecrets:        20,
	}
}

// highImpactCapabilities are capabilities whose presence alone raises
// the score.
var highImpactCapabilities = map[string]bool{
	"shell.exec":       true,
	"filesystem.write": true,
	"network.egress":   true,
	"credentials.read": true,
}

// Scorer scores execution requests under a fixed weight set.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer. Zero-value weights fall back to defaults.
func NewScorer(w Weights) *Scorer {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Scorer{weights: w}
}

// Score computes the assessment for a request against its resolved
// adapter registration.
func (s *Scorer) Score(req *contracts.ExecutionRequest, adapterRisk registry.RiskClass) *contracts.RiskAssessment {
	w := s.weights
	var breakdown []contracts.RiskFactor
	add := func(factor string, weight int) {
		if weight == 0 {
			return
		}
		breakdown = append(breakdown, contracts.RiskFactor{Factor: factor, Weight: weight})
	}

	switch adapterRisk {
	case registry.RiskLow:
		add("adapter_risk_class:low", w.BaseLow)
	case registry.RiskMedium:
		add("adapter_risk_class:medium", w.BaseMedium)
	case registry.RiskHigh:
		add("adapter_risk_class:high", w.BaseHigh)
	case registry.RiskCritical:
		add("adapter_risk_class:critical", w.BaseCritical)
	}

	// tool_count is optional and defaults to the requested capability
	// count; a declared count overrides it either way.
	if n := req.EffectiveToolCount(); n > w.CapabilityFree {
		add("tool_breadth", (n-w.CapabilityFree)*w.PerCapabilityAbove)
	}
	for _, c := range req.RequestedCapabilities {
		if highImpactCapabilities[c] {
			add("high_impact_capability", w.HighImpact)
			break
		}
	}

	if rc := req.Context; rc != nil {
		if rc.ExternalNetwork != nil && *rc.ExternalNetwork {
			add("context:external_network", w.ExternalNetwork)
		}
		if rc.ElevatedPrivileges != nil && *rc.ElevatedPrivileges {
			add("context:elevated_privileges", w.ElevatedPrivileges)
		}
	}

	if pv := req.Provenance; pv != nil {
		switch pv.Source {
		case "marketplace":
			add("provenance:marketplace", w.SourceMarketplace)
		case "unknown":
			add("provenance:unknown", w.SourceUnknown)
		}
	}

	switch req.SkillState {
	case SkillUntested:
		add("skill:untested", w.SkillUntested)
	case SkillPinned:
		add("skill:pinned", w.SkillPinned)
	}

	if req.Temperature != nil && *req.Temperature > 1.0 {
		add("temperature_above_1", w.HighTemperature)
	}

	switch req.DataSensitivity {
	case "pii":
		add("data_sensitivity:pii", w.DataPII)
	case "secrets":
		add("data_sensitivity:secrets", w.DataSecrets)
	}

	score := 0
	for _, f := range breakdown {
		score += f.Weight
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return &contracts.RiskAssessment{
		Score:     score,
		Level:     string(Bucket(score)),
		Breakdown: breakdown,
	}
}

// Bucket maps a score onto its level at cutoffs 25, 55, 80.
func Bucket(score int) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 55:
		return LevelMedium
	case score < 80:
		return LevelHigh
	default:
		return LevelCritical
	}
}
