package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/registry"
)

func boolp(b bool) *bool        { return &b }
func floatp(f float64) *float64 { return &f }

func TestScore_LowRiskBaseline(t *testing.T) {
	s := NewScorer(Weights{})
	a := s.Score(&contracts.ExecutionRequest{
		RequestedCapabilities: []string{"llm"},
	}, registry.RiskLow)

	assert.Equal(t, 0, a.Score)
	assert.Equal(t, "low", a.Level)
	assert.Empty(t, a.Breakdown)
}

func TestScore_AdapterBase(t *testing.T) {
	s := NewScorer(Weights{})
	assert.Equal(t, 15, s.Score(&contracts.ExecutionRequest{}, registry.RiskMedium).Score)
	assert.Equal(t, 35, s.Score(&contracts.ExecutionRequest{}, registry.RiskHigh).Score)
	assert.Equal(t, 60, s.Score(&contracts.ExecutionRequest{}, registry.RiskCritical).Score)
}

func TestScore_CapabilityBreadthAndImpact(t *testing.T) {
	s := NewScorer(Weights{})
	a := s.Score(&contracts.ExecutionRequest{
		RequestedCapabilities: []string{"a", "b", "c", "d", "e", "shell.exec"},
	}, registry.RiskLow)

	// 6 capabilities: 3 above free allowance at 2 each, plus high-impact 10.
	assert.Equal(t, 16, a.Score)
	assert.Equal(t, "low", a.Level)
	assert.Len(t, a.Breakdown, 2)
}

func TestScore_DeclaredToolCountOverridesBreadth(t *testing.T) {
	s := NewScorer(Weights{})

	// Declared tool_count wins over the capability count in either
	// direction; zero means no breadth penalty at all.
	ten := 10
	a := s.Score(&contracts.ExecutionRequest{
		RequestedCapabilities: []string{"llm"},
		ToolCount:             &ten,
	}, registry.RiskLow)
	assert.Equal(t, 14, a.Score)

	zero := 0
	a = s.Score(&contracts.ExecutionRequest{
		RequestedCapabilities: []string{"a", "b", "c", "d", "e"},
		ToolCount:             &zero,
	}, registry.RiskLow)
	assert.Equal(t, 0, a.Score)
}

func TestScore_ContextAndProvenance(t *testing.T) {
	s := NewScorer(Weights{})
	a := s.Score(&contracts.ExecutionRequest{
		Context: &contracts.RequestContext{
			ExternalNetwork:    boolp(true),
			ElevatedPrivileges: boolp(true),
		},
		Provenance: &contracts.Provenance{Source: "marketplace"},
	}, registry.RiskMedium)

	// 15 base + 10 network + 15 privileges + 10 marketplace = 50.
	assert.Equal(t, 50, a.Score)
	assert.Equal(t, "medium", a.Level)
}

func TestScore_UnknownContextAddsNothing(t *testing.T) {
	s := NewScorer(Weights{})
	a := s.Score(&contracts.ExecutionRequest{
		Context: &contracts.RequestContext{ExternalNetwork: boolp(false)},
	}, registry.RiskLow)
	assert.Equal(t, 0, a.Score)

	a = s.Score(&contracts.ExecutionRequest{}, registry.RiskLow)
	assert.Equal(t, 0, a.Score)
}

func TestScore_SkillTemperatureSensitivity(t *testing.T) {
	s := NewScorer(Weights{})

	a := s.Score(&contracts.ExecutionRequest{
		SkillState:      SkillUntested,
		Temperature:     floatp(1.5),
		DataSensitivity: "secrets",
	}, registry.RiskLow)
	// 10 untested + 5 temperature + 20 secrets.
	assert.Equal(t, 35, a.Score)

	a = s.Score(&contracts.ExecutionRequest{
		SkillState:      SkillPinned,
		DataSensitivity: "pii",
	}, registry.RiskLow)
	// -5 pinned + 10 pii.
	assert.Equal(t, 5, a.Score)
}

func TestScore_PinnedNeverGoesNegative(t *testing.T) {
	s := NewScorer(Weights{})
	a := s.Score(&contracts.ExecutionRequest{SkillState: SkillPinned}, registry.RiskLow)
	assert.Equal(t, 0, a.Score)
}

func TestScore_ClipsAt100(t *testing.T) {
	s := NewScorer(Weights{})
	a := s.Score(&contracts.ExecutionRequest{
		RequestedCapabilities: []string{"shell.exec", "filesystem.write", "network.egress", "credentials.read", "a", "b", "c", "d", "e", "f"},
		Context: &contracts.RequestContext{
			ExternalNetwork:    boolp(true),
			ElevatedPrivileges: boolp(true),
		},
		Provenance:      &contracts.Provenance{Source: "marketplace"},
		SkillState:      SkillUntested,
		Temperature:     floatp(1.5),
		DataSensitivity: "secrets",
	}, registry.RiskCritical)
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, "critical", a.Level)
}

func TestBucketCutoffs(t *testing.T) {
	assert.Equal(t, LevelLow, Bucket(0))
	assert.Equal(t, LevelLow, Bucket(24))
	assert.Equal(t, LevelMedium, Bucket(25))
	assert.Equal(t, LevelMedium, Bucket(54))
	assert.Equal(t, LevelHigh, Bucket(55))
	assert.Equal(t, LevelHigh, Bucket(79))
	assert.Equal(t, LevelCritical, Bucket(80))
	assert.Equal(t, LevelCritical, Bucket(100))
}

func TestScore_BreakdownSumsToScore(t *testing.T) {
	s := NewScorer(Weights{})
	a := s.Score(&contracts.ExecutionRequest{
		RequestedCapabilities: []string{"shell.exec", "a", "b", "c", "d"},
		Provenance:            &contracts.Provenance{Source: "unknown"},
	}, registry.RiskMedium)

	sum := 0
	for _, f := range a.Breakdown {
		sum += f.Weight
	}
	assert.Equal(t, a.Score, sum)
}
