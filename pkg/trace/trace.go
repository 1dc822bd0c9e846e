// Package trace persists execution traces whose steps form a hash
// chain. Step data is never mutated after insertion; integrity is a
// derived verdict computed on read by re-hashing.
package trace

import (
	"encoding/json"
	"time"

	"github.com/AppLetico/clasper/pkg/canonicalize"
)

// Integrity is the derived verdict on a stored trace's step chain.
type Integrity string

const (
	IntegrityVerified    Integrity = "verified"
	IntegrityCompromised Integrity = "compromised"
	IntegrityUnsigned    Integrity = "unsigned"
	IntegrityUnverified  Integrity = "unverified"
)

// Usage mirrors the provider's reported token usage and cost.
type Usage struct {
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Step is one link in a trace's hash chain.
type Step struct {
	StepID       string          `json:"step_id"`
	PrevStepHash *string         `json:"prev_step_hash"`
	StepHash     *string         `json:"step_hash"`
	Type         string          `json:"type"`
	Timestamp    string          `json:"timestamp"`
	DurationMS   int64           `json:"duration_ms"`
	Data         json.RawMessage `json:"data"`
}

// hashRecord is the field set covered by the step hash; it mirrors the
// audit chain's canonicalization rule.
func (s *Step) hashRecord() map[string]any {
	return map[string]any{
		"step_id":        s.StepID,
		"prev_step_hash": s.PrevStepHash,
		"type":           s.Type,
		"timestamp":      s.Timestamp,
		"duration_ms":    s.DurationMS,
		"data":           s.Data,
	}
}

// Trace is one persisted execution trace.
type Trace struct {
	TraceID        string          `json:"trace_id"`
	TenantID       string          `json:"tenant_id"`
	WorkspaceID    string          `json:"workspace_id"`
	AdapterID      string          `json:"adapter_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Model          string          `json:"model"`
	Provider       string          `json:"provider"`
	Input          string          `json:"input"`
	Output         string          `json:"output,omitempty"`
	Steps          []*Step         `json:"steps"`
	Usage          Usage           `json:"usage"`
	GrantedScope   json.RawMessage `json:"granted_scope,omitempty"`
	UsedScope      json.RawMessage `json:"used_scope,omitempty"`
	RedactedPrompt string          `json:"redacted_prompt,omitempty"`
	Error          string          `json:"error,omitempty"`

	// Integrity is derived on read, never stored.
	Integrity Integrity `json:"integrity,omitempty"`
}

// ComputeIntegrity reconciles the step chain:
//   - unverified: zero steps
//   - unsigned:   no step carries a hash
//   - compromised: any hash mismatch or broken link
//   - verified:   every step hashed and the chain reconciles
func ComputeIntegrity(steps []*Step) Integrity {
	if len(steps) == 0 {
		return IntegrityUnverified
	}

	signed := false
	for _, s := range steps {
		if s.StepHash != nil {
			signed = true
			break
		}
	}
	if !signed {
		return IntegrityUnsigned
	}

	var prev *string
	for i, s := range steps {
		if s.StepHash == nil {
			return IntegrityCompromised
		}
		if i == 0 {
			if s.PrevStepHash != nil {
				return IntegrityCompromised
			}
		} else if s.PrevStepHash == nil || prev == nil || *s.PrevStepHash != *prev {
			return IntegrityCompromised
		}

		h, err := canonicalize.HashJSON(s.hashRecord())
		if err != nil || canonicalize.FormatHash(h) != *s.StepHash {
			return IntegrityCompromised
		}
		prev = s.StepHash
	}
	return IntegrityVerified
}

// ChainSteps signs a step sequence in place, linking each step to its
// predecessor. Used by the built-in runtime and by tests; adapters
// normally sign their own steps.
func ChainSteps(steps []*Step) error {
	var prev *string
	for _, s := range steps {
		s.PrevStepHash = prev
		h, err := canonicalize.HashJSON(s.hashRecord())
		if err != nil {
			return err
		}
		formatted := canonicalize.FormatHash(h)
		s.StepHash = &formatted
		prev = s.StepHash
	}
	return nil
}
