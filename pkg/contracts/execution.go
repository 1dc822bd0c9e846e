// Package contracts holds the shared wire and domain types exchanged
// between Clasper components. Types here carry no behavior beyond
// trivial accessors; semantics live with the owning component.
package contracts

import "time"

// ExecutionRequest is the transient request an adapter submits before
// performing an agent execution.
type ExecutionRequest struct {
	ExecutionID           string          `json:"execution_id"`
	AdapterID             string          `json:"adapter_id"`
	TenantID              string          `json:"tenant_id"`
	WorkspaceID           string          `json:"workspace_id"`
	SkillID               string          `json:"skill_id,omitempty"`
	RequestedCapabilities []string        `json:"requested_capabilities"`
	Intent                string          `json:"intent,omitempty"`
	Context               *RequestContext `json:"context,omitempty"`
	Provenance            *Provenance     `json:"provenance,omitempty"`
	EstimatedCost         *float64        `json:"estimated_cost,omitempty"`
	ToolCount             *int            `json:"tool_count,omitempty"`
	Environment           string          `json:"environment,omitempty"`
	AdapterVersion        string          `json:"adapter_version,omitempty"`
	SkillState            string          `json:"skill_state,omitempty"`
	Temperature           *float64        `json:"temperature,omitempty"`
	DataSensitivity       string          `json:"data_sensitivity,omitempty"`
}

// EffectiveToolCount defaults tool_count to the requested capability
// count when the adapter did not declare it.
func (r *ExecutionRequest) EffectiveToolCount() int {
	if r.ToolCount != nil {
		return *r.ToolCount
	}
	return len(r.RequestedCapabilities)
}

// RequestContext carries the adapter's declared execution context.
// Every field is tri-state: absent means unknown, never false.
type RequestContext struct {
	ExternalNetwork    *bool    `json:"external_network,omitempty"`
	WritesFiles        *bool    `json:"writes_files,omitempty"`
	ElevatedPrivileges *bool    `json:"elevated_privileges,omitempty"`
	PackageManager     *bool    `json:"package_manager,omitempty"`
	Targets            []string `json:"targets,omitempty"`
}

// Provenance declares where the executing skill or bundle came from.
type Provenance struct {
	Source       string `json:"source,omitempty"` // marketplace | internal | git | unknown
	Publisher    string `json:"publisher,omitempty"`
	ArtifactHash string `json:"artifact_hash,omitempty"`
}

// ExecutionScope is a bounded grant attached to an allowed execution.
type ExecutionScope struct {
	Capabilities []string  `json:"capabilities"`
	MaxSteps     int       `json:"max_steps"`
	MaxCost      float64   `json:"max_cost"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExecutionDecision is the orchestrator's verdict on a request.
type ExecutionDecision struct {
	Allowed          bool            `json:"allowed"`
	BlockedReason    string          `json:"blocked_reason,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	DecisionID       string          `json:"decision_id,omitempty"`
	DecisionToken    string          `json:"decision_token,omitempty"`
	GrantedScope     *ExecutionScope `json:"granted_scope,omitempty"`
	Risk             *RiskAssessment `json:"risk,omitempty"`
	MatchedPolicies  []MatchedPolicy `json:"matched_policies,omitempty"`
}

// MatchedPolicy records one policy rule that matched during evaluation.
type MatchedPolicy struct {
	PolicyID string `json:"policy_id"`
	Effect   string `json:"effect"`
}

// RiskAssessment is the scorer's output: a score, its bucket, and the
// weighted breakdown operators audit.
type RiskAssessment struct {
	Score     int          `json:"score"`
	Level     string       `json:"level"` // low | medium | high | critical
	Breakdown []RiskFactor `json:"breakdown"`
}

// RiskFactor is one additive contribution to a risk score.
type RiskFactor struct {
	Factor string `json:"factor"`
	Weight int    `json:"weight"`
}
