package contracts

import (
	"encoding/json"
	"time"
)

// DecisionState is the lifecycle state of a pending approval decision.
type DecisionState string

const (
	DecisionPending  DecisionState = "pending"
	DecisionApproved DecisionState = "approved"
	DecisionDenied   DecisionState = "denied"
	DecisionExpired  DecisionState = "expired"
	DecisionConsumed DecisionState = "consumed"
)

// Terminal reports whether the state admits no further transitions
// other than approved -> consumed.
func (s DecisionState) Terminal() bool {
	switch s {
	case DecisionDenied, DecisionExpired, DecisionConsumed:
		return true
	}
	return false
}

// ReasonCode constrains the structured justification on a resolution.
type ReasonCode string

const (
	ReasonOpsOverride      ReasonCode = "ops_override"
	ReasonPolicyException  ReasonCode = "policy_exception"
	ReasonEmergencyUnblock ReasonCode = "emergency_unblock"
	ReasonTestApproval     ReasonCode = "test_approval"
)

// ValidReasonCode reports whether rc is in the enum.
func ValidReasonCode(rc ReasonCode) bool {
	switch rc {
	case ReasonOpsOverride, ReasonPolicyException, ReasonEmergencyUnblock, ReasonTestApproval:
		return true
	}
	return false
}

// Decision is a persisted approval record created when an execution
// request requires approval.
type Decision struct {
	DecisionID      string          `json:"decision_id"`
	TenantID        string          `json:"tenant_id"`
	ExecutionID     string          `json:"execution_id"`
	AdapterID       string          `json:"adapter_id"`
	State           DecisionState   `json:"state"`
	RequestSnapshot json.RawMessage `json:"request_snapshot"`
	RequiredRole    string          `json:"required_role"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ReasonCode      ReasonCode      `json:"reason_code,omitempty"`
	Justification   string          `json:"justification,omitempty"`
}

// DecisionSnapshot is the reproducibility record frozen into a Decision:
// the original request plus the risk breakdown and matched policies at
// evaluation time.
type DecisionSnapshot struct {
	Request         *ExecutionRequest `json:"request"`
	Risk            *RiskAssessment   `json:"risk"`
	MatchedPolicies []MatchedPolicy   `json:"matched_policies"`
	PolicyVersion   uint64            `json:"policy_version"`
	GrantedScope    *ExecutionScope   `json:"granted_scope,omitempty"`
}
