// Package policy stores tenant-scoped policy rules and evaluates
// execution requests against them. Evaluation is default-allow; the
// decision orchestrator owns the default posture for unmatched
// high-risk requests.
package policy

import (
	"time"

	"github.com/AppLetico/clasper/pkg/contracts"
)

// Effect is a rule's outcome when it matches.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// ValidEffect reports whether e is one of the three effects.
func ValidEffect(e Effect) bool {
	return e == EffectAllow || e == EffectDeny || e == EffectRequireApproval
}

// precedence orders effects; highest wins when multiple rules match.
func precedence(e Effect) int {
	switch e {
	case EffectDeny:
		return 3
	case EffectRequireApproval:
		return 2
	case EffectAllow:
		return 1
	}
	return 0
}

// SubjectType selects what a rule applies to.
type SubjectType string

const (
	SubjectTool    SubjectType = "tool"
	SubjectAdapter SubjectType = "adapter"
	SubjectSkill   SubjectType = "skill"
)

// Subject names the target of a rule. Name is optional; an empty name
// matches every subject of the type.
type Subject struct {
	Type SubjectType `json:"type" yaml:"type"`
	Name string      `json:"name,omitempty" yaml:"name,omitempty"`
}

// Conditions narrow a rule. Every specified condition must be satisfied;
// a context field the request omitted is unknown and never matches.
type Conditions struct {
	Tool             string   `json:"tool,omitempty" yaml:"tool,omitempty"`
	AdapterRiskClass string   `json:"adapter_risk_class,omitempty" yaml:"adapter_risk_class,omitempty"`
	SkillState       string   `json:"skill_state,omitempty" yaml:"skill_state,omitempty"`
	RiskLevel        string   `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	MinCost          *float64 `json:"min_cost,omitempty" yaml:"min_cost,omitempty"`
	MaxCost          *float64 `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	Capability       string   `json:"capability,omitempty" yaml:"capability,omitempty"`

	Context    *ContextConditions    `json:"context,omitempty" yaml:"context,omitempty"`
	Provenance *ProvenanceConditions `json:"provenance,omitempty" yaml:"provenance,omitempty"`

	// Expr is an optional CEL expression over the evaluation context.
	// Compile failures reject the upsert; evaluation errors never match.
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// ContextConditions match against the request's declared context flags.
type ContextConditions struct {
	ExternalNetwork    *bool    `json:"external_network,omitempty" yaml:"external_network,omitempty"`
	WritesFiles        *bool    `json:"writes_files,omitempty" yaml:"writes_files,omitempty"`
	ElevatedPrivileges *bool    `json:"elevated_privileges,omitempty" yaml:"elevated_privileges,omitempty"`
	PackageManager     *bool    `json:"package_manager,omitempty" yaml:"package_manager,omitempty"`
	Targets            []string `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// ProvenanceConditions match against declared provenance.
type ProvenanceConditions struct {
	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
	Publisher    string `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	ArtifactHash string `json:"artifact_hash,omitempty" yaml:"artifact_hash,omitempty"`
}

// Policy is one tenant-scoped rule.
type Policy struct {
	PolicyID     string      `json:"policy_id" yaml:"policy_id"`
	TenantID     string      `json:"tenant_id" yaml:"tenant_id"`
	WorkspaceID  string      `json:"workspace_id,omitempty" yaml:"workspace_id,omitempty"`
	Environment  string      `json:"environment,omitempty" yaml:"environment,omitempty"`
	Subject      Subject     `json:"subject" yaml:"subject"`
	Conditions   Conditions  `json:"conditions" yaml:"conditions"`
	Effect       Effect      `json:"effect" yaml:"effect"`
	RequiredRole string      `json:"required_role,omitempty" yaml:"required_role,omitempty"`
	Enabled      bool        `json:"enabled" yaml:"enabled"`
	CreatedAt    time.Time   `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty" yaml:"-"`
}

// Context is the evaluation input assembled by the orchestrator.
type Context struct {
	TenantID              string
	WorkspaceID           string
	Environment           string
	Tool                  string
	AdapterID             string
	AdapterRiskClass      string
	SkillID               string
	SkillState            string
	RiskLevel             string
	EstimatedCost         *float64
	RequestedCapabilities []string
	Intent                string
	Request               *contracts.RequestContext
	Provenance            *contracts.Provenance
}

// Evaluation is the engine's output.
type Evaluation struct {
	Decision        Effect                    `json:"decision"`
	MatchedPolicies []contracts.MatchedPolicy `json:"matched_policies"`
	// RequiredRole carries the strictest matched rule's approval role.
	RequiredRole  string `json:"required_role,omitempty"`
	PolicyVersion uint64 `json:"policy_version"`
}
