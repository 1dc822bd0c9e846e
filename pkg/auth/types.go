// Package auth verifies inbound credentials and propagates the tenant
// context. Every request carries exactly one credential type; the
// verified Identity travels on the request context and is never
// re-parsed downstream.
package auth

// CredentialType distinguishes the three trust domains on the wire.
type CredentialType string

const (
	CredentialAdapter  CredentialType = "adapter"
	CredentialOperator CredentialType = "operator"
	CredentialBackend  CredentialType = "backend"
)

// Identity is a verified request principal.
type Identity struct {
	Credential  CredentialType `json:"credential"`
	Subject     string         `json:"subject"`
	TenantID    string         `json:"tenant_id"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	AgentRole   string         `json:"agent_role,omitempty"`
	Roles       []string       `json:"roles,omitempty"`

	// Permission claims. Nil slices mean unrestricted; nil numerics the same.
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	AllowedModels   []string `json:"allowed_models,omitempty"`
	AllowedSkills   []string `json:"allowed_skills,omitempty"`
	MaxTokens       *int64   `json:"max_tokens,omitempty"`
	BudgetRemaining *float64 `json:"budget_remaining,omitempty"`
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}
