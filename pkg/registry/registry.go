// Package registry tracks per-tenant adapter enrollment: versions,
// declared capabilities, risk class, enabled state, and telemetry
// verification keys.
package registry

import (
	"time"
)

// RiskClass grades an adapter's inherent risk.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// ValidRiskClass reports whether rc is one of the four grades.
func ValidRiskClass(rc RiskClass) bool {
	switch rc {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Registration is one enrolled adapter version within a tenant.
type Registration struct {
	TenantID     string    `json:"tenant_id"`
	AdapterID    string    `json:"adapter_id"`
	Version      string    `json:"version"`
	DisplayName  string    `json:"display_name"`
	RiskClass    RiskClass `json:"risk_class"`
	Capabilities []string  `json:"capabilities"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeclaresCapabilities reports whether requested is a subset of the
// adapter's declared capability set.
func (r *Registration) DeclaresCapabilities(requested []string) (missing []string) {
	declared := make(map[string]bool, len(r.Capabilities))
	for _, c := range r.Capabilities {
		declared[c] = true
	}
	for _, c := range requested {
		if !declared[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// TelemetryKey is a verification key enrolled for one adapter version.
type TelemetryKey struct {
	TenantID  string     `json:"tenant_id"`
	AdapterID string     `json:"adapter_id"`
	Version   string     `json:"version"`
	KeyID     string     `json:"key_id"`
	Algorithm string     `json:"algorithm"` // identity.AlgEd25519 | identity.AlgES256
	PublicJWK string     `json:"public_jwk"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *TelemetryKey) Revoked() bool { return k.RevokedAt != nil }
