// Package budget tracks per-tenant spend ceilings with fail-closed
// behavior: an unreadable budget denies rather than approximates.
package budget

import (
	"context"
	"time"
)

// Budget is a tenant's remaining spend allowance.
type Budget struct {
	TenantID  string    `json:"tenant_id"`
	Remaining float64   `json:"remaining"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists tenant budgets. Debit must be a conditional update: it
// succeeds only when the full amount is available.
type Store interface {
	Get(ctx context.Context, tenantID string) (*Budget, error)
	Set(ctx context.Context, tenantID string, remaining float64) error
	Debit(ctx context.Context, tenantID string, amount float64) (bool, error)
}
