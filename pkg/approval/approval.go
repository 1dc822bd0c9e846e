// Package approval persists pending execution decisions and drives
// their lifecycle: pending -> approved|denied|expired, and approved ->
// consumed when the adapter presents its decision token. Every
// transition is a conditional update on the predecessor state and is
// evidenced in the audit chain.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

// MinJustificationLen is the floor on resolution justifications.
const MinJustificationLen = 10

// DefaultApprovalTTL bounds how long a decision stays pending.
const DefaultApprovalTTL = 24 * time.Hour

// Notifier is told about queue transitions. Implementations must never
// block the decision path.
type Notifier interface {
	DecisionPending(tenantID string, d *contracts.Decision)
	DecisionResolved(tenantID string, d *contracts.Decision)
}

// Service owns the approval queue.
type Service struct {
	db       *sql.DB
	tokens   *TokenMinter
	audit    *audit.Log
	notifier Notifier
	ttl      time.Duration
	grantTTL time.Duration
}

// NewService creates the queue service. notifier may be nil.
func NewService(db *sql.DB, tokens *TokenMinter, auditLog *audit.Log, notifier Notifier, approvalTTL, grantTTL time.Duration) *Service {
	if approvalTTL <= 0 {
		approvalTTL = DefaultApprovalTTL
	}
	if grantTTL <= 0 {
		grantTTL = 15 * time.Minute
	}
	return &Service{db: db, tokens: tokens, audit: auditLog, notifier: notifier, ttl: approvalTTL, grantTTL: grantTTL}
}

// Create persists a pending decision and mints its decision token.
func (s *Service) Create(ctx context.Context, tenantID string, snapshot *contracts.DecisionSnapshot, requiredRole string) (*contracts.Decision, string, error) {
	if snapshot == nil || snapshot.Request == nil {
		return nil, "", errs.New(errs.KindSchemaInvalid, "decision requires a request snapshot")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", errs.Wrap(errs.KindInternal, "decision id generation failed", err)
	}

	snapBytes, err := json.Marshal(snapshot)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindSchemaInvalid, "snapshot not serializable", err)
	}

	now := time.Now().UTC()
	d := &contracts.Decision{
		DecisionID:      id.String(),
		TenantID:        tenantID,
		ExecutionID:     snapshot.Request.ExecutionID,
		AdapterID:       snapshot.Request.AdapterID,
		State:           contracts.DecisionPending,
		RequestSnapshot: snapBytes,
		RequiredRole:    requiredRole,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}

	err = store.WithRetry(ctx, store.DefaultRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO decisions (decision_id, tenant_id, execution_id, adapter_id, state, request_snapshot, required_role, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.DecisionID, d.TenantID, d.ExecutionID, d.AdapterID, string(d.State),
			string(d.RequestSnapshot), d.RequiredRole,
			d.CreatedAt.Format(time.RFC3339Nano), d.ExpiresAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, "", err
	}

	token, err := s.tokens.Mint(d.TenantID, d.DecisionID, d.ExpiresAt)
	if err != nil {
		return nil, "", err
	}

	// Audit failure is a hard error: every queue transition is
	// evidenced or refused.
	if _, err := s.audit.Append(ctx, tenantID, audit.EventDecisionCreated, "system", &d.DecisionID, map[string]any{
		"state":         string(d.State),
		"execution_id":  d.ExecutionID,
		"adapter_id":    d.AdapterID,
		"required_role": d.RequiredRole,
		"expires_at":    d.ExpiresAt.Format(time.RFC3339Nano),
	}); err != nil {
		return nil, "", err
	}

	if s.notifier != nil {
		s.notifier.DecisionPending(tenantID, d)
	}
	return d, token, nil
}

// Get returns a decision within the caller's tenant only.
func (s *Service) Get(ctx context.Context, tenantID, decisionID string) (*contracts.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, tenant_id, execution_id, adapter_id, state, request_snapshot, required_role, created_at, expires_at, resolved_at, resolved_by, reason_code, justification
		FROM decisions WHERE decision_id = ? AND tenant_id = ?`, decisionID, tenantID)
	return scanDecision(row)
}

// Resolve transitions pending -> approved|denied. The approver identity
// must carry the decision's required role; a second call fails with
// already_resolved.
func (s *Service) Resolve(ctx context.Context, approver *auth.Identity, decisionID, action string, reasonCode contracts.ReasonCode, justification string) (*contracts.Decision, error) {
	if action != "approve" && action != "deny" {
		return nil, errs.Newf(errs.KindSchemaInvalid, "action must be approve or deny, got %q", action)
	}
	if !contracts.ValidReasonCode(reasonCode) {
		return nil, errs.Newf(errs.KindSchemaInvalid, "invalid reason_code %q", reasonCode)
	}
	if len(justification) < MinJustificationLen {
		return nil, errs.Newf(errs.KindJustificationTooShort, "justification must be at least %d characters", MinJustificationLen)
	}

	d, err := s.Get(ctx, approver.TenantID, decisionID)
	if err != nil {
		return nil, err
	}
	if d.RequiredRole != "" && !approver.HasRole(d.RequiredRole) {
		return nil, errs.Newf(errs.KindRoleInsufficient, "resolution requires role %q", d.RequiredRole)
	}
	if d.State == contracts.DecisionPending && time.Now().After(d.ExpiresAt) {
		return nil, errs.New(errs.KindDecisionExpired, "decision expired before resolution")
	}

	next := contracts.DecisionApproved
	if action == "deny" {
		next = contracts.DecisionDenied
	}
	now := time.Now().UTC()
	actor := approver.Subject
	if actor == "" {
		actor = approver.UserID
	}

	var updated bool
	err = store.WithRetry(ctx, store.DefaultRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE decisions SET state = ?, resolved_at = ?, resolved_by = ?, reason_code = ?, justification = ?
			WHERE decision_id = ? AND tenant_id = ? AND state = ?`,
			string(next), now.Format(time.RFC3339Nano), actor, string(reasonCode), justification,
			decisionID, approver.TenantID, string(contracts.DecisionPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errs.New(errs.KindAlreadyResolved, "decision is no longer pending")
	}

	d.State = next
	d.ResolvedAt = &now
	d.ResolvedBy = actor
	d.ReasonCode = reasonCode
	d.Justification = justification

	// Who approved what must land in the chain before the result is
	// returned; an unevidenced resolution is a hard error.
	if _, err := s.audit.Append(ctx, approver.TenantID, audit.EventDecisionResolved, actor, &decisionID, map[string]any{
		"action":        action,
		"state":         string(next),
		"reason_code":   string(reasonCode),
		"justification": justification,
	}); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.DecisionResolved(approver.TenantID, d)
	}
	return d, nil
}

// Consume transitions approved -> consumed upon presentation of the
// decision token and returns the granted scope. Consuming a denied,
// expired, or already-consumed decision fails.
func (s *Service) Consume(ctx context.Context, tenantID, decisionID, decisionToken string) (*contracts.ExecutionScope, error) {
	if err := s.tokens.Verify(tenantID, decisionID, decisionToken); err != nil {
		return nil, err
	}

	d, err := s.Get(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	switch d.State {
	case contracts.DecisionApproved:
	case contracts.DecisionPending:
		return nil, errs.New(errs.KindRequiresApproval, "decision not yet approved")
	default:
		return nil, errs.Newf(errs.KindAlreadyResolved, "decision is %s", d.State)
	}

	var updated bool
	err = store.WithRetry(ctx, store.DefaultRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE decisions SET state = ?
			WHERE decision_id = ? AND tenant_id = ? AND state = ?`,
			string(contracts.DecisionConsumed), decisionID, tenantID, string(contracts.DecisionApproved))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errs.New(errs.KindAlreadyResolved, "decision already consumed")
	}

	var snapshot contracts.DecisionSnapshot
	if err := json.Unmarshal(d.RequestSnapshot, &snapshot); err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, "corrupt decision snapshot", err)
	}
	scope := snapshot.GrantedScope
	if scope == nil {
		scope = &contracts.ExecutionScope{
			Capabilities: snapshot.Request.RequestedCapabilities,
		}
	}
	scope.ExpiresAt = time.Now().UTC().Add(s.grantTTL)

	if _, err := s.audit.Append(ctx, tenantID, audit.EventDecisionConsumed, "adapter:"+d.AdapterID, &decisionID, map[string]any{
		"execution_id": d.ExecutionID,
		"scope":        scope,
	}); err != nil {
		return nil, err
	}
	return scope, nil
}

func scanDecision(row *sql.Row) (*contracts.Decision, error) {
	d := &contracts.Decision{}
	var state, snapshot, created, expires string
	var resolvedAt, resolvedBy, reason, justification sql.NullString
	err := row.Scan(&d.DecisionID, &d.TenantID, &d.ExecutionID, &d.AdapterID, &state,
		&snapshot, &d.RequiredRole, &created, &expires, &resolvedAt, &resolvedBy, &reason, &justification)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindDecisionNotFound, "no such decision in tenant")
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	d.State = contracts.DecisionState(state)
	d.RequestSnapshot = []byte(snapshot)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	d.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	if resolvedAt.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		d.ResolvedAt = &ts
	}
	d.ResolvedBy = resolvedBy.String
	d.ReasonCode = contracts.ReasonCode(reason.String)
	d.Justification = justification.String
	return d, nil
}
