package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

func testService(t *testing.T) (*Service, *audit.Log) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "approval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := audit.NewLog(db, 5)
	svc := NewService(db, NewTokenMinter([]byte("decision-secret")), log, nil, time.Hour, 15*time.Minute)
	return svc, log
}

func testSnapshot() *contracts.DecisionSnapshot {
	return &contracts.DecisionSnapshot{
		Request: &contracts.ExecutionRequest{
			ExecutionID:           "exec-1",
			AdapterID:             "a1",
			TenantID:              "t1",
			WorkspaceID:           "ws1",
			RequestedCapabilities: []string{"shell.exec"},
		},
		Risk: &contracts.RiskAssessment{Score: 60, Level: "high"},
		GrantedScope: &contracts.ExecutionScope{
			Capabilities: []string{"shell.exec"},
			MaxSteps:     16,
			MaxCost:      1.0,
		},
	}
}

func approver(roles ...string) *auth.Identity {
	return &auth.Identity{
		Credential: auth.CredentialOperator,
		Subject:    "ops-1",
		TenantID:   "t1",
		Roles:      roles,
	}
}

func TestCreateAndGet(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	d, token, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, contracts.DecisionPending, d.State)

	got, err := s.Get(ctx, "t1", d.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, d.DecisionID, got.DecisionID)
	assert.Equal(t, "approver", got.RequiredRole)

	// Other tenants never see it.
	_, err = s.Get(ctx, "t2", d.DecisionID)
	assert.Equal(t, errs.KindDecisionNotFound, errs.KindOf(err))
}

func TestResolve_ApproveAndConsume(t *testing.T) {
	s, log := testService(t)
	ctx := context.Background()
	d, token, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)

	resolved, err := s.Resolve(ctx, approver("approver"), d.DecisionID, "approve", contracts.ReasonOpsOverride, "looks fine to run today")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApproved, resolved.State)
	assert.Equal(t, "ops-1", resolved.ResolvedBy)

	scope, err := s.Consume(ctx, "t1", d.DecisionID, token)
	require.NoError(t, err)
	assert.Equal(t, []string{"shell.exec"}, scope.Capabilities)
	assert.Equal(t, 16, scope.MaxSteps)
	assert.True(t, scope.ExpiresAt.After(time.Now()))

	// Second consume fails terminally.
	_, err = s.Consume(ctx, "t1", d.DecisionID, token)
	assert.Equal(t, errs.KindAlreadyResolved, errs.KindOf(err))

	entries, err := log.Query(ctx, "t1", audit.Filter{})
	require.NoError(t, err)
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	assert.Equal(t, []string{audit.EventDecisionCreated, audit.EventDecisionResolved, audit.EventDecisionConsumed}, types)
}

func TestResolve_Validation(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	d, _, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)

	_, err = s.Resolve(ctx, approver("approver"), d.DecisionID, "approve", contracts.ReasonOpsOverride, "too short")
	assert.Equal(t, errs.KindJustificationTooShort, errs.KindOf(err))

	_, err = s.Resolve(ctx, approver("approver"), d.DecisionID, "shrug", contracts.ReasonOpsOverride, "a justification")
	assert.Equal(t, errs.KindSchemaInvalid, errs.KindOf(err))

	_, err = s.Resolve(ctx, approver("approver"), d.DecisionID, "approve", "because", "a justification")
	assert.Equal(t, errs.KindSchemaInvalid, errs.KindOf(err))

	_, err = s.Resolve(ctx, approver("viewer"), d.DecisionID, "approve", contracts.ReasonOpsOverride, "a valid justification")
	assert.Equal(t, errs.KindRoleInsufficient, errs.KindOf(err))
}

func TestResolve_SecondCallFails(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	d, _, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)

	_, err = s.Resolve(ctx, approver("approver"), d.DecisionID, "deny", contracts.ReasonPolicyException, "denied for cause")
	require.NoError(t, err)

	_, err = s.Resolve(ctx, approver("approver"), d.DecisionID, "approve", contracts.ReasonOpsOverride, "changed my mind")
	assert.Equal(t, errs.KindAlreadyResolved, errs.KindOf(err))
}

func TestConsume_DeniedOrPendingFails(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	d, token, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)

	_, err = s.Consume(ctx, "t1", d.DecisionID, token)
	assert.Equal(t, errs.KindRequiresApproval, errs.KindOf(err))

	_, err = s.Resolve(ctx, approver("approver"), d.DecisionID, "deny", contracts.ReasonPolicyException, "not this one")
	require.NoError(t, err)

	_, err = s.Consume(ctx, "t1", d.DecisionID, token)
	assert.Equal(t, errs.KindAlreadyResolved, errs.KindOf(err))
}

func TestConsume_RequiresMatchingToken(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	d1, _, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)
	_, token2, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)

	_, err = s.Resolve(ctx, approver("approver"), d1.DecisionID, "approve", contracts.ReasonTestApproval, "test approval path")
	require.NoError(t, err)

	// Token for a different decision must not consume this one.
	_, err = s.Consume(ctx, "t1", d1.DecisionID, token2)
	assert.Equal(t, errs.KindInvalidSignature, errs.KindOf(err))
}

func TestSweepExpired(t *testing.T) {
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sweep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := audit.NewLog(db, 5)
	s := NewService(db, NewTokenMinter([]byte("k")), log, nil, time.Hour, time.Minute)

	ctx := context.Background()
	d, _, err := s.Create(ctx, "t1", testSnapshot(), "approver")
	require.NoError(t, err)

	// NewService replaces a non-positive TTL with the default, so the
	// deadline is moved into the past on the row itself.
	_, err = db.Exec(`UPDATE decisions SET expires_at = ? WHERE decision_id = ?`,
		time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano), d.DecisionID)
	require.NoError(t, err)

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "t1", d.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionExpired, got.State)

	// Expired is terminal: resolution fails.
	_, err = s.Resolve(ctx, approver("approver"), d.DecisionID, "approve", contracts.ReasonOpsOverride, "past the deadline")
	assert.Equal(t, errs.KindAlreadyResolved, errs.KindOf(err))

	// Sweeping again is a no-op.
	n, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
