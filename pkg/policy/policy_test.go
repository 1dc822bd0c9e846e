package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func boolp(b bool) *bool       { return &b }
func floatp(f float64) *float64 { return &f }

// marketShellDeny is the S2 rule: marketplace-sourced adapters running
// shell.exec with external network access are denied.
func marketShellDeny(tenant string) *Policy {
	return &Policy{
		PolicyID: "deny-marketplace-shell",
		TenantID: tenant,
		Subject:  Subject{Type: SubjectAdapter},
		Conditions: Conditions{
			Capability: "shell.exec",
			Context:    &ContextConditions{ExternalNetwork: boolp(true)},
			Provenance: &ProvenanceConditions{Source: "marketplace"},
		},
		Effect:  EffectDeny,
		Enabled: true,
	}
}

func TestEvaluate_DenyOnFullMatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, marketShellDeny("t1")))

	eval, err := s.Evaluate(ctx, &Context{
		TenantID:              "t1",
		AdapterID:             "mkt_adapter",
		RequestedCapabilities: []string{"shell.exec"},
		Request:               &contracts.RequestContext{ExternalNetwork: boolp(true)},
		Provenance:            &contracts.Provenance{Source: "marketplace"},
	})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, eval.Decision)
	require.Len(t, eval.MatchedPolicies, 1)
	assert.Equal(t, "deny-marketplace-shell", eval.MatchedPolicies[0].PolicyID)
}

func TestEvaluate_UnknownContextNeverMatches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, marketShellDeny("t1")))

	// Same request but context omitted entirely: the rule must not match.
	eval, err := s.Evaluate(ctx, &Context{
		TenantID:              "t1",
		AdapterID:             "mkt_adapter",
		RequestedCapabilities: []string{"shell.exec"},
		Provenance:            &contracts.Provenance{Source: "marketplace"},
	})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)
	assert.Empty(t, eval.MatchedPolicies)

	// Context present but the flag itself omitted: still unknown.
	eval, err = s.Evaluate(ctx, &Context{
		TenantID:              "t1",
		AdapterID:             "mkt_adapter",
		RequestedCapabilities: []string{"shell.exec"},
		Request:               &contracts.RequestContext{WritesFiles: boolp(true)},
		Provenance:            &contracts.Provenance{Source: "marketplace"},
	})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)
}

func TestEvaluate_DefaultAllow(t *testing.T) {
	s := testStore(t)
	eval, err := s.Evaluate(context.Background(), &Context{TenantID: "t1", AdapterID: "a"})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)
}

func TestEvaluate_Precedence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Policy{
		PolicyID: "allow-all", TenantID: "t1",
		Subject: Subject{Type: SubjectAdapter}, Effect: EffectAllow, Enabled: true,
	}))
	require.NoError(t, s.Upsert(ctx, &Policy{
		PolicyID: "gate-shell", TenantID: "t1",
		Subject:      Subject{Type: SubjectAdapter},
		Conditions:   Conditions{Capability: "shell.exec"},
		Effect:       EffectRequireApproval,
		RequiredRole: "approver",
		Enabled:      true,
	}))
	require.NoError(t, s.Upsert(ctx, &Policy{
		PolicyID: "deny-egress", TenantID: "t1",
		Subject:    Subject{Type: SubjectAdapter},
		Conditions: Conditions{Capability: "network.egress"},
		Effect:     EffectDeny,
		Enabled:    true,
	}))

	eval, err := s.Evaluate(ctx, &Context{
		TenantID: "t1", AdapterID: "a",
		RequestedCapabilities: []string{"shell.exec", "network.egress"},
	})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, eval.Decision)
	assert.Len(t, eval.MatchedPolicies, 3)

	eval, err = s.Evaluate(ctx, &Context{
		TenantID: "t1", AdapterID: "a",
		RequestedCapabilities: []string{"shell.exec"},
	})
	require.NoError(t, err)
	assert.Equal(t, EffectRequireApproval, eval.Decision)
	assert.Equal(t, "approver", eval.RequiredRole)
}

func TestEvaluate_ScopeAndSubjectFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Policy{
		PolicyID: "ws-only", TenantID: "t1", WorkspaceID: "ws1",
		Subject: Subject{Type: SubjectTool, Name: "shell.exec"},
		Effect:  EffectDeny, Enabled: true,
	}))

	// Wrong workspace: no match.
	eval, err := s.Evaluate(ctx, &Context{TenantID: "t1", WorkspaceID: "ws2", Tool: "shell.exec"})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)

	// Matching workspace and subject name.
	eval, err = s.Evaluate(ctx, &Context{TenantID: "t1", WorkspaceID: "ws1", Tool: "shell.exec"})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, eval.Decision)

	// Other tenant is invisible.
	eval, err = s.Evaluate(ctx, &Context{TenantID: "t2", WorkspaceID: "ws1", Tool: "shell.exec"})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)
}

func TestEvaluate_CostBounds(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, &Policy{
		PolicyID: "expensive", TenantID: "t1",
		Subject:    Subject{Type: SubjectAdapter},
		Conditions: Conditions{MinCost: floatp(10)},
		Effect:     EffectRequireApproval, RequiredRole: "approver",
		Enabled: true,
	}))

	eval, err := s.Evaluate(ctx, &Context{TenantID: "t1", AdapterID: "a", EstimatedCost: floatp(25)})
	require.NoError(t, err)
	assert.Equal(t, EffectRequireApproval, eval.Decision)

	eval, err = s.Evaluate(ctx, &Context{TenantID: "t1", AdapterID: "a", EstimatedCost: floatp(5)})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)

	// Unknown cost never satisfies min_cost.
	eval, err = s.Evaluate(ctx, &Context{TenantID: "t1", AdapterID: "a"})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)
}

func TestEvaluate_CELExpr(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, &Policy{
		PolicyID: "big-fanout", TenantID: "t1",
		Subject:    Subject{Type: SubjectAdapter},
		Conditions: Conditions{Expr: `capabilities.size() > 3 && cost > 1.0`},
		Effect:     EffectRequireApproval, RequiredRole: "approver",
		Enabled: true,
	}))

	eval, err := s.Evaluate(ctx, &Context{
		TenantID: "t1", AdapterID: "a",
		RequestedCapabilities: []string{"a", "b", "c", "d"},
		EstimatedCost:         floatp(2),
	})
	require.NoError(t, err)
	assert.Equal(t, EffectRequireApproval, eval.Decision)

	eval, err = s.Evaluate(ctx, &Context{
		TenantID: "t1", AdapterID: "a",
		RequestedCapabilities: []string{"a"},
		EstimatedCost:         floatp(2),
	})
	require.NoError(t, err)
	assert.Equal(t, EffectAllow, eval.Decision)
}

func TestUpsert_RejectsBadExpr(t *testing.T) {
	s := testStore(t)
	err := s.Upsert(context.Background(), &Policy{
		PolicyID: "bad", TenantID: "t1",
		Subject:    Subject{Type: SubjectAdapter},
		Conditions: Conditions{Expr: `this is not CEL`},
		Effect:     EffectDeny, Enabled: true,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindSchemaInvalid, errs.KindOf(err))
}

func TestUpsert_Validation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, &Policy{PolicyID: "x", TenantID: "t1",
		Subject: Subject{Type: SubjectAdapter}, Effect: "maybe", Enabled: true})
	assert.Equal(t, errs.KindSchemaInvalid, errs.KindOf(err))

	err = s.Upsert(ctx, &Policy{PolicyID: "x", TenantID: "t1",
		Subject: Subject{Type: SubjectAdapter}, Effect: EffectRequireApproval, Enabled: true})
	assert.Equal(t, errs.KindSchemaInvalid, errs.KindOf(err))
}

func TestVersionBumpsOnUpsert(t *testing.T) {
	s := testStore(t)
	v0 := s.Version()
	require.NoError(t, s.Upsert(context.Background(), marketShellDeny("t1")))
	assert.Greater(t, s.Version(), v0)
}

func TestLoadBundle(t *testing.T) {
	s := testStore(t)
	path := filepath.Join(t.TempDir(), "policies.yaml")
	doc := `
policies:
  - policy_id: deny-egress
    tenant_id: t1
    subject:
      type: adapter
    conditions:
      capability: network.egress
    effect: deny
    enabled: true
  - policy_id: gate-shell
    tenant_id: t1
    subject:
      type: tool
      name: shell.exec
    effect: require_approval
    required_role: approver
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	n, err := s.LoadBundle(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	policies, err := s.List(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}
