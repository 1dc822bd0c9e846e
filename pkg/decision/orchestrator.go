// Package decision orchestrates the execution decision pipeline:
// adapter resolution, risk scoring, policy evaluation, and either a
// bounded scope grant or a pending approval. Identical inputs under the
// same policy version yield identical decisions; every branch writes
// one execution_decision audit entry carrying the full snapshot.
package decision

import (
	"context"
	"time"

	"github.com/AppLetico/clasper/pkg/approval"
	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/auth"
	"github.com/AppLetico/clasper/pkg/budget"
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/policy"
	"github.com/AppLetico/clasper/pkg/registry"
	"github.com/AppLetico/clasper/pkg/risk"
)

// DefaultEstimatedCost is assumed when the adapter declares no cost
// estimate; with the default safety factor it yields a 1.00 ceiling.
const DefaultEstimatedCost = 0.5

// DefaultRequiredRole approves decisions whose matched policies name no
// stricter role.
const DefaultRequiredRole = "approver"

// Config bounds the scopes the orchestrator mints.
type Config struct {
	GrantTTL     time.Duration
	MaxSteps     int
	SafetyFactor float64
}

// Orchestrator implements decide(ExecutionRequest) -> ExecutionDecision.
type Orchestrator struct {
	registry  *registry.Store
	scorer    *risk.Scorer
	policies  *policy.Store
	approvals *approval.Service
	budgets   budget.Store
	audit     *audit.Log
	cfg       Config
}

func NewOrchestrator(reg *registry.Store, scorer *risk.Scorer, policies *policy.Store,
	approvals *approval.Service, budgets budget.Store, auditLog *audit.Log, cfg Config) *Orchestrator {
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = 15 * time.Minute
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 16
	}
	if cfg.SafetyFactor <= 0 {
		cfg.SafetyFactor = 2.0
	}
	return &Orchestrator{
		registry:  reg,
		scorer:    scorer,
		policies:  policies,
		approvals: approvals,
		budgets:   budgets,
		audit:     auditLog,
		cfg:       cfg,
	}
}

// Decide runs the pipeline for an authenticated request.
func (o *Orchestrator) Decide(ctx context.Context, id *auth.Identity, req *contracts.ExecutionRequest) (*contracts.ExecutionDecision, error) {
	// 1. The request must bind to the authenticated tenant.
	if req.TenantID == "" {
		req.TenantID = id.TenantID
	}
	if req.TenantID != id.TenantID {
		return nil, errs.New(errs.KindPermissionDenied, "request tenant does not match credential")
	}
	if req.ExecutionID == "" || req.AdapterID == "" {
		return nil, errs.New(errs.KindSchemaInvalid, "request requires execution_id and adapter_id")
	}
	if len(req.RequestedCapabilities) == 0 {
		return nil, errs.New(errs.KindSchemaInvalid, "request declares no capabilities; unknown is not coerced to empty")
	}

	// 2. Resolve the adapter.
	reg, err := o.registry.Latest(ctx, req.TenantID, req.AdapterID, req.AdapterVersion)
	if err != nil {
		return nil, err
	}
	if !reg.Enabled {
		return nil, errs.Newf(errs.KindAdapterDisabled, "adapter %s is disabled", req.AdapterID)
	}
	if missing := reg.DeclaresCapabilities(req.RequestedCapabilities); len(missing) > 0 {
		return nil, errs.Newf(errs.KindCapabilityNotDeclared, "adapter did not declare: %v", missing)
	}

	// 3. Risk.
	assessment := o.scorer.Score(req, reg.RiskClass)

	// 4. Policy, with the fully enriched context.
	eval, err := o.policies.Evaluate(ctx, &policy.Context{
		TenantID:              req.TenantID,
		WorkspaceID:           req.WorkspaceID,
		Environment:           req.Environment,
		AdapterID:             req.AdapterID,
		AdapterRiskClass:      string(reg.RiskClass),
		SkillID:               req.SkillID,
		SkillState:            req.SkillState,
		RiskLevel:             assessment.Level,
		EstimatedCost:         req.EstimatedCost,
		RequestedCapabilities: req.RequestedCapabilities,
		Intent:                req.Intent,
		Request:               req.Context,
		Provenance:            req.Provenance,
	})
	if err != nil {
		return nil, err
	}

	// 5. Decision rule.
	decision, snapErr := o.apply(ctx, req, reg.RiskClass, assessment, eval)
	if snapErr != nil {
		return nil, snapErr
	}

	// 6. One audit entry in every branch. Evidence of the decision is a
	// hard requirement: a decision the chain never saw must not be
	// returned as success.
	snapshot := &contracts.DecisionSnapshot{
		Request:         req,
		Risk:            assessment,
		MatchedPolicies: eval.MatchedPolicies,
		PolicyVersion:   eval.PolicyVersion,
		GrantedScope:    decision.GrantedScope,
	}
	if _, err := o.audit.Append(ctx, req.TenantID, audit.EventExecutionDecision, actorFor(id), &req.ExecutionID, map[string]any{
		"allowed":           decision.Allowed,
		"blocked_reason":    decision.BlockedReason,
		"requires_approval": decision.RequiresApproval,
		"decision_id":       decision.DecisionID,
		"snapshot":          snapshot,
	}); err != nil {
		return nil, err
	}

	decision.Risk = assessment
	decision.MatchedPolicies = eval.MatchedPolicies
	return decision, nil
}

func (o *Orchestrator) apply(ctx context.Context, req *contracts.ExecutionRequest,
	adapterRisk registry.RiskClass, assessment *contracts.RiskAssessment, eval *policy.Evaluation) (*contracts.ExecutionDecision, error) {

	if eval.Decision == policy.EffectDeny {
		return &contracts.ExecutionDecision{
			Allowed:       false,
			BlockedReason: string(errs.KindBlockedByPolicy),
		}, nil
	}

	// A high or critical signal from either the scorer or the adapter's
	// declared class defers to a human when no rule already decided.
	highRisk := assessment.Level == string(risk.LevelHigh) || assessment.Level == string(risk.LevelCritical) ||
		adapterRisk == registry.RiskHigh || adapterRisk == registry.RiskCritical
	if eval.Decision == policy.EffectRequireApproval || highRisk {
		scope, err := o.mintScope(ctx, req)
		if err != nil {
			return nil, err
		}
		role := eval.RequiredRole
		if role == "" {
			role = DefaultRequiredRole
		}
		snapshot := &contracts.DecisionSnapshot{
			Request:         req,
			Risk:            assessment,
			MatchedPolicies: eval.MatchedPolicies,
			PolicyVersion:   eval.PolicyVersion,
			GrantedScope:    scope,
		}
		d, token, err := o.approvals.Create(ctx, req.TenantID, snapshot, role)
		if err != nil {
			return nil, err
		}
		return &contracts.ExecutionDecision{
			Allowed:          false,
			RequiresApproval: true,
			DecisionID:       d.DecisionID,
			DecisionToken:    token,
		}, nil
	}

	scope, err := o.mintScope(ctx, req)
	if err != nil {
		return nil, err
	}
	return &contracts.ExecutionDecision{
		Allowed:      true,
		GrantedScope: scope,
	}, nil
}

// mintScope bounds the grant: capabilities echo the request, steps come
// from tenant policy, cost is the safety-adjusted estimate capped by the
// tenant's remaining budget. A zero or overdrawn budget refuses.
func (o *Orchestrator) mintScope(ctx context.Context, req *contracts.ExecutionRequest) (*contracts.ExecutionScope, error) {
	estimated := DefaultEstimatedCost
	if req.EstimatedCost != nil {
		estimated = *req.EstimatedCost
	}
	maxCost := estimated * o.cfg.SafetyFactor

	if o.budgets != nil {
		b, err := o.budgets.Get(ctx, req.TenantID)
		switch {
		case err == nil:
			if b.Remaining <= 0 || estimated > b.Remaining {
				return nil, errs.New(errs.KindBudgetExceeded, "tenant budget cannot cover the estimated cost")
			}
			if b.Remaining < maxCost {
				maxCost = b.Remaining
			}
		case errs.IsKind(err, errs.KindNotFound):
			// No budget row: unconstrained.
		default:
			return nil, err
		}
	}

	return &contracts.ExecutionScope{
		Capabilities: req.RequestedCapabilities,
		MaxSteps:     o.cfg.MaxSteps,
		MaxCost:      maxCost,
		ExpiresAt:    time.Now().UTC().Add(o.cfg.GrantTTL),
	}, nil
}

func actorFor(id *auth.Identity) string {
	switch id.Credential {
	case auth.CredentialAdapter:
		return "adapter:" + id.Subject
	case auth.CredentialOperator:
		return "operator:" + id.Subject
	default:
		return "backend:" + id.Subject
	}
}
