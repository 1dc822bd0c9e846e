package policy

import (
	"context"

	"github.com/AppLetico/clasper/pkg/contracts"
)

// Evaluate matches the tenant's rules against the evaluation context.
// Precedence among matched effects: deny > require_approval > allow.
// No match yields allow; the caller owns any stricter default posture.
func (s *Store) Evaluate(ctx context.Context, pctx *Context) (*Evaluation, error) {
	snap, err := s.tenantSnapshot(ctx, pctx.TenantID)
	if err != nil {
		return nil, err
	}

	result := &Evaluation{
		Decision:      EffectAllow,
		PolicyVersion: snap.version,
	}

	winner := 0
	for _, p := range snap.policies {
		if !p.matches(pctx, s.cel) {
			continue
		}
		result.MatchedPolicies = append(result.MatchedPolicies, contracts.MatchedPolicy{
			PolicyID: p.PolicyID,
			Effect:   string(p.Effect),
		})
		if pr := precedence(p.Effect); pr > winner {
			winner = pr
			result.Decision = p.Effect
			result.RequiredRole = p.RequiredRole
		}
	}
	return result, nil
}

// EvaluateForTool is the narrower evaluation used by the tool token
// service: same rules, with the tool set as the focal subject.
func (s *Store) EvaluateForTool(ctx context.Context, pctx *Context, tool string) (*Evaluation, error) {
	scoped := *pctx
	scoped.Tool = tool
	return s.Evaluate(ctx, &scoped)
}
