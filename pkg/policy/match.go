package policy

// matches reports whether the rule applies to the evaluation context.
// Filters run in order: scope, subject, conditions. Missing context
// fields are unknown and never satisfy a specified condition.
func (p *Policy) matches(ctx *Context, cel *celEvaluator) bool {
	if !p.Enabled {
		return false
	}
	if !p.scopeMatches(ctx) {
		return false
	}
	if !p.subjectMatches(ctx) {
		return false
	}
	return p.conditionsMatch(ctx, cel)
}

func (p *Policy) scopeMatches(ctx *Context) bool {
	if p.TenantID != ctx.TenantID {
		return false
	}
	if p.WorkspaceID != "" && p.WorkspaceID != ctx.WorkspaceID {
		return false
	}
	if p.Environment != "" && p.Environment != ctx.Environment {
		return false
	}
	return true
}

func (p *Policy) subjectMatches(ctx *Context) bool {
	var field string
	switch p.Subject.Type {
	case SubjectTool:
		field = ctx.Tool
	case SubjectAdapter:
		field = ctx.AdapterID
	case SubjectSkill:
		field = ctx.SkillID
	default:
		return false
	}
	if p.Subject.Name == "" {
		return true
	}
	return field != "" && p.Subject.Name == field
}

func (p *Policy) conditionsMatch(ctx *Context, cel *celEvaluator) bool {
	c := &p.Conditions

	if c.Tool != "" && c.Tool != ctx.Tool {
		return false
	}
	if c.AdapterRiskClass != "" && c.AdapterRiskClass != ctx.AdapterRiskClass {
		return false
	}
	if c.SkillState != "" && c.SkillState != ctx.SkillState {
		return false
	}
	if c.RiskLevel != "" && c.RiskLevel != ctx.RiskLevel {
		return false
	}
	if c.MinCost != nil {
		if ctx.EstimatedCost == nil || *ctx.EstimatedCost < *c.MinCost {
			return false
		}
	}
	if c.MaxCost != nil {
		if ctx.EstimatedCost == nil || *ctx.EstimatedCost > *c.MaxCost {
			return false
		}
	}
	if c.Capability != "" && !contains(ctx.RequestedCapabilities, c.Capability) {
		return false
	}
	if c.Context != nil && !contextMatches(c.Context, ctx) {
		return false
	}
	if c.Provenance != nil && !provenanceMatches(c.Provenance, ctx) {
		return false
	}
	if c.Expr != "" {
		if cel == nil {
			return false
		}
		ok, err := cel.eval(p, ctx)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func contextMatches(cond *ContextConditions, ctx *Context) bool {
	rc := ctx.Request
	if rc == nil {
		// Whole context unknown: no context condition can match.
		return false
	}
	if cond.ExternalNetwork != nil && !boolEq(rc.ExternalNetwork, *cond.ExternalNetwork) {
		return false
	}
	if cond.WritesFiles != nil && !boolEq(rc.WritesFiles, *cond.WritesFiles) {
		return false
	}
	if cond.ElevatedPrivileges != nil && !boolEq(rc.ElevatedPrivileges, *cond.ElevatedPrivileges) {
		return false
	}
	if cond.PackageManager != nil && !boolEq(rc.PackageManager, *cond.PackageManager) {
		return false
	}
	for _, want := range cond.Targets {
		if !contains(rc.Targets, want) {
			return false
		}
	}
	return true
}

func provenanceMatches(cond *ProvenanceConditions, ctx *Context) bool {
	pv := ctx.Provenance
	if pv == nil {
		return false
	}
	if cond.Source != "" && cond.Source != pv.Source {
		return false
	}
	if cond.Publisher != "" && cond.Publisher != pv.Publisher {
		return false
	}
	if cond.ArtifactHash != "" && cond.ArtifactHash != pv.ArtifactHash {
		return false
	}
	return true
}

// boolEq treats a nil declaration as unknown: unknown never equals
// either boolean.
func boolEq(declared *bool, want bool) bool {
	return declared != nil && *declared == want
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
