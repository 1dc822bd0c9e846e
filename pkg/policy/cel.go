package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/AppLetico/clasper/pkg/errs"
)

// celEvaluator compiles and caches the optional `expr` condition of a
// policy. Programs are cached per (policy_id, expr); evaluation errors
// follow unknown semantics and never match.
type celEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("adapter", cel.StringType),
		cel.Variable("risk", cel.StringType),
		cel.Variable("capabilities", cel.ListType(cel.StringType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("provenance", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("cost", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL environment: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// compile validates an expression at upsert time.
func (e *celEvaluator) compile(expr string) error {
	_, err := e.program("", expr)
	return err
}

func (e *celEvaluator) program(policyID, expr string) (cel.Program, error) {
	key := policyID + "\x00" + expr

	e.mu.RLock()
	prg, hit := e.cache[key]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "policy expr failed to compile", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "policy expr program construction failed", err)
	}

	e.mu.Lock()
	e.cache[key] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *celEvaluator) eval(p *Policy, ctx *Context) (bool, error) {
	prg, err := e.program(p.PolicyID, p.Conditions.Expr)
	if err != nil {
		return false, err
	}

	input := map[string]any{
		"tool":         ctx.Tool,
		"adapter":      ctx.AdapterID,
		"risk":         ctx.RiskLevel,
		"capabilities": ctx.RequestedCapabilities,
		"context":      contextMap(ctx),
		"provenance":   provenanceMap(ctx),
		"cost":         costOf(ctx),
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy expr result is not bool")
	}
	return allowed, nil
}

func contextMap(ctx *Context) map[string]any {
	m := map[string]any{}
	if ctx.Request == nil {
		return m
	}
	if v := ctx.Request.ExternalNetwork; v != nil {
		m["external_network"] = *v
	}
	if v := ctx.Request.WritesFiles; v != nil {
		m["writes_files"] = *v
	}
	if v := ctx.Request.ElevatedPrivileges; v != nil {
		m["elevated_privileges"] = *v
	}
	if v := ctx.Request.PackageManager; v != nil {
		m["package_manager"] = *v
	}
	if len(ctx.Request.Targets) > 0 {
		m["targets"] = ctx.Request.Targets
	}
	return m
}

func provenanceMap(ctx *Context) map[string]string {
	m := map[string]string{}
	if ctx.Provenance == nil {
		return m
	}
	if ctx.Provenance.Source != "" {
		m["source"] = ctx.Provenance.Source
	}
	if ctx.Provenance.Publisher != "" {
		m["publisher"] = ctx.Provenance.Publisher
	}
	if ctx.Provenance.ArtifactHash != "" {
		m["artifact_hash"] = ctx.Provenance.ArtifactHash
	}
	return m
}

func costOf(ctx *Context) float64 {
	if ctx.EstimatedCost == nil {
		return 0
	}
	return *ctx.EstimatedCost
}
