package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

// Store persists policies and serves evaluation from an in-memory
// per-tenant snapshot behind a version counter. Snapshots are replaced
// whole on upsert (copy-on-write); rules are never mutated during an
// evaluation.
type Store struct {
	db      *sql.DB
	cel     *celEvaluator
	version atomic.Uint64

	mu    sync.RWMutex
	cache map[string]*snapshot
}

type snapshot struct {
	version  uint64
	policies []*Policy
}

// NewStore creates a policy store over an opened database.
func NewStore(db *sql.DB) (*Store, error) {
	cel, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, cel: cel, cache: make(map[string]*snapshot)}
	s.version.Store(1)
	return s, nil
}

// Version returns the current policy version counter. It increments on
// every mutation; evaluations record the version they ran under.
func (s *Store) Version() uint64 { return s.version.Load() }

// Upsert creates or replaces a rule. The rule's expr, effect, and
// subject are validated before any write.
func (s *Store) Upsert(ctx context.Context, p *Policy) error {
	if p.TenantID == "" || p.PolicyID == "" {
		return errs.New(errs.KindSchemaInvalid, "policy requires tenant_id and policy_id")
	}
	if !ValidEffect(p.Effect) {
		return errs.Newf(errs.KindSchemaInvalid, "invalid effect %q", p.Effect)
	}
	switch p.Subject.Type {
	case SubjectTool, SubjectAdapter, SubjectSkill:
	default:
		return errs.Newf(errs.KindSchemaInvalid, "invalid subject type %q", p.Subject.Type)
	}
	if p.Effect == EffectRequireApproval && p.RequiredRole == "" {
		return errs.New(errs.KindSchemaInvalid, "require_approval rules need required_role")
	}
	if p.Conditions.Expr != "" {
		if err := s.cel.compile(p.Conditions.Expr); err != nil {
			return err
		}
	}

	conds, err := json.Marshal(p.Conditions)
	if err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "conditions not serializable", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (tenant_id, policy_id, workspace_id, environment, subject_type, subject_name, conditions, effect, required_role, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, policy_id) DO UPDATE SET
			workspace_id  = excluded.workspace_id,
			environment   = excluded.environment,
			subject_type  = excluded.subject_type,
			subject_name  = excluded.subject_name,
			conditions    = excluded.conditions,
			effect        = excluded.effect,
			required_role = excluded.required_role,
			enabled       = excluded.enabled,
			updated_at    = excluded.updated_at`,
		p.TenantID, p.PolicyID, emptyNull(p.WorkspaceID), emptyNull(p.Environment),
		string(p.Subject.Type), emptyNull(p.Subject.Name), string(conds), string(p.Effect),
		emptyNull(p.RequiredRole), boolInt(p.Enabled), now, now)
	if err != nil {
		return store.Classify(err)
	}

	s.invalidate(p.TenantID)
	return nil
}

// List returns the tenant's policies from the current snapshot.
func (s *Store) List(ctx context.Context, tenantID string) ([]*Policy, error) {
	snap, err := s.tenantSnapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return snap.policies, nil
}

func (s *Store) invalidate(tenantID string) {
	s.version.Add(1)
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

func (s *Store) tenantSnapshot(ctx context.Context, tenantID string) (*snapshot, error) {
	version := s.version.Load()

	s.mu.RLock()
	snap, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && snap.version == version {
		return snap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, workspace_id, environment, subject_type, subject_name, conditions, effect, required_role, enabled, created_at, updated_at
		FROM policies WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	loaded := &snapshot{version: version}
	for rows.Next() {
		p := &Policy{TenantID: tenantID}
		var ws, env, name, role sql.NullString
		var conds, created, updated string
		var enabled int
		var effect, subjectType string
		if err := rows.Scan(&p.PolicyID, &ws, &env, &subjectType, &name, &conds,
			&effect, &role, &enabled, &created, &updated); err != nil {
			return nil, store.Classify(err)
		}
		p.WorkspaceID = ws.String
		p.Environment = env.String
		p.Subject = Subject{Type: SubjectType(subjectType), Name: name.String}
		p.Effect = Effect(effect)
		p.RequiredRole = role.String
		p.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(conds), &p.Conditions); err != nil {
			return nil, errs.Wrap(errs.KindStoreUnavailable, "corrupt conditions column", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		loaded.policies = append(loaded.policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}

	s.mu.Lock()
	s.cache[tenantID] = loaded
	s.mu.Unlock()
	return loaded, nil
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
