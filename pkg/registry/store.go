package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/identity"
	"github.com/AppLetico/clasper/pkg/store"
)

// Store persists adapter registrations and telemetry keys, with an
// in-memory per-tenant snapshot cache replaced copy-on-write on mutation.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]map[string][]*Registration // tenant -> adapter -> versions
}

// NewStore creates a registry store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, cache: make(map[string]map[string][]*Registration)}
}

// Upsert creates or replaces a registration row for (tenant, adapter,
// version) and refreshes the tenant snapshot.
func (s *Store) Upsert(ctx context.Context, reg *Registration) error {
	if reg.TenantID == "" || reg.AdapterID == "" || reg.Version == "" {
		return errs.New(errs.KindSchemaInvalid, "registration requires tenant_id, adapter_id and version")
	}
	if !ValidRiskClass(reg.RiskClass) {
		return errs.Newf(errs.KindSchemaInvalid, "invalid risk_class %q", reg.RiskClass)
	}
	if _, err := semver.NewVersion(reg.Version); err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "version is not semver", err)
	}

	caps, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "capabilities not serializable", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO adapter_registry (tenant_id, adapter_id, version, display_name, risk_class, capabilities, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, adapter_id, version) DO UPDATE SET
			display_name = excluded.display_name,
			risk_class   = excluded.risk_class,
			capabilities = excluded.capabilities,
			enabled      = excluded.enabled,
			updated_at   = excluded.updated_at`,
		reg.TenantID, reg.AdapterID, reg.Version, reg.DisplayName, string(reg.RiskClass),
		string(caps), boolInt(reg.Enabled), now, now)
	if err != nil {
		return store.Classify(err)
	}

	s.invalidate(reg.TenantID)
	return nil
}

// Get returns the registration for an exact (tenant, adapter, version).
func (s *Store) Get(ctx context.Context, tenantID, adapterID, version string) (*Registration, error) {
	for _, reg := range s.versions(ctx, tenantID, adapterID) {
		if reg.Version == version {
			return reg, nil
		}
	}
	return nil, errs.Newf(errs.KindAdapterUnknown, "adapter %s@%s not registered for tenant", adapterID, version)
}

// Latest returns the highest-semver registration of the adapter, or the
// pinned version when version is non-empty.
func (s *Store) Latest(ctx context.Context, tenantID, adapterID, version string) (*Registration, error) {
	if version != "" {
		return s.Get(ctx, tenantID, adapterID, version)
	}
	regs := s.versions(ctx, tenantID, adapterID)
	if len(regs) == 0 {
		return nil, errs.Newf(errs.KindAdapterUnknown, "adapter %s not registered for tenant", adapterID)
	}
	var best *Registration
	var bestV *semver.Version
	for _, reg := range regs {
		v, err := semver.NewVersion(reg.Version)
		if err != nil {
			continue
		}
		if bestV == nil || v.GreaterThan(bestV) {
			best, bestV = reg, v
		}
	}
	if best == nil {
		return nil, errs.Newf(errs.KindAdapterUnknown, "adapter %s has no parseable versions", adapterID)
	}
	return best, nil
}

// List returns all registrations for a tenant.
func (s *Store) List(ctx context.Context, tenantID string) ([]*Registration, error) {
	snap, err := s.snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []*Registration
	for _, versions := range snap {
		out = append(out, versions...)
	}
	return out, nil
}

// Disable marks every version of the adapter disabled.
func (s *Store) Disable(ctx context.Context, tenantID, adapterID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE adapter_registry SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND adapter_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), tenantID, adapterID)
	if err != nil {
		return store.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.KindAdapterUnknown, "adapter %s not registered for tenant", adapterID)
	}
	s.invalidate(tenantID)
	return nil
}

// SetTelemetryKey enrolls a verification key. Setting does not revoke a
// prior key, and at most one non-revoked key may be active per (adapter,
// version); enrolling over an active key fails.
func (s *Store) SetTelemetryKey(ctx context.Context, key *TelemetryKey) error {
	if key.Algorithm != identity.AlgEd25519 && key.Algorithm != identity.AlgES256 {
		return errs.Newf(errs.KindUnsupportedAlgorithm, "unsupported telemetry key algorithm %q", key.Algorithm)
	}
	if _, err := identity.ParsePublicKey(key.Algorithm, []byte(key.PublicJWK)); err != nil {
		return err
	}
	if _, err := s.Get(ctx, key.TenantID, key.AdapterID, key.Version); err != nil {
		return err
	}

	if key.KeyID == "" {
		key.KeyID = uuid.NewString()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM adapter_keys
		WHERE tenant_id = ? AND adapter_id = ? AND version = ? AND revoked_at IS NULL`,
		key.TenantID, key.AdapterID, key.Version).Scan(&active)
	if err != nil {
		return store.Classify(err)
	}
	if active > 0 {
		return errs.New(errs.KindStoreConflict, "an active telemetry key already exists; revoke it first")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO adapter_keys (tenant_id, adapter_id, version, key_id, algorithm, public_jwk, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.TenantID, key.AdapterID, key.Version, key.KeyID, key.Algorithm, key.PublicJWK,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return store.Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return store.Classify(err)
	}
	key.CreatedAt = now
	return nil
}

// RevokeTelemetryKey marks the key revoked; active-key lookups skip it
// thereafter.
func (s *Store) RevokeTelemetryKey(ctx context.Context, tenantID, adapterID, version, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE adapter_keys SET revoked_at = ?
		WHERE tenant_id = ? AND adapter_id = ? AND version = ? AND key_id = ? AND revoked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), tenantID, adapterID, version, keyID)
	if err != nil {
		return store.Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindMissingKey, "no active key matches")
	}
	return nil
}

// ActiveKey returns the single non-revoked telemetry key for the adapter
// version. When version is empty the latest registered version is used.
func (s *Store) ActiveKey(ctx context.Context, tenantID, adapterID, version string) (*TelemetryKey, error) {
	if version == "" {
		reg, err := s.Latest(ctx, tenantID, adapterID, "")
		if err != nil {
			return nil, err
		}
		version = reg.Version
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, algorithm, public_jwk, created_at
		FROM adapter_keys
		WHERE tenant_id = ? AND adapter_id = ? AND version = ? AND revoked_at IS NULL`,
		tenantID, adapterID, version)

	key := &TelemetryKey{TenantID: tenantID, AdapterID: adapterID, Version: version}
	var created string
	if err := row.Scan(&key.KeyID, &key.Algorithm, &key.PublicJWK, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.Newf(errs.KindMissingKey, "no active telemetry key for %s@%s", adapterID, version)
		}
		return nil, store.Classify(err)
	}
	key.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return key, nil
}

// --- snapshot cache ---

func (s *Store) versions(ctx context.Context, tenantID, adapterID string) []*Registration {
	snap, err := s.snapshot(ctx, tenantID)
	if err != nil {
		return nil
	}
	return snap[adapterID]
}

func (s *Store) snapshot(ctx context.Context, tenantID string) (map[string][]*Registration, error) {
	s.mu.RLock()
	snap, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT adapter_id, version, display_name, risk_class, capabilities, enabled, created_at, updated_at
		FROM adapter_registry WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	snap = make(map[string][]*Registration)
	for rows.Next() {
		reg := &Registration{TenantID: tenantID}
		var caps, created, updated string
		var enabled int
		if err := rows.Scan(&reg.AdapterID, &reg.Version, &reg.DisplayName, (*string)(&reg.RiskClass),
			&caps, &enabled, &created, &updated); err != nil {
			return nil, store.Classify(err)
		}
		if err := json.Unmarshal([]byte(caps), &reg.Capabilities); err != nil {
			return nil, errs.Wrap(errs.KindStoreUnavailable, "corrupt capabilities column", err)
		}
		reg.Enabled = enabled != 0
		reg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		reg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		snap[reg.AdapterID] = append(snap[reg.AdapterID], reg)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}

	s.mu.Lock()
	s.cache[tenantID] = snap
	s.mu.Unlock()
	return snap, nil
}

func (s *Store) invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
