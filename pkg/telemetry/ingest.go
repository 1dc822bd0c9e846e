package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/budget"
	"github.com/AppLetico/clasper/pkg/canonicalize"
	"github.com/AppLetico/clasper/pkg/config"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/registry"
	"github.com/AppLetico/clasper/pkg/store"
	"github.com/AppLetico/clasper/pkg/trace"
)

// DefaultMaxSkew bounds |now - issued_at| on envelopes.
const DefaultMaxSkew = 300 * time.Second

// Receipt is the ingest response.
type Receipt struct {
	Accepted   bool                   `json:"accepted"`
	Verified   bool                   `json:"verified"`
	Mode       config.EnforcementMode `json:"mode"`
	Duplicate  bool                   `json:"duplicate,omitempty"`
	Violations []string               `json:"violations,omitempty"`
}

// ModeResolver returns the enforcement mode for a tenant.
type ModeResolver func(tenantID string) config.EnforcementMode

// MetricsSink receives adapter-reported metrics.
type MetricsSink interface {
	RecordMetrics(tenantID, adapterID string, metrics map[string]float64)
}

// Service verifies envelopes and dispatches payloads.
type Service struct {
	db       *sql.DB
	registry *registry.Store
	traces   *trace.Store
	audit    *audit.Log
	budgets  budget.Store
	dedup    Deduper
	metrics  MetricsSink
	mode     ModeResolver
	maxSkew  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the ingest pipeline. metrics may be nil.
func NewService(db *sql.DB, reg *registry.Store, traces *trace.Store, auditLog *audit.Log,
	budgets budget.Store, dedup Deduper, metrics MetricsSink, mode ModeResolver,
	maxSkew time.Duration, logger *slog.Logger) *Service {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if mode == nil {
		mode = func(string) config.EnforcementMode { return config.ModeEnforce }
	}
	return &Service{
		db: db, registry: reg, traces: traces, audit: auditLog, budgets: budgets,
		dedup: dedup, metrics: metrics, mode: mode, maxSkew: maxSkew,
		logger: logger, now: time.Now,
	}
}

// Ingest runs the verification steps in order — schema, key lookup,
// payload hash, freshness, signature — then de-duplicates and
// dispatches by payload type. In warn mode failures are recorded as
// violations and the envelope is still accepted; in enforce mode it is
// rejected; off skips verification.
func (s *Service) Ingest(ctx context.Context, tenantID string, env *Envelope) (*Receipt, error) {
	mode := s.mode(tenantID)
	receipt := &Receipt{Mode: mode}

	if mode != config.ModeOff {
		if err := s.verify(ctx, tenantID, env); err != nil {
			kind := errs.KindOf(err)
			s.recordViolation(ctx, tenantID, env, kind, err.Error())
			receipt.Violations = append(receipt.Violations, string(kind))
			if mode == config.ModeEnforce {
				return receipt, err
			}
			s.logger.Warn("telemetry verification failed; accepting in warn mode",
				"tenant_id", tenantID, "adapter_id", env.AdapterID, "kind", string(kind))
		} else {
			receipt.Verified = true
		}
	}

	first, err := s.dedup.FirstSeen(ctx, tenantID, env.ExecutionID, env.PayloadType, env.PayloadHash)
	if err != nil {
		return receipt, err
	}
	if !first {
		// Idempotent: accepted silently, no second side effect.
		receipt.Accepted = true
		receipt.Duplicate = true
		return receipt, nil
	}

	if err := s.dispatch(ctx, tenantID, env); err != nil {
		return receipt, err
	}

	// Every ingest leaves a chain entry; failure to evidence it is a
	// hard error even though the sink side effects already landed.
	if _, err := s.audit.Append(ctx, tenantID, audit.EventTelemetryIngest, "adapter:"+env.AdapterID, &env.ExecutionID, map[string]any{
		"payload_type": string(env.PayloadType),
		"payload_hash": env.PayloadHash,
		"trace_id":     env.TraceID,
		"verified":     receipt.Verified,
	}); err != nil {
		return receipt, err
	}
	receipt.Accepted = true
	return receipt, nil
}

func (s *Service) verify(ctx context.Context, tenantID string, env *Envelope) error {
	// 2. Active key for (tenant, adapter, version).
	key, err := s.registry.ActiveKey(ctx, tenantID, env.AdapterID, env.AdapterVersion)
	if err != nil {
		if errs.IsKind(err, errs.KindAdapterUnknown) {
			return errs.Wrap(errs.KindMissingKey, "adapter has no registration", err)
		}
		return err
	}
	pub, err := identityKey(key)
	if err != nil {
		return err
	}

	// 3. Recompute the payload hash; byte-equal comparison.
	computed, err := canonicalize.HashJSONRaw(env.Payload)
	if err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "payload not canonicalizable", err)
	}
	if canonicalize.FormatHash(computed) != env.PayloadHash {
		return errs.New(errs.KindPayloadHashMismatch, "payload hash does not match payload")
	}

	// 4. Freshness.
	issued, err := time.Parse(time.RFC3339, env.IssuedAt)
	if err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "issued_at is not RFC 3339", err)
	}
	if skew := s.now().Sub(issued); skew > s.maxSkew || skew < -s.maxSkew {
		return errs.Newf(errs.KindTimestampSkew, "issued_at outside %s window", s.maxSkew)
	}

	// 5. Signature over the reconstructed signing input.
	return VerifySignature(env, key.Algorithm, pub)
}

func (s *Service) dispatch(ctx context.Context, tenantID string, env *Envelope) error {
	switch env.PayloadType {
	case PayloadTrace:
		return s.sinkTrace(ctx, tenantID, env)
	case PayloadAudit:
		return s.sinkAudit(ctx, tenantID, env)
	case PayloadCost:
		return s.sinkCost(ctx, tenantID, env)
	case PayloadMetrics:
		return s.sinkMetrics(ctx, tenantID, env)
	case PayloadViolations:
		return s.sinkViolations(ctx, tenantID, env)
	default:
		return errs.Newf(errs.KindSchemaInvalid, "unknown payload type %q", env.PayloadType)
	}
}

func (s *Service) sinkTrace(ctx context.Context, tenantID string, env *Envelope) error {
	var tr trace.Trace
	if err := json.Unmarshal(env.Payload, &tr); err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "trace payload malformed", err)
	}
	tr.TenantID = tenantID
	if tr.TraceID == "" {
		tr.TraceID = env.TraceID
	}
	if tr.AdapterID == "" {
		tr.AdapterID = env.AdapterID
	}
	err := s.traces.Save(ctx, &tr)
	if errs.IsKind(err, errs.KindStoreConflict) {
		// The same trace arriving under a fresh envelope hash is benign.
		return nil
	}
	return err
}

type auditPayload struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	TargetID  *string         `json:"target_id,omitempty"`
}

func (s *Service) sinkAudit(ctx context.Context, tenantID string, env *Envelope) error {
	var p auditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "audit payload malformed", err)
	}
	if p.EventType == "" {
		return errs.New(errs.KindSchemaInvalid, "audit payload requires event_type")
	}
	_, err := s.audit.Append(ctx, tenantID, p.EventType, "adapter:"+env.AdapterID, p.TargetID, p.EventData)
	return err
}

type costPayload struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

func (s *Service) sinkCost(ctx context.Context, tenantID string, env *Envelope) error {
	var p costPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "cost payload malformed", err)
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	err := store.WithRetry(ctx, store.DefaultRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cost_records (record_id, tenant_id, execution_id, adapter_id, amount, currency, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), tenantID, env.ExecutionID, env.AdapterID, p.Amount, p.Currency,
			time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return err
	}

	if s.budgets != nil && p.Amount > 0 {
		// Best-effort ledger decrement; the budget may legitimately not
		// cover actuals that exceeded the grant.
		_, _ = s.budgets.Debit(ctx, tenantID, p.Amount)
	}
	return nil
}

func (s *Service) sinkMetrics(ctx context.Context, tenantID string, env *Envelope) error {
	var metrics map[string]float64
	if err := json.Unmarshal(env.Payload, &metrics); err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "metrics payload malformed", err)
	}
	if s.metrics != nil {
		s.metrics.RecordMetrics(tenantID, env.AdapterID, metrics)
	}
	return nil
}

type violationPayload struct {
	Violations []struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail,omitempty"`
	} `json:"violations"`
}

func (s *Service) sinkViolations(ctx context.Context, tenantID string, env *Envelope) error {
	var p violationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "violations payload malformed", err)
	}
	for _, v := range p.Violations {
		s.recordViolation(ctx, tenantID, env, errs.Kind(v.Kind), v.Detail)
	}
	_, err := s.audit.Append(ctx, tenantID, audit.EventTelemetryViolation, "adapter:"+env.AdapterID, &env.ExecutionID, env.Payload)
	return err
}

// recordViolation writes a violation row; failures are logged, never
// escalated, so a broken violation table cannot mask the original error.
func (s *Service) recordViolation(ctx context.Context, tenantID string, env *Envelope, kind errs.Kind, detail string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (violation_id, tenant_id, adapter_id, kind, detail, execution_id, trace_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), tenantID, env.AdapterID, string(kind), detail,
		env.ExecutionID, env.TraceID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.logger.Error("violation record failed", "error", err)
	}
}

func identityKey(key *registry.TelemetryKey) (any, error) {
	if key.Revoked() {
		return nil, errs.New(errs.KindKeyRevoked, "telemetry key is revoked")
	}
	pub, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	return pub, nil
}
