package trace

import (
	"context"
	"database/sql"
	"time"

	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

// Store persists traces whole and serves them with a derived integrity
// verdict.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save persists a trace and its steps in one transaction. Steps are
// stored exactly as reported; the store never rewrites hashes.
func (s *Store) Save(ctx context.Context, tr *Trace) error {
	if tr.TraceID == "" || tr.TenantID == "" {
		return errs.New(errs.KindSchemaInvalid, "trace requires trace_id and tenant_id")
	}

	return store.WithRetry(ctx, store.DefaultRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var completed any
		if tr.CompletedAt != nil {
			completed = tr.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		usage, granted, used := string(mustJSON(tr.Usage)), rawOrNil(tr.GrantedScope), rawOrNil(tr.UsedScope)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO traces (trace_id, tenant_id, workspace_id, adapter_id, started_at, completed_at, model, provider, input, output, usage, granted_scope, used_scope, redacted_prompt, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.TraceID, tr.TenantID, tr.WorkspaceID, emptyNull(tr.AdapterID),
			tr.StartedAt.UTC().Format(time.RFC3339Nano), completed,
			tr.Model, tr.Provider, tr.Input, emptyNull(tr.Output), usage, granted, used,
			emptyNull(tr.RedactedPrompt), emptyNull(tr.Error))
		if err != nil {
			return err
		}

		for i, st := range tr.Steps {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO trace_steps (trace_id, idx, step_id, prev_step_hash, step_hash, step_type, timestamp, duration_ms, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				tr.TraceID, i, st.StepID, ptrOrNil(st.PrevStepHash), ptrOrNil(st.StepHash),
				st.Type, st.Timestamp, st.DurationMS, string(st.Data))
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Get returns a trace by id within the tenant, with its integrity
// verdict computed from the stored steps.
func (s *Store) Get(ctx context.Context, tenantID, traceID string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, tenant_id, workspace_id, adapter_id, started_at, completed_at, model, provider, input, output, usage, granted_scope, used_scope, redacted_prompt, error
		FROM traces WHERE trace_id = ? AND tenant_id = ?`, traceID, tenantID)

	tr, err := scanTrace(row)
	if err != nil {
		return nil, err
	}

	steps, err := s.loadSteps(ctx, traceID)
	if err != nil {
		return nil, err
	}
	tr.Steps = steps
	tr.Integrity = ComputeIntegrity(steps)
	return tr, nil
}

// ListFilter narrows List results. Zero values mean unfiltered.
type ListFilter struct {
	WorkspaceID string
	AdapterID   string
	HasError    *bool
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// List returns tenant traces newest-first without their steps; callers
// Get individual traces for step detail and integrity.
func (s *Store) List(ctx context.Context, tenantID string, f ListFilter) ([]*Trace, error) {
	q := `SELECT trace_id, tenant_id, workspace_id, adapter_id, started_at, completed_at, model, provider, input, output, usage, granted_scope, used_scope, redacted_prompt, error
		FROM traces WHERE tenant_id = ?`
	args := []any{tenantID}

	if f.WorkspaceID != "" {
		q += " AND workspace_id = ?"
		args = append(args, f.WorkspaceID)
	}
	if f.AdapterID != "" {
		q += " AND adapter_id = ?"
		args = append(args, f.AdapterID)
	}
	if f.HasError != nil {
		if *f.HasError {
			q += " AND error IS NOT NULL"
		} else {
			q += " AND error IS NULL"
		}
	}
	if f.Since != nil {
		q += " AND started_at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		q += " AND started_at <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	q += " ORDER BY started_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Trace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}
	return out, nil
}

// DeleteOlderThan removes whole traces (and their steps) whose start
// precedes the cutoff. Partial step deletion is forbidden.
func (s *Store) DeleteOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	var deleted int64
	err := store.WithRetry(ctx, store.DefaultRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		ts := cutoff.UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM trace_steps WHERE trace_id IN
				(SELECT trace_id FROM traces WHERE tenant_id = ? AND started_at < ?)`,
			tenantID, ts); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM traces WHERE tenant_id = ? AND started_at < ?`, tenantID, ts)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return deleted, err
}

func (s *Store) loadSteps(ctx context.Context, traceID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, prev_step_hash, step_hash, step_type, timestamp, duration_ms, data
		FROM trace_steps WHERE trace_id = ? ORDER BY idx ASC`, traceID)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		var prev, hash sql.NullString
		var data string
		if err := rows.Scan(&st.StepID, &prev, &hash, &st.Type, &st.Timestamp, &st.DurationMS, &data); err != nil {
			return nil, store.Classify(err)
		}
		if prev.Valid {
			st.PrevStepHash = &prev.String
		}
		if hash.Valid {
			st.StepHash = &hash.String
		}
		st.Data = []byte(data)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}
	return steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*Trace, error) {
	tr := &Trace{}
	var adapter, completed, output, granted, used, redacted, traceErr sql.NullString
	var started, usage string
	err := row.Scan(&tr.TraceID, &tr.TenantID, &tr.WorkspaceID, &adapter, &started, &completed,
		&tr.Model, &tr.Provider, &tr.Input, &output, &usage, &granted, &used, &redacted, &traceErr)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "no such trace in tenant")
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	tr.AdapterID = adapter.String
	tr.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if completed.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, completed.String)
		tr.CompletedAt = &ts
	}
	tr.Output = output.String
	tr.RedactedPrompt = redacted.String
	tr.Error = traceErr.String
	_ = unmarshalLoose(usage, &tr.Usage)
	if granted.Valid {
		tr.GrantedScope = []byte(granted.String)
	}
	if used.Valid {
		tr.UsedScope = []byte(used.String)
	}
	return tr, nil
}
