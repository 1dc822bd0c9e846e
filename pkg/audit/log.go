package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/AppLetico/clasper/pkg/canonicalize"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

// Log appends to and reads from the audit chain. Appends for the same
// tenant serialize on a per-tenant mutex; cross-tenant appends run in
// parallel.
type Log struct {
	db      *sql.DB
	retries int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLog creates an audit log over an opened database.
func NewLog(db *sql.DB, retries int) *Log {
	if retries <= 0 {
		retries = store.DefaultRetries
	}
	return &Log{db: db, retries: retries, locks: make(map[string]*sync.Mutex)}
}

func (l *Log) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	return m
}

// Append writes one chain entry for the tenant. eventData is serialized
// to canonical JSON before hashing and storage. The read of the current
// chain head and the insert share one transaction.
func (l *Log) Append(ctx context.Context, tenantID, eventType, actor string, targetID *string, eventData any) (*AppendResult, error) {
	if tenantID == "" {
		return nil, errs.New(errs.KindMissingTenant, "audit append requires a tenant")
	}
	data, err := canonicalize.Canonical(eventData)
	if err != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "event data is not hashable", err)
	}

	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	var result *AppendResult
	err = store.WithRetry(ctx, l.retries, func() error {
		res, err := l.appendTx(ctx, tenantID, eventType, actor, targetID, data)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Log) appendTx(ctx context.Context, tenantID, eventType, actor string, targetID *string, data []byte) (*AppendResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	var lastHash sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT seq, entry_hash FROM audit_chain
		WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`, tenantID).Scan(&maxSeq, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	entry := &Entry{
		TenantID:   tenantID,
		Seq:        maxSeq.Int64 + 1,
		EventType:  eventType,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Actor:      actor,
		TargetID:   targetID,
		EventData:  data,
	}
	if entry.Seq == 1 {
		// prev_hash is null only at seq 1, unless a sealed prefix anchors
		// the chain.
		if anchor, err := l.sealAnchorTx(ctx, tx, tenantID); err != nil {
			return nil, err
		} else if anchor != nil {
			entry.Seq = anchor.throughSeq + 1
			entry.PrevHash = &anchor.lastHash
		}
	} else if lastHash.Valid {
		h := lastHash.String
		entry.PrevHash = &h
	}

	hash, err := entryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_chain (tenant_id, seq, event_type, occurred_at, actor, target_id, event_data, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TenantID, entry.Seq, entry.EventType, entry.OccurredAt, entry.Actor,
		nullable(entry.TargetID), string(entry.EventData), nullable(entry.PrevHash), entry.EntryHash)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &AppendResult{Seq: entry.Seq, EntryHash: entry.EntryHash}, nil
}

type sealAnchor struct {
	throughSeq int64
	lastHash   string
}

func (l *Log) sealAnchorTx(ctx context.Context, tx *sql.Tx, tenantID string) (*sealAnchor, error) {
	var a sealAnchor
	err := tx.QueryRowContext(ctx, `
		SELECT sealed_through_seq, last_entry_hash FROM audit_seals
		WHERE tenant_id = ? ORDER BY sealed_through_seq DESC LIMIT 1`, tenantID).
		Scan(&a.throughSeq, &a.lastHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// entryHash computes format_hash(sha256(canonical(record))).
func entryHash(e *Entry) (string, error) {
	h, err := canonicalize.HashJSON(e.hashRecord())
	if err != nil {
		return "", errs.Wrap(errs.KindSchemaInvalid, "entry not hashable", err)
	}
	return canonicalize.FormatHash(h), nil
}

// Query returns chain entries for the tenant matching the filter, in
// ascending seq order.
func (l *Log) Query(ctx context.Context, tenantID string, f Filter) ([]*Entry, error) {
	q := `SELECT tenant_id, seq, event_type, occurred_at, actor, target_id, event_data, prev_hash, entry_hash
		FROM audit_chain WHERE tenant_id = ?`
	args := []any{tenantID}

	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.Actor != "" {
		q += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.TargetID != "" {
		q += " AND target_id = ?"
		args = append(args, f.TargetID)
	}
	if f.Since != nil {
		q += " AND occurred_at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		q += " AND occurred_at <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.AfterSeq > 0 {
		q += " AND seq > ?"
		args = append(args, f.AfterSeq)
	}
	q += " ORDER BY seq ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}
	return out, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	e := &Entry{}
	var target, prev sql.NullString
	var data string
	if err := rows.Scan(&e.TenantID, &e.Seq, &e.EventType, &e.OccurredAt, &e.Actor,
		&target, &data, &prev, &e.EntryHash); err != nil {
		return nil, store.Classify(err)
	}
	e.EventData = []byte(data)
	if target.Valid {
		e.TargetID = &target.String
	}
	if prev.Valid {
		e.PrevHash = &prev.String
	}
	return e, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
