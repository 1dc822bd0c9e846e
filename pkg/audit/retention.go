package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/AppLetico/clasper/pkg/canonicalize"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

// ObjectStore is the cold-storage sink for sealed chain ranges.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (location string, err error)
}

// SealThrough archives the leading range [start..throughSeq] to cold
// storage and truncates it, leaving a sealing marker that anchors the
// remaining chain. Only whole leading ranges may be truncated; partial
// or mid-chain deletion is forbidden.
func (l *Log) SealThrough(ctx context.Context, objects ObjectStore, tenantID string, throughSeq int64) error {
	if objects == nil {
		return errs.New(errs.KindStoreUnavailable, "cold storage not configured (fail-closed)")
	}

	checksum, location, err := l.sealLocked(ctx, objects, tenantID, throughSeq)
	if err != nil {
		return err
	}

	_, err = l.Append(ctx, tenantID, EventChainSealed, "system", nil, map[string]any{
		"sealed_through_seq": throughSeq,
		"bundle_checksum":    checksum,
		"bundle_location":    location,
	})
	return err
}

func (l *Log) sealLocked(ctx context.Context, objects ObjectStore, tenantID string, throughSeq int64) (string, string, error) {
	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := l.Query(ctx, tenantID, Filter{})
	if err != nil {
		return "", "", err
	}
	if len(entries) == 0 {
		return "", "", errs.New(errs.KindNotFound, "no entries to seal")
	}
	if entries[0].Seq > throughSeq {
		return "", "", errs.Newf(errs.KindSchemaInvalid, "seal point %d precedes chain start %d", throughSeq, entries[0].Seq)
	}

	var sealed []*Entry
	var lastHash string
	for _, e := range entries {
		if e.Seq > throughSeq {
			break
		}
		sealed = append(sealed, e)
		lastHash = e.EntryHash
	}
	if int64(len(sealed)) != throughSeq-entries[0].Seq+1 {
		return "", "", errs.Newf(errs.KindSchemaInvalid, "seal range [%d..%d] has gaps", entries[0].Seq, throughSeq)
	}

	bundleBytes, err := canonicalize.Canonical(sealed)
	if err != nil {
		return "", "", errs.Wrap(errs.KindSchemaInvalid, "sealed range not serializable", err)
	}
	checksum := canonicalize.FormatHash(canonicalize.SHA256Hex(bundleBytes))

	key := fmt.Sprintf("audit/%s/seal-%d-%d.json", tenantID, entries[0].Seq, throughSeq)
	location, err := objects.Put(ctx, key, bundleBytes)
	if err != nil {
		return "", "", errs.Wrap(errs.KindStoreUnavailable, "cold storage write failed", err)
	}

	// Marker first, truncation after: losing the race leaves extra rows,
	// never a hole.
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", store.Classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_seals (tenant_id, sealed_through_seq, last_entry_hash, bundle_checksum, bundle_location, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, throughSeq, lastHash, checksum, location, now); err != nil {
		return "", "", store.Classify(err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM audit_chain WHERE tenant_id = ? AND seq <= ?`, tenantID, throughSeq); err != nil {
		return "", "", store.Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return "", "", store.Classify(err)
	}

	return checksum, location, nil
}
