package audit

import (
	"context"
	"database/sql"
)

// Report is the outcome of a chain verification pass.
type Report struct {
	OK       bool    `json:"ok"`
	Entries  int64   `json:"entries"`
	Failures []int64 `json:"failures,omitempty"`
}

// VerifyChain re-hashes every entry for the tenant and checks the links.
// Every mismatched seq is reported; verification never short-circuits.
// A sealed prefix anchors the first surviving entry's prev_hash.
func (l *Log) VerifyChain(ctx context.Context, tenantID string) (*Report, error) {
	report := &Report{OK: true}

	var anchor *sealAnchor
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err == nil {
		anchor, err = l.sealAnchorTx(ctx, tx, tenantID)
		_ = tx.Rollback()
		if err != nil {
			return nil, err
		}
	}

	entries, err := l.Query(ctx, tenantID, Filter{})
	if err != nil {
		return nil, err
	}
	report.Entries = int64(len(entries))

	var expectPrev *string
	expectSeq := int64(1)
	if anchor != nil {
		expectSeq = anchor.throughSeq + 1
		h := anchor.lastHash
		expectPrev = &h
	}

	for _, e := range entries {
		ok := true

		if e.Seq != expectSeq {
			ok = false
		}
		if !samePtr(e.PrevHash, expectPrev) {
			ok = false
		}
		recomputed, err := entryHash(e)
		if err != nil || recomputed != e.EntryHash {
			ok = false
		}

		if !ok {
			report.OK = false
			report.Failures = append(report.Failures, e.Seq)
		}

		// Chain forward from the stored hash so a single corrupt entry
		// reports once rather than cascading.
		h := e.EntryHash
		expectPrev = &h
		expectSeq = e.Seq + 1
	}

	return report, nil
}

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
