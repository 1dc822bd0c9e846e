// Package audit implements the per-tenant hash-chained audit log.
// Entries are append-only, densely sequenced, and verifiable offline by
// re-hashing; the storage engine's ordering is never trusted beyond the
// (tenant_id, seq) index.
package audit

import (
	"encoding/json"
	"time"
)

// Event types recorded by the core. Components may record additional
// types; these are the ones the core itself emits.
const (
	EventExecutionDecision = "execution_decision"
	EventDecisionCreated   = "decision_created"
	EventDecisionResolved  = "decision_resolved"
	EventDecisionConsumed  = "decision_consumed"
	EventDecisionExpired   = "decision_expired"
	EventToolTokenIssued   = "tool_token_issued"
	EventToolTokenConsumed = "tool_token_consumed"
	EventTelemetryIngest   = "telemetry_ingest"
	EventTelemetryViolation = "telemetry_violation"
	EventPolicyChange      = "policy_change"
	EventAdapterChange     = "adapter_change"
	EventChainSealed       = "chain_sealed"
)

// Entry is one immutable audit chain record.
type Entry struct {
	TenantID   string          `json:"tenant_id"`
	Seq        int64           `json:"seq"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Actor      string          `json:"actor"`
	TargetID   *string         `json:"target_id"`
	EventData  json.RawMessage `json:"event_data"`
	PrevHash   *string         `json:"prev_hash"`
	EntryHash  string          `json:"entry_hash"`
}

// hashRecord is the exact field set covered by the entry hash. The
// entry_hash itself is excluded; prev_hash is included to form the chain.
func (e *Entry) hashRecord() map[string]any {
	return map[string]any{
		"seq":         e.Seq,
		"tenant_id":   e.TenantID,
		"event_type":  e.EventType,
		"occurred_at": e.OccurredAt,
		"actor":       e.Actor,
		"target_id":   e.TargetID,
		"event_data":  e.EventData,
		"prev_hash":   e.PrevHash,
	}
}

// Filter selects entries for queries and exports.
type Filter struct {
	EventType string
	Actor     string
	TargetID  string
	Since     *time.Time
	Until     *time.Time
	AfterSeq  int64
	Limit     int
}

// AppendResult reports where an appended entry landed in the chain.
type AppendResult struct {
	Seq       int64  `json:"seq"`
	EntryHash string `json:"entry_hash"`
}
