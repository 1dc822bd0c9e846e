package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AppLetico/clasper/pkg/store"
)

// Deduper answers whether an envelope identity was seen before, and
// marks it seen. First-seen returns true; duplicates return false.
type Deduper interface {
	FirstSeen(ctx context.Context, tenantID, executionID string, payloadType PayloadType, payloadHash string) (bool, error)
}

// SQLDeduper uses the ingest_dedup table's primary key. INSERT OR
// IGNORE makes the check-and-mark one statement.
type SQLDeduper struct {
	db *sql.DB
}

func NewSQLDeduper(db *sql.DB) *SQLDeduper {
	return &SQLDeduper{db: db}
}

func (d *SQLDeduper) FirstSeen(ctx context.Context, tenantID, executionID string, payloadType PayloadType, payloadHash string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ingest_dedup (tenant_id, execution_id, payload_type, payload_hash, seen_at)
		VALUES (?, ?, ?, ?, ?)`,
		tenantID, executionID, string(payloadType), payloadHash,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, store.Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Classify(err)
	}
	return n > 0, nil
}

// RedisDeduper shares the seen-set across replicas via SETNX with a
// TTL. On Redis failure it falls back to the SQL deduper rather than
// dropping or double-applying telemetry.
type RedisDeduper struct {
	client   *redis.Client
	ttl      time.Duration
	fallback Deduper
}

func NewRedisDeduper(addr string, ttl time.Duration, fallback Deduper) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		ttl:      ttl,
		fallback: fallback,
	}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, tenantID, executionID string, payloadType PayloadType, payloadHash string) (bool, error) {
	key := fmt.Sprintf("ingest:%s:%s:%s:%s", tenantID, executionID, payloadType, payloadHash)
	ok, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		if d.fallback != nil {
			return d.fallback.FirstSeen(ctx, tenantID, executionID, payloadType, payloadHash)
		}
		return false, err
	}
	return ok, nil
}
