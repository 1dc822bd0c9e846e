package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

// SQLiteStore implements Store over the shared SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT tenant_id, remaining, updated_at FROM tenant_budgets WHERE tenant_id = ?", tenantID)

	b := &Budget{}
	var updated string
	err := row.Scan(&b.TenantID, &b.Remaining, &updated)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "no budget for tenant %s", tenantID)
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return b, nil
}

func (s *SQLiteStore) Set(ctx context.Context, tenantID string, remaining float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_budgets (tenant_id, remaining, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			remaining = excluded.remaining,
			updated_at = excluded.updated_at`,
		tenantID, remaining, time.Now().UTC().Format(time.RFC3339Nano))
	return store.Classify(err)
}

// Debit atomically subtracts amount iff the full amount is available.
// Single conditional statement, no read-then-write.
func (s *SQLiteStore) Debit(ctx context.Context, tenantID string, amount float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_budgets SET remaining = remaining - ?, updated_at = ?
		WHERE tenant_id = ? AND remaining >= ?`,
		amount, time.Now().UTC().Format(time.RFC3339Nano), tenantID, amount)
	if err != nil {
		return false, store.Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Classify(err)
	}
	return n > 0, nil
}
