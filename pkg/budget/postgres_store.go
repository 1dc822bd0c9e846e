package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store over PostgreSQL for deployments whose
// budget ledger lives with the tenant backend rather than in the core's
// SQLite file.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT tenant_id, remaining, updated_at FROM tenant_budgets WHERE tenant_id = $1", tenantID)

	b := &Budget{}
	err := row.Scan(&b.TenantID, &b.Remaining, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("budget: no budget for tenant %s", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("budget: get failed: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Set(ctx context.Context, tenantID string, remaining float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_budgets (tenant_id, remaining, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			updated_at = EXCLUDED.updated_at`,
		tenantID, remaining, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("budget: set failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Debit(ctx context.Context, tenantID string, amount float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_budgets SET remaining = remaining - $1, updated_at = $2
		WHERE tenant_id = $3 AND remaining >= $1`,
		amount, time.Now().UTC(), tenantID)
	if err != nil {
		return false, fmt.Errorf("budget: debit failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("budget: debit rows: %w", err)
	}
	return n > 0, nil
}
