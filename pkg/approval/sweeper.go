package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/store"
)

// SweepExpired transitions every pending decision past its deadline to
// expired and writes an audit entry per transition. Returns how many
// decisions expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, tenant_id FROM decisions
		WHERE state = ? AND expires_at < ?`, string(contracts.DecisionPending), now)
	if err != nil {
		return 0, store.Classify(err)
	}
	type target struct{ id, tenant string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.tenant); err != nil {
			_ = rows.Close()
			return 0, store.Classify(err)
		}
		targets = append(targets, t)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, store.Classify(err)
	}

	expired := 0
	for _, t := range targets {
		var updated bool
		err := store.WithRetry(ctx, store.DefaultRetries, func() error {
			res, err := s.db.ExecContext(ctx, `
				UPDATE decisions SET state = ?, resolved_at = ?
				WHERE decision_id = ? AND state = ?`,
				string(contracts.DecisionExpired), now, t.id, string(contracts.DecisionPending))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated = n > 0
			return nil
		})
		if err != nil {
			return expired, err
		}
		if !updated {
			continue
		}
		expired++
		id := t.id
		if _, err := s.audit.Append(ctx, t.tenant, audit.EventDecisionExpired, "system", &id, map[string]any{
			"decision_id": t.id,
		}); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// RunSweeper sweeps on the given interval until the context ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				logger.Error("approval sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired pending decisions", "count", n)
			}
		}
	}
}
