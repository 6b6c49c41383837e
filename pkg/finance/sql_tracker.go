package finance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

// SQLTracker implements SpendTracker on a spend_events table.
type SQLTracker struct {
	db *store.DB
}

// NewSQLTracker creates the spend_events table if needed.
func NewSQLTracker(ctx context.Context, db *store.DB) (*SQLTracker, error) {
	if err := db.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS spend_events (
			subject TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			occurred_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS spend_events_subject_idx ON spend_events (subject, currency, occurred_at)`,
	); err != nil {
		return nil, err
	}
	return &SQLTracker{db: db}, nil
}

func (t *SQLTracker) Spent(ctx context.Context, subject, currency string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx, t.db.Rebind(`
		SELECT COALESCE(SUM(amount_minor), 0) FROM spend_events
		WHERE subject = ? AND currency = ? AND occurred_at >= ?`),
		subject, strings.ToUpper(currency), since.UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend query failed: %w", err)
	}
	return total, nil
}

func (t *SQLTracker) Record(ctx context.Context, subject string, amount Money, at time.Time) error {
	_, err := t.db.ExecContext(ctx, t.db.Rebind(`
		INSERT INTO spend_events (subject, currency, amount_minor, occurred_at) VALUES (?, ?, ?, ?)`),
		subject, strings.ToUpper(amount.Currency), amount.AmountMinor, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("spend record failed: %w", err)
	}
	return nil
}
