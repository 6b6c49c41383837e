package hold

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store on PostgreSQL. Creation takes a
// transaction-scoped advisory lock on the wallet; transitions lock the hold
// row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the holds table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS holds (
			hold_id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			wallet_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL DEFAULT '',
			amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
			token TEXT NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			captured_amount_minor BIGINT NOT NULL DEFAULT 0,
			released_amount_minor BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			captured_at TIMESTAMPTZ,
			voided_at TIMESTAMPTZ,
			expired_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS holds_wallet_committed_idx ON holds (wallet_id, token)
			WHERE status IN ('active', 'captured');`)
	if err != nil {
		return fmt.Errorf("hold: migrate: %w", err)
	}
	return nil
}

const holdColumns = `hold_id, organization_id, wallet_id, merchant_id, amount_minor, token, purpose, status,
	captured_amount_minor, released_amount_minor, created_at, expires_at, captured_at, voided_at, expired_at`

// committedSum is what a wallet cannot re-reserve: active holds in full and
// the captured part of captured holds.
const committedSum = `SELECT COALESCE(SUM(CASE WHEN status = 'active' THEN amount_minor ELSE captured_amount_minor END), 0)
	FROM holds WHERE wallet_id = $1 AND token = $2 AND status IN ('active', 'captured')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (*Hold, error) {
	var (
		h                         Hold
		status                    string
		captured, voided, expired sql.NullTime
	)
	err := row.Scan(&h.HoldID, &h.OrganizationID, &h.WalletID, &h.MerchantID, &h.AmountMinor, &h.Token, &h.Purpose, &status,
		&h.CapturedAmountMinor, &h.ReleasedAmountMinor, &h.CreatedAt, &h.ExpiresAt, &captured, &voided, &expired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.Status = Status(status)
	h.CapturedAt = nullTime(captured)
	h.VoidedAt = nullTime(voided)
	h.ExpiredAt = nullTime(expired)
	h.CreatedAt = h.CreatedAt.UTC()
	h.ExpiresAt = h.ExpiresAt.UTC()
	return &h, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func (s *PostgresStore) CreateIfAvailable(ctx context.Context, h *Hold, spendable int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, h.WalletID+"/"+h.Token); err != nil {
		return fmt.Errorf("hold: wallet lock failed: %w", err)
	}

	var held int64
	if err := tx.QueryRowContext(ctx, committedSum, h.WalletID, h.Token).Scan(&held); err != nil {
		return fmt.Errorf("hold: committed total failed: %w", err)
	}
	if spendable-held < h.AmountMinor {
		return ErrInsufficientFunds.WithMessage("available %d < requested %d", spendable-held, h.AmountMinor)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO holds (hold_id, organization_id, wallet_id, merchant_id, amount_minor, token, purpose, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.HoldID, h.OrganizationID, h.WalletID, h.MerchantID, h.AmountMinor, h.Token, h.Purpose, string(h.Status), h.CreatedAt, h.ExpiresAt)
	if err != nil {
		return fmt.Errorf("hold: insert failed: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, holdID string) (*Hold, error) {
	return scanHold(s.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE hold_id = $1`, holdID))
}

func (s *PostgresStore) Transition(ctx context.Context, holdID string, mutate func(h *Hold) error) (*Hold, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	h, err := scanHold(tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE hold_id = $1 FOR UPDATE`, holdID))
	if err != nil {
		return nil, err
	}
	if err := mutate(h); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE holds SET status = $1, captured_amount_minor = $2, released_amount_minor = $3,
			captured_at = $4, voided_at = $5, expired_at = $6
		WHERE hold_id = $7`,
		string(h.Status), h.CapturedAmountMinor, h.ReleasedAmountMinor, h.CapturedAt, h.VoidedAt, h.ExpiredAt, h.HoldID)
	if err != nil {
		return nil, fmt.Errorf("hold: update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("hold: commit failed: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) CommittedTotal(ctx context.Context, walletID, token string) (int64, error) {
	var held int64
	if err := s.db.QueryRowContext(ctx, committedSum, walletID, token).Scan(&held); err != nil {
		return 0, fmt.Errorf("hold: committed total failed: %w", err)
	}
	return held, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hold_id FROM holds WHERE status = 'active' AND expires_at <= $1 ORDER BY expires_at LIMIT 1000`, now)
	if err != nil {
		return nil, fmt.Errorf("hold: list expired failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
