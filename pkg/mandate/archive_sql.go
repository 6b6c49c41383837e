package mandate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

// SQLArchive persists accepted chains in a mandate_archive table.
type SQLArchive struct {
	db *store.DB
}

// NewSQLArchive creates the archive table if needed.
func NewSQLArchive(ctx context.Context, db *store.DB) (*SQLArchive, error) {
	a := &SQLArchive{db: db}
	if err := db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS mandate_archive (
			mandate_id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			chain_json TEXT NOT NULL,
			accepted_at BIGINT NOT NULL
		)`); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SQLArchive) Append(ctx context.Context, rec *Record) (string, error) {
	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return "", fmt.Errorf("mandate: encode chain: %w", err)
	}
	_, err = a.db.ExecContext(ctx, a.db.Rebind(`
		INSERT INTO mandate_archive (mandate_id, subject, content_hash, chain_json, accepted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (mandate_id) DO NOTHING`),
		rec.MandateID, rec.Subject, rec.ContentHash, string(chainJSON), rec.AcceptedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("mandate: archive insert: %w", err)
	}
	return "sql:mandate_archive/" + rec.MandateID, nil
}

func (a *SQLArchive) Get(ctx context.Context, mandateID string) (*Record, error) {
	var (
		rec        Record
		chainJSON  string
		acceptedMs int64
	)
	err := a.db.QueryRowContext(ctx, a.db.Rebind(`
		SELECT mandate_id, subject, content_hash, chain_json, accepted_at
		FROM mandate_archive WHERE mandate_id = ?`), mandateID).
		Scan(&rec.MandateID, &rec.Subject, &rec.ContentHash, &chainJSON, &acceptedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("mandate: archive get: %w", err)
	}
	if err := json.Unmarshal([]byte(chainJSON), &rec.Chain); err != nil {
		return nil, fmt.Errorf("mandate: decode chain: %w", err)
	}
	rec.AcceptedAt = time.UnixMilli(acceptedMs).UTC()
	return &rec, nil
}
