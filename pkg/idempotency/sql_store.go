package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

// SQLStore provides durable idempotency records on Postgres or SQLite. The
// primary key on (operation, idem_key) makes Insert a conditional insert.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates the idempotency_records table if needed.
func NewSQLStore(ctx context.Context, db *store.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			operation TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			created_at BIGINT NOT NULL,
			completed_at BIGINT,
			PRIMARY KEY (operation, idem_key)
		)`); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Insert(ctx context.Context, rec *Record) (bool, *Record, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO idempotency_records (operation, idem_key, fingerprint, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (operation, idem_key) DO NOTHING`),
		rec.Operation, rec.Key, rec.Fingerprint, string(rec.Status), rec.CreatedAt.UnixMilli())
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil, nil
	}

	existing, err := s.Get(ctx, rec.Operation, rec.Key)
	if errors.Is(err, ErrRecordNotFound) {
		// Deleted between insert and read by a failing owner; report as in flight.
		return false, &Record{Operation: rec.Operation, Key: rec.Key, Fingerprint: rec.Fingerprint, Status: StatusInProgress}, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *SQLStore) Complete(ctx context.Context, operation, key string, statusCode int, result json.RawMessage, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE idempotency_records
		SET status = ?, status_code = ?, result = ?, completed_at = ?
		WHERE operation = ? AND idem_key = ?`),
		string(StatusCompleted), statusCode, string(result), at.UnixMilli(), operation, key)
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, operation, key string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM idempotency_records WHERE operation = ? AND idem_key = ?`), operation, key)
	if err != nil {
		return fmt.Errorf("idempotency: delete: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, operation, key string) (*Record, error) {
	var (
		rec         Record
		status      string
		result      sql.NullString
		createdMs   int64
		completedMs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT operation, idem_key, fingerprint, status, status_code, result, created_at, completed_at
		FROM idempotency_records WHERE operation = ? AND idem_key = ?`), operation, key).
		Scan(&rec.Operation, &rec.Key, &rec.Fingerprint, &status, &rec.StatusCode, &result, &createdMs, &completedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	rec.Status = Status(status)
	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	if completedMs.Valid {
		rec.CompletedAt = time.UnixMilli(completedMs.Int64).UTC()
	}
	return &rec, nil
}

// PurgeCompleted deletes completed records older than cutoff.
func (s *SQLStore) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM idempotency_records WHERE status = ? AND completed_at < ?`),
		string(StatusCompleted), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return res.RowsAffected()
}
