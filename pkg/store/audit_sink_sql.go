package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLAuditSink persists audit entries to an audit_log table.
type SQLAuditSink struct {
	db *DB
}

// NewSQLAuditSink creates the audit_log table if needed.
func NewSQLAuditSink(ctx context.Context, db *DB) (*SQLAuditSink, error) {
	if err := db.Migrate(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			sequence BIGINT PRIMARY KEY,
			entry_id TEXT NOT NULL UNIQUE,
			ts BIGINT NOT NULL,
			entry_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			metadata TEXT
		)`); err != nil {
		return nil, err
	}
	return &SQLAuditSink{db: db}, nil
}

func (s *SQLAuditSink) Write(ctx context.Context, e *AuditEntry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log (sequence, entry_id, ts, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(e.Sequence), e.EntryID, e.Timestamp.UnixMilli(), string(e.EntryType), e.Subject, e.Action,
		string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash, string(meta))
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// Head returns the last persisted sequence and entry hash.
func (s *SQLAuditSink) Head(ctx context.Context) (uint64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, `SELECT sequence, entry_hash FROM audit_log ORDER BY sequence DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit head: %w", err)
	}
	return uint64(seq), hash, nil
}

// Load returns persisted entries with sequence >= from, in order.
func (s *SQLAuditSink) Load(ctx context.Context, from uint64, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT sequence, entry_id, ts, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash, metadata
		FROM audit_log WHERE sequence >= ? ORDER BY sequence LIMIT ?`), int64(from), limit)
	if err != nil {
		return nil, fmt.Errorf("audit load: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			seq, ts int64
			typ     string
			payload string
			meta    sql.NullString
		)
		if err := rows.Scan(&seq, &e.EntryID, &ts, &typ, &e.Subject, &e.Action, &payload,
			&e.PayloadHash, &e.PreviousHash, &e.EntryHash, &meta); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.EntryType = EntryType(typ)
		e.Payload = json.RawMessage(payload)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
