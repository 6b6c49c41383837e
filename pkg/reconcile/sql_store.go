package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

// SQLStore persists reconciliation state on Postgres or SQLite. Event
// dedupe rides on the (organization_id, reference, provider_event_id) primary
// key; open-review uniqueness on a partial unique index.
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(ctx context.Context, db *store.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS settlement_events (
			reference TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			rail TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL,
			occurred_at BIGINT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (organization_id, reference, provider_event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS payment_journeys (
			organization_id TEXT NOT NULL,
			reference TEXT NOT NULL,
			journey_id TEXT NOT NULL UNIQUE,
			rail TEXT NOT NULL,
			state TEXT NOT NULL,
			expected_amount_minor BIGINT NOT NULL DEFAULT 0,
			settled_amount_minor BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			last_event_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (organization_id, reference)
		)`,
		`CREATE INDEX IF NOT EXISTS payment_journeys_state ON payment_journeys (state)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_reviews (
			task_id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			journey_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			resolved_at BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS reconciliation_reviews_open
			ON reconciliation_reviews (journey_id, reason) WHERE status = 'open'`,
	); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

const journeyColumns = `organization_id, reference, journey_id, rail, state, expected_amount_minor,
	settled_amount_minor, currency, created_at, last_event_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJourney(row rowScanner) (*Journey, error) {
	var (
		j                Journey
		rail, state      string
		created, lastEvt int64
	)
	if err := row.Scan(&j.OrganizationID, &j.Reference, &j.JourneyID, &rail, &state,
		&j.ExpectedAmountMinor, &j.SettledAmountMinor, &j.Currency, &created, &lastEvt); err != nil {
		return nil, err
	}
	j.Rail = Rail(rail)
	j.State = State(state)
	j.CreatedAt = time.UnixMilli(created).UTC()
	if lastEvt > 0 {
		j.LastEventAt = time.UnixMilli(lastEvt).UTC()
	}
	return &j, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *SQLStore) CreateJourney(ctx context.Context, j *Journey) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO payment_journeys (`+journeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, reference) DO NOTHING`),
		j.OrganizationID, j.Reference, j.JourneyID, string(j.Rail), string(j.State),
		j.ExpectedAmountMinor, j.SettledAmountMinor, j.Currency, millis(j.CreatedAt), millis(j.LastEventAt))
	if err != nil {
		return false, fmt.Errorf("reconcile: create journey: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Apply(ctx context.Context, ev Event, seed *Journey, fn func(j *Journey) error) (bool, *Journey, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("reconcile: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO settlement_events (reference, provider_event_id, organization_id, rail, event_type, state, amount_minor, currency, occurred_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, reference, provider_event_id) DO NOTHING`),
		ev.Reference, ev.ProviderEventID, ev.OrganizationID, string(ev.Rail), ev.EventType, string(ev.State),
		ev.AmountMinor, ev.Currency, millis(ev.OccurredAt), string(payload))
	if err != nil {
		return false, nil, fmt.Errorf("reconcile: insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 0 {
		_ = tx.Rollback()
		j, err := s.GetJourney(ctx, ev.OrganizationID, ev.Reference)
		if errors.Is(err, ErrJourneyNotFound) {
			return false, nil, nil
		}
		return false, j, err
	}

	// The seed row must exist before the locking select so that concurrent
	// first events for a reference serialize on it.
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO payment_journeys (`+journeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, reference) DO NOTHING`),
		seed.OrganizationID, seed.Reference, seed.JourneyID, string(seed.Rail), string(seed.State),
		seed.ExpectedAmountMinor, seed.SettledAmountMinor, seed.Currency,
		millis(seed.CreatedAt), millis(seed.LastEventAt)); err != nil {
		return false, nil, fmt.Errorf("reconcile: seed journey: %w", err)
	}

	query := `SELECT ` + journeyColumns + ` FROM payment_journeys WHERE organization_id = ? AND reference = ?`
	if s.db.Dialect == store.DialectPostgres {
		query += ` FOR UPDATE`
	}
	working, err := scanJourney(tx.QueryRowContext(ctx, s.db.Rebind(query), ev.OrganizationID, ev.Reference))
	if err != nil {
		return false, nil, fmt.Errorf("reconcile: load journey: %w", err)
	}

	if err := fn(working); err != nil {
		return false, nil, err
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE payment_journeys SET state = ?, expected_amount_minor = ?, settled_amount_minor = ?,
			currency = ?, last_event_at = ?
		WHERE organization_id = ? AND reference = ?`),
		string(working.State), working.ExpectedAmountMinor, working.SettledAmountMinor, working.Currency,
		millis(working.LastEventAt), working.OrganizationID, working.Reference); err != nil {
		return false, nil, fmt.Errorf("reconcile: save journey: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("reconcile: commit: %w", err)
	}
	return true, working, nil
}

func (s *SQLStore) GetJourney(ctx context.Context, organizationID, reference string) (*Journey, error) {
	j, err := scanJourney(s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+journeyColumns+` FROM payment_journeys WHERE organization_id = ? AND reference = ?`),
		organizationID, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJourneyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: get journey: %w", err)
	}
	return j, nil
}

func (s *SQLStore) ListJourneys(ctx context.Context, states ...State) ([]*Journey, error) {
	query := `SELECT ` + journeyColumns + ` FROM payment_journeys`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY journey_id`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list journeys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLStore) OpenReview(ctx context.Context, t *ReviewTask) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO reconciliation_reviews (task_id, organization_id, journey_id, reason, priority, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		t.TaskID, t.OrganizationID, t.JourneyID, string(t.Reason), string(t.Priority), string(t.Status),
		t.Detail, t.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("reconcile: open review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ResolveReview(ctx context.Context, organizationID, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE reconciliation_reviews SET status = ?, resolved_at = ?
		WHERE task_id = ? AND organization_id = ? AND status = ?`),
		string(ReviewResolved), at.UnixMilli(), taskID, organizationID, string(ReviewOpen))
	if err != nil {
		return fmt.Errorf("reconcile: resolve review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT 1 FROM reconciliation_reviews WHERE task_id = ? AND organization_id = ?`),
		taskID, organizationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrReviewNotFound
	}
	return err
}

func (s *SQLStore) ListReviews(ctx context.Context, organizationID string, status ReviewStatus) ([]*ReviewTask, error) {
	query := `SELECT task_id, organization_id, journey_id, reason, priority, status, detail, created_at, resolved_at
		FROM reconciliation_reviews`
	var (
		where []string
		args  []any
	)
	if organizationID != "" {
		where = append(where, `organization_id = ?`)
		args = append(args, organizationID)
	}
	if status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(status))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at, task_id`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ReviewTask
	for rows.Next() {
		var (
			t                    ReviewTask
			reason, priority, st string
			created              int64
			resolved             sql.NullInt64
		)
		if err := rows.Scan(&t.TaskID, &t.OrganizationID, &t.JourneyID, &reason, &priority, &st,
			&t.Detail, &created, &resolved); err != nil {
			return nil, err
		}
		t.Reason = ReviewReason(reason)
		t.Priority = Priority(priority)
		t.Status = ReviewStatus(st)
		t.CreatedAt = time.UnixMilli(created).UTC()
		if resolved.Valid {
			at := time.UnixMilli(resolved.Int64).UTC()
			t.ResolvedAt = &at
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
