package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

// Config holds the guard thresholds.
type Config struct {
	DriftToleranceMinor int64
	StaleAfter          time.Duration
}

func DefaultConfig() Config {
	return Config{StaleAfter: 2 * time.Hour}
}

// IngestResult describes what an event did to its journey.
type IngestResult struct {
	Journey   *Journey `json:"journey,omitempty"`
	Duplicate bool     `json:"duplicate"`
	Advanced  bool     `json:"advanced"`
	// Ignored is set for out-of-order events that would move the journey
	// backwards. They are recorded but do not change state.
	Ignored bool `json:"ignored"`
}

type Option func(*Reconciler)

// WithNormalizers replaces the rail normalizers.
func WithNormalizers(ns ...Normalizer) Option {
	return func(r *Reconciler) {
		r.normalizers = make(map[Rail]Normalizer, len(ns))
		for _, n := range ns {
			r.normalizers[n.Rail()] = n
		}
	}
}

// WithAudit appends journey transitions and review tasks to the audit log.
func WithAudit(a *store.AuditStore) Option { return func(r *Reconciler) { r.audit = a } }

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// Reconciler owns canonical journeys.
type Reconciler struct {
	store       Store
	cfg         Config
	normalizers map[Rail]Normalizer
	audit       *store.AuditStore
	now         func() time.Time
	logger      *slog.Logger
}

func NewReconciler(st Store, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  st,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "reconcile"),
	}
	WithNormalizers(DefaultNormalizers()...)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenJourney registers the expected amount for a dispatched payment. It is
// a no-op when the journey already exists.
func (r *Reconciler) OpenJourney(ctx context.Context, organizationID string, rail Rail, reference string, expectedMinor int64, currency string) (*Journey, error) {
	if _, ok := r.normalizers[rail]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRail, rail)
	}
	now := r.now().UTC()
	j := &Journey{
		OrganizationID:      organizationID,
		JourneyID:           JourneyID(organizationID, reference),
		Rail:                rail,
		Reference:           reference,
		State:               StateCreated,
		ExpectedAmountMinor: expectedMinor,
		Currency:            currency,
		CreatedAt:           now,
		LastEventAt:         now,
	}
	if _, err := r.store.CreateJourney(ctx, j); err != nil {
		return nil, err
	}
	return r.store.GetJourney(ctx, organizationID, reference)
}

// Journey returns the canonical journey for (organization, reference).
func (r *Reconciler) Journey(ctx context.Context, organizationID, reference string) (*Journey, error) {
	return r.store.GetJourney(ctx, organizationID, reference)
}

// IngestRaw normalizes and ingests a provider event.
func (r *Reconciler) IngestRaw(ctx context.Context, raw RawEvent) (*IngestResult, error) {
	n, ok := r.normalizers[raw.Rail]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRail, raw.Rail)
	}
	ev, err := n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return r.Ingest(ctx, ev)
}

// Ingest applies a normalized event. It is idempotent per
// (organization, reference, provider_event_id).
func (r *Reconciler) Ingest(ctx context.Context, ev Event) (*IngestResult, error) {
	if ev.ProviderEventID == "" || ev.Reference == "" || ev.OrganizationID == "" {
		return nil, fmt.Errorf("%w: missing identifiers", ErrInvalidEvent)
	}
	if _, ok := stateRank[ev.State]; !ok {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidEvent, ev.State)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	seed := &Journey{
		OrganizationID: ev.OrganizationID,
		JourneyID:      JourneyID(ev.OrganizationID, ev.Reference),
		Rail:           ev.Rail,
		Reference:      ev.Reference,
		State:          StateCreated,
		Currency:       ev.Currency,
		CreatedAt:      ev.OccurredAt,
	}

	res := &IngestResult{}
	var from State
	applied, j, err := r.store.Apply(ctx, ev, seed, func(j *Journey) error {
		if j.Rail != ev.Rail {
			return fmt.Errorf("%w: event rail %s does not match journey rail %s", ErrInvalidEvent, ev.Rail, j.Rail)
		}
		from = j.State
		res.Advanced, res.Ignored = advance(j, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Journey = j
	if !applied {
		res.Duplicate = true
		r.logger.DebugContext(ctx, "duplicate settlement event", "reference", ev.Reference, "provider_event_id", ev.ProviderEventID)
		return res, nil
	}

	log := r.logger.With("journey_id", j.JourneyID, "reference", ev.Reference, "provider_event_id", ev.ProviderEventID)
	switch {
	case res.Ignored:
		log.WarnContext(ctx, "out-of-order settlement event ignored", "current", from, "event_state", ev.State, "reversal", ev.Reversal)
	case res.Advanced:
		log.InfoContext(ctx, "journey advanced", "from", from, "to", j.State)
		r.record(ctx, store.EntryTypeReconciliation, j.JourneyID, "state."+string(j.State), map[string]any{
			"from":              from,
			"to":                j.State,
			"provider_event_id": ev.ProviderEventID,
			"amount_minor":      ev.AmountMinor,
		})
	}
	return res, nil
}

// advance moves j forward per the state table. Returned is only reachable
// from settled through a reversal event.
func advance(j *Journey, ev Event) (advanced, ignored bool) {
	cur := j.State
	switch {
	case cur == StateReturned:
		return false, ev.State != StateReturned
	case ev.State == StateReturned:
		if !ev.Reversal || cur != StateSettled {
			return false, true
		}
	case stateRank[ev.State] < stateRank[cur]:
		return false, true
	}

	if j.Currency == "" {
		j.Currency = ev.Currency
	}
	if ev.State == StateSettled {
		j.SettledAmountMinor = ev.AmountMinor
	}
	if j.ExpectedAmountMinor == 0 && ev.AmountMinor > 0 && ev.State != StateReturned {
		j.ExpectedAmountMinor = ev.AmountMinor
	}
	if ev.OccurredAt.After(j.LastEventAt) {
		j.LastEventAt = ev.OccurredAt
	}
	if ev.State != cur {
		j.State = ev.State
		return true, false
	}
	return false, false
}

// RunDriftGuard opens a high-priority review for each settled journey whose
// settled amount differs from the expected amount by more than the
// tolerance. It returns the number of new tasks.
func (r *Reconciler) RunDriftGuard(ctx context.Context) (int, error) {
	journeys, err := r.store.ListJourneys(ctx, StateSettled)
	if err != nil {
		return 0, err
	}
	opened := 0
	for _, j := range journeys {
		diff := j.ExpectedAmountMinor - j.SettledAmountMinor
		if diff < 0 {
			diff = -diff
		}
		if diff <= r.cfg.DriftToleranceMinor {
			continue
		}
		ok, err := r.openReview(ctx, j, ReviewDriftMismatch, PriorityHigh,
			fmt.Sprintf("expected %d settled %d", j.ExpectedAmountMinor, j.SettledAmountMinor))
		if err != nil {
			return opened, err
		}
		if ok {
			opened++
		}
	}
	return opened, nil
}

// RunStaleGuard opens a medium-priority review for each journey that has
// been pending longer than StaleAfter.
func (r *Reconciler) RunStaleGuard(ctx context.Context) (int, error) {
	if r.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	journeys, err := r.store.ListJourneys(ctx, StateCreated, StateProcessing, StateAuthorized)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	opened := 0
	for _, j := range journeys {
		last := j.LastEventAt
		if last.IsZero() {
			last = j.CreatedAt
		}
		if !last.Before(cutoff) {
			continue
		}
		ok, err := r.openReview(ctx, j, ReviewStaleProcessing, PriorityMedium,
			fmt.Sprintf("%s since %s", j.State, last.Format(time.RFC3339)))
		if err != nil {
			return opened, err
		}
		if ok {
			opened++
		}
	}
	return opened, nil
}

func (r *Reconciler) openReview(ctx context.Context, j *Journey, reason ReviewReason, prio Priority, detail string) (bool, error) {
	t := &ReviewTask{
		TaskID:         uuid.New().String(),
		OrganizationID: j.OrganizationID,
		JourneyID:      j.JourneyID,
		Reason:         reason,
		Priority:       prio,
		Status:         ReviewOpen,
		Detail:         detail,
		CreatedAt:      r.now().UTC(),
	}
	created, err := r.store.OpenReview(ctx, t)
	if err != nil || !created {
		return false, err
	}
	r.logger.WarnContext(ctx, "reconciliation review opened",
		"journey_id", j.JourneyID, "reason", reason, "priority", prio, "detail", detail)
	r.record(ctx, store.EntryTypeReconciliation, j.JourneyID, "review."+string(reason), t)
	return true, nil
}

// Resolve closes a review task owned by organizationID.
func (r *Reconciler) Resolve(ctx context.Context, organizationID, taskID string) error {
	return r.store.ResolveReview(ctx, organizationID, taskID, r.now().UTC())
}

// Reviews lists organizationID's review tasks, optionally filtered by status.
func (r *Reconciler) Reviews(ctx context.Context, organizationID string, status ReviewStatus) ([]*ReviewTask, error) {
	return r.store.ListReviews(ctx, organizationID, status)
}

func (r *Reconciler) record(ctx context.Context, typ store.EntryType, subject, action string, payload any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, typ, subject, action, payload, nil); err != nil {
		r.logger.ErrorContext(ctx, "reconciliation audit write failed", "subject", subject, "action", action, "error", err)
	}
}
