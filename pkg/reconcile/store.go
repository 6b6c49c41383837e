package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists events, journeys and review tasks. Journey rows are only
// mutated through Apply.
type Store interface {
	// CreateJourney inserts j unless a journey for (organization, reference)
	// already exists.
	CreateJourney(ctx context.Context, j *Journey) (bool, error)
	// Apply records ev and mutates its journey atomically. A previously seen
	// (organization, reference, provider_event_id) returns applied=false and
	// leaves the journey untouched. seed is used when no journey exists yet.
	Apply(ctx context.Context, ev Event, seed *Journey, fn func(j *Journey) error) (bool, *Journey, error)
	GetJourney(ctx context.Context, organizationID, reference string) (*Journey, error)
	ListJourneys(ctx context.Context, states ...State) ([]*Journey, error)
	// OpenReview inserts t unless an open task exists for the same journey
	// and reason.
	OpenReview(ctx context.Context, t *ReviewTask) (bool, error)
	// ResolveReview closes the task. A task owned by another organization
	// reports ErrReviewNotFound.
	ResolveReview(ctx context.Context, organizationID, taskID string, at time.Time) error
	// ListReviews returns tasks in creation order. An empty organizationID
	// lists every organization.
	ListReviews(ctx context.Context, organizationID string, status ReviewStatus) ([]*ReviewTask, error)
}

type journeyKey struct{ org, ref string }

type eventKey struct{ org, ref, id string }

type reviewKey struct {
	journeyID string
	reason    ReviewReason
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	events   map[eventKey]Event
	journeys map[journeyKey]*Journey
	reviews  map[string]*ReviewTask
	open     map[reviewKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[eventKey]Event),
		journeys: make(map[journeyKey]*Journey),
		reviews:  make(map[string]*ReviewTask),
		open:     make(map[reviewKey]string),
	}
}

func (s *MemoryStore) CreateJourney(_ context.Context, j *Journey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := journeyKey{j.OrganizationID, j.Reference}
	if _, ok := s.journeys[k]; ok {
		return false, nil
	}
	cp := *j
	s.journeys[k] = &cp
	return true, nil
}

func (s *MemoryStore) Apply(_ context.Context, ev Event, seed *Journey, fn func(j *Journey) error) (bool, *Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := journeyKey{ev.OrganizationID, ev.Reference}
	if _, dup := s.events[eventKey{ev.OrganizationID, ev.Reference, ev.ProviderEventID}]; dup {
		if j, ok := s.journeys[k]; ok {
			cp := *j
			return false, &cp, nil
		}
		return false, nil, nil
	}

	working := seed
	if existing, ok := s.journeys[k]; ok {
		cp := *existing
		working = &cp
	}
	if err := fn(working); err != nil {
		return false, nil, err
	}
	s.events[eventKey{ev.OrganizationID, ev.Reference, ev.ProviderEventID}] = ev
	stored := *working
	s.journeys[k] = &stored
	out := stored
	return true, &out, nil
}

func (s *MemoryStore) GetJourney(_ context.Context, organizationID, reference string) (*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journeys[journeyKey{organizationID, reference}]
	if !ok {
		return nil, ErrJourneyNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListJourneys(_ context.Context, states ...State) ([]*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []*Journey
	for _, j := range s.journeys {
		if len(want) == 0 || want[j.State] {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JourneyID < out[k].JourneyID })
	return out, nil
}

func (s *MemoryStore) OpenReview(_ context.Context, t *ReviewTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reviewKey{t.JourneyID, t.Reason}
	if _, ok := s.open[k]; ok {
		return false, nil
	}
	cp := *t
	s.reviews[t.TaskID] = &cp
	s.open[k] = t.TaskID
	return true, nil
}

func (s *MemoryStore) ResolveReview(_ context.Context, organizationID, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.reviews[taskID]
	if !ok || t.OrganizationID != organizationID {
		return ErrReviewNotFound
	}
	if t.Status == ReviewResolved {
		return nil
	}
	t.Status = ReviewResolved
	t.ResolvedAt = &at
	delete(s.open, reviewKey{t.JourneyID, t.Reason})
	return nil
}

func (s *MemoryStore) ListReviews(_ context.Context, organizationID string, status ReviewStatus) ([]*ReviewTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ReviewTask
	for _, t := range s.reviews {
		if organizationID != "" && t.OrganizationID != organizationID {
			continue
		}
		if status == "" || t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}
