package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ err error }

func (f failingSink) Write(context.Context, *AuditEntry) error { return f.err }

func TestAuditStore_AppendChains(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore(nil)

	e1, err := s.Append(ctx, EntryTypeComplianceDecision, "agent-1", "allow", map[string]any{"amount": 100}, nil)
	require.NoError(t, err)
	e2, err := s.Append(ctx, EntryTypeExecution, "agent-1", "executed", map[string]any{"tx": "0xabc"}, map[string]string{"mode": "simulated"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, genesisHash, e1.PreviousHash)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.Equal(t, e2.EntryHash, s.ChainHead())
	assert.Equal(t, 2, s.Size())
	require.NoError(t, s.VerifyChain())

	got, err := s.Get(e2.EntryID)
	require.NoError(t, err)
	assert.Equal(t, "executed", got.Action)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestAuditStore_TamperDetected(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore(nil)
	_, err := s.Append(ctx, EntryTypeHold, "wallet-1", "create", map[string]any{"amount": 5}, nil)
	require.NoError(t, err)
	e2, err := s.Append(ctx, EntryTypeHold, "wallet-1", "capture", map[string]any{"amount": 5}, nil)
	require.NoError(t, err)

	e2.Payload = []byte(`{"amount":500}`)
	assert.ErrorIs(t, s.VerifyChain(), ErrChainBroken)
}

func TestAuditStore_SinkFailureLeavesChainUnchanged(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore(failingSink{err: errors.New("disk full")})

	_, err := s.Append(ctx, EntryTypeComplianceDecision, "agent-1", "deny", map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, genesisHash, s.ChainHead())
}

func TestAuditStore_Query(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s := NewAuditStore(nil).WithClock(func() time.Time { return now })

	_, _ = s.Append(ctx, EntryTypeComplianceDecision, "a", "allow", 1, nil)
	now = base.Add(time.Hour)
	_, _ = s.Append(ctx, EntryTypeComplianceDecision, "b", "deny", 2, nil)
	_, _ = s.Append(ctx, EntryTypeApproval, "a", "requested", 3, nil)

	assert.Len(t, s.Query(QueryFilter{Subject: "a"}), 2)
	assert.Len(t, s.Query(QueryFilter{EntryType: EntryTypeComplianceDecision, Action: "deny"}), 1)
	since := base.Add(30 * time.Minute)
	assert.Len(t, s.Query(QueryFilter{StartTime: &since}), 2)
	assert.Len(t, s.Query(QueryFilter{MaxResults: 1}), 1)
}

func TestAuditStore_Handler(t *testing.T) {
	s := NewAuditStore(nil)
	var seen []string
	s.AddHandler(func(e *AuditEntry) { seen = append(seen, e.Action) })
	_, err := s.Append(context.Background(), EntryTypeReconciliation, "j-1", "review_opened", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"review_opened"}, seen)
}

func TestSQLAuditSink_PersistAndResume(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	sink, err := NewSQLAuditSink(ctx, db)
	require.NoError(t, err)

	s := NewAuditStore(sink)
	_, err = s.Append(ctx, EntryTypeExecution, "agent-1", "executed", map[string]any{"n": 1}, map[string]string{"k": "v"})
	require.NoError(t, err)
	last, err := s.Append(ctx, EntryTypeExecution, "agent-1", "executed", map[string]any{"n": 2}, nil)
	require.NoError(t, err)

	seq, head, err := sink.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, last.EntryHash, head)

	loaded, err := sink.Load(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "v", loaded[0].Metadata["k"])
	require.NoError(t, VerifyEntries(loaded))

	resumed := NewAuditStore(sink)
	resumed.Resume(seq, head)
	next, err := resumed.Append(ctx, EntryTypeExecution, "agent-1", "executed", map[string]any{"n": 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Sequence)
	assert.Equal(t, head, next.PreviousHash)
}
