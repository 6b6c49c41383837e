package idempotency

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

type execResult struct {
	TxHash string `json:"tx_hash"`
}

func payload(amount int64) map[string]any {
	return map[string]any{"mandate_id": "pay-1", "amount_minor": amount}
}

func TestRun_SequentialDuplicatesExecuteOnce(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil)

	var calls int32
	fn := func(ctx context.Context) (int, any, error) {
		n := atomic.AddInt32(&calls, 1)
		return 200, execResult{TxHash: "0xabc"}, errorIf(n > 1)
	}

	var first *Outcome
	for i := 0; i < 5; i++ {
		out, err := c.Run(ctx, "execute", "key-1", payload(100), fn)
		require.NoError(t, err)
		if first == nil {
			first = out
			assert.False(t, out.Replayed)
			continue
		}
		assert.True(t, out.Replayed)
		assert.Equal(t, first.StatusCode, out.StatusCode)
		assert.JSONEq(t, string(first.Body), string(out.Body))
	}
	assert.Equal(t, int32(1), calls)

	var res execResult
	require.NoError(t, first.Decode(&res))
	assert.Equal(t, "0xabc", res.TxHash)
}

func errorIf(cond bool) error {
	if cond {
		return errors.New("executed twice")
	}
	return nil
}

func TestRun_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil)

	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 200, execResult{TxHash: "0xabc"}, nil
	}

	const n = 20
	var (
		wg       sync.WaitGroup
		inFlight int32
		ok       int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Run(ctx, "execute", "key-1", payload(100), fn)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInFlight):
				atomic.AddInt32(&inFlight, 1)
			}
		}()
	}
	// Let every duplicate observe the in-progress claim before completing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, int32(n), ok+inFlight)
	assert.GreaterOrEqual(t, ok, int32(1))
}

func TestRun_DifferentPayloadConflicts(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil)
	fn := func(ctx context.Context) (int, any, error) { return 200, execResult{}, nil }

	_, err := c.Run(ctx, "execute", "key-1", payload(100), fn)
	require.NoError(t, err)

	_, err = c.Run(ctx, "execute", "key-1", payload(101), fn)
	assert.ErrorIs(t, err, ErrKeyReused)
	assert.Equal(t, api.KindConflict, api.KindOf(err))

	_, err = c.Run(ctx, "refund", "key-1", payload(101), fn)
	assert.NoError(t, err, "keys are scoped per operation")
}

func TestRun_FailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := NewCoordinator(s, nil)

	boom := errors.New("settlement rejected")
	_, err := c.Run(ctx, "execute", "key-1", payload(100), func(ctx context.Context) (int, any, error) {
		return 0, nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "execute", "key-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	out, err := c.Run(ctx, "execute", "key-1", payload(100), func(ctx context.Context) (int, any, error) {
		return 201, execResult{TxHash: "0xdef"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 201, out.StatusCode)
}

func TestRun_PanicReleasesClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := NewCoordinator(s, nil)

	assert.Panics(t, func() {
		_, _ = c.Run(ctx, "execute", "key-1", payload(100), func(ctx context.Context) (int, any, error) {
			panic("driver crashed")
		})
	})
	_, err := s.Get(ctx, "execute", "key-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRun_InvalidKey(t *testing.T) {
	c := NewCoordinator(NewMemoryStore(), nil)
	_, err := c.Run(context.Background(), "execute", "", payload(1), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil)

	_, found, err := c.Lookup(ctx, "execute", "key-1", payload(100))
	require.NoError(t, err)
	assert.False(t, found)

	_, err = c.Run(ctx, "execute", "key-1", payload(100), func(ctx context.Context) (int, any, error) {
		return 200, execResult{TxHash: "0x1"}, nil
	})
	require.NoError(t, err)

	out, found, err := c.Lookup(ctx, "execute", "key-1", payload(100))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, out.Replayed)

	_, _, err = c.Lookup(ctx, "execute", "key-1", payload(5))
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(ctx, db)
	require.NoError(t, err)
	c := NewCoordinator(s, nil)

	var calls int
	fn := func(ctx context.Context) (int, any, error) {
		calls++
		return 200, execResult{TxHash: "0xsql"}, nil
	}
	for i := 0; i < 3; i++ {
		out, err := c.Run(ctx, "execute", "key-1", payload(100), fn)
		require.NoError(t, err)
		assert.JSONEq(t, `{"tx_hash":"0xsql"}`, string(out.Body))
	}
	assert.Equal(t, 1, calls)

	_, err = c.Run(ctx, "execute", "key-1", payload(7), fn)
	assert.ErrorIs(t, err, ErrKeyReused)

	n, err := s.PurgeCompleted(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLStore_PostgresInsertConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS idempotency_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLStore(context.Background(), store.Wrap(db, store.DialectPostgres))
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5)")).
		WithArgs("execute", "key-1", "sha256:ff", "in_progress", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_records WHERE operation = $1 AND idem_key = $2")).
		WithArgs("execute", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"operation", "idem_key", "fingerprint", "status", "status_code", "result", "created_at", "completed_at"}).
			AddRow("execute", "key-1", "sha256:ff", "in_progress", 0, nil, int64(1000), nil))

	inserted, existing, err := s.Insert(context.Background(), &Record{
		Operation: "execute", Key: "key-1", Fingerprint: "sha256:ff", Status: StatusInProgress, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, StatusInProgress, existing.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
