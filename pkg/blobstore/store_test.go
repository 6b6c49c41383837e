package blobstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	created, err := s.PutIfAbsent(ctx, "subj/m-1.json", []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.PutIfAbsent(ctx, "subj/m-1.json", []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.False(t, created)

	data, err := s.Get(ctx, "subj/m-1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data), "first write wins")
}

func TestFileStore_ConcurrentWritersSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.PutIfAbsent(ctx, "race.json", []byte("x")); err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestFileStore_RejectsTraversalAndMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.PutIfAbsent(ctx, "../escape", []byte("x"))
	assert.Error(t, err)

	_, err = s.Get(ctx, "absent.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Config{Type: TypeS3})
	assert.Error(t, err)
	_, err = New(ctx, Config{Type: "tape"})
	assert.Error(t, err)

	s, err := New(ctx, Config{Type: TypeFS, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}
