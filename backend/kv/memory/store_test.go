package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkrelay/relay/backend/kv"
)

func TestGet_AbsentReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestPutThenGet_RoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := kv.Record{Value: []byte(`{"a":1}`), Version: 1, ExpiresAt: time.Now().Add(time.Hour).UnixNano()}

	require.NoError(t, s.Put(ctx, "k", rec))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, rec.Value, got.Value)
	require.Equal(t, rec.Version, got.Version)
}

func TestGet_ExpiredRecordTreatedAsAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := kv.Record{Value: []byte(`{}`), Version: 1, ExpiresAt: time.Now().Add(-time.Second).UnixNano()}
	require.NoError(t, s.Put(ctx, "k", rec))

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestPutIfVersion_SucceedsOnMatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", kv.Record{Value: []byte(`{}`), Version: 1}))

	err := s.PutIfVersion(ctx, "k", kv.Record{Value: []byte(`{"v":2}`), Version: 2}, 1)
	require.NoError(t, err)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
}

func TestPutIfVersion_ConflictsOnMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", kv.Record{Value: []byte(`{}`), Version: 1}))

	err := s.PutIfVersion(ctx, "k", kv.Record{Value: []byte(`{}`), Version: 2}, 5)
	require.ErrorIs(t, err, kv.ErrConflict)
}

func TestPutIfVersion_CreatesWhenAbsentAndExpectedZero(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.PutIfVersion(ctx, "new-key", kv.Record{Value: []byte(`{}`), Version: 1}, 0)
	require.NoError(t, err)

	_, err = s.Get(ctx, "new-key")
	require.NoError(t, err)
}

func TestList_FiltersByPrefixAndExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	future := time.Now().Add(time.Hour).UnixNano()
	past := time.Now().Add(-time.Hour).UnixNano()

	require.NoError(t, s.Put(ctx, "sess/a", kv.Record{Value: []byte(`{}`), ExpiresAt: future}))
	require.NoError(t, s.Put(ctx, "sess/b", kv.Record{Value: []byte(`{}`), ExpiresAt: past}))
	require.NoError(t, s.Put(ctx, "pin/a", kv.Record{Value: []byte(`{}`), ExpiresAt: future}))

	keys, err := s.List(ctx, "sess/")
	require.NoError(t, err)
	require.Equal(t, []string{"sess/a"}, keys)
}

func TestDel_RemovesKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", kv.Record{Value: []byte(`{}`)}))
	require.NoError(t, s.Del(ctx, "k"))

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestPutIfVersion_ConcurrentWriters_OnlyOneWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", kv.Record{Value: []byte(`{}`), Version: 0}))

	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			results <- s.PutIfVersion(ctx, "k", kv.Record{Value: []byte(`{}`), Version: 1}, 0)
		}()
	}

	successes := 0
	for i := 0; i < 10; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes, "exactly one concurrent CAS write against the same expected version should succeed")
}
