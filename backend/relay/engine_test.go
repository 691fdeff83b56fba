package relay

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkrelay/relay/backend/apierror"
	"github.com/zkrelay/relay/backend/kv/memory"
	"github.com/zkrelay/relay/backend/logging"
)

func newTestEngine() *Engine {
	fixedTTL := func(int) time.Duration { return time.Minute }
	quiet := slog.Level(100) // above Error, so the test logger stays silent
	return New(memory.New(), logging.NewDefault(quiet), fixedTTL, 5, time.Millisecond, 10*time.Millisecond, false)
}

// S1 — Two-chunk transfer (spec.md §8).
func TestScenario_TwoChunkTransfer(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, "Ab3Xy9Zk", "h1", 0, 2, "C0"))
	require.NoError(t, e.Push(ctx, "Ab3Xy9Zk", "h1", 1, 2, "C1"))

	r1, err := e.Next(ctx, "Ab3Xy9Zk", "h1")
	require.NoError(t, err)
	require.Equal(t, "chunkAvailable", r1.Status)
	require.Equal(t, 0, r1.Chunk.ChunkIndex)
	require.Equal(t, "C0", r1.Chunk.Data)

	r2, err := e.Next(ctx, "Ab3Xy9Zk", "h1")
	require.NoError(t, err)
	require.Equal(t, "chunkAvailable", r2.Status)
	require.Equal(t, 1, r2.Chunk.ChunkIndex)
	require.Equal(t, "C1", r2.Chunk.Data)

	r3, err := e.Next(ctx, "Ab3Xy9Zk", "h1")
	require.NoError(t, err)
	require.Equal(t, "done", r3.Status)
}

// S2 — Duplicate index.
func TestScenario_DuplicateIndex(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, "ic", "h1", 0, 2, "A"))
	err := e.Push(ctx, "ic", "h1", 0, 2, "B")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindDuplicateChunk, ae.Kind)
}

// S3 — totalChunks mismatch.
func TestScenario_TotalChunksMismatch(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, "ic", "h1", 0, 2, "A"))
	err := e.Push(ctx, "ic", "h1", 1, 3, "B")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindTotalChunksMismatch, ae.Kind)
}

// S4 — Ack after teardown.
func TestScenario_AckSurvivesSessionTeardown(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, "ic", "h1", 0, 1, "A"))
	_, err := e.Next(ctx, "ic", "h1")
	require.NoError(t, err)

	require.NoError(t, e.SetAck(ctx, "ic", "h1"))

	// The next receive observes "done" and, since acknowledged is now
	// true, destroys the session.
	res, err := e.Next(ctx, "ic", "h1")
	require.NoError(t, err)
	require.Equal(t, "done", res.Status)

	acked, err := e.GetAck(ctx, "ic", "h1")
	require.NoError(t, err)
	require.True(t, acked, "ack record must survive session destruction")
}

// Supplement 1 — receive on a nonexistent session returns expired, not
// an error.
func TestScenario_ReceiveOnNonexistentSessionReturnsExpired(t *testing.T) {
	e := newTestEngine()
	res, err := e.Next(context.Background(), "never-pushed", "h1")
	require.NoError(t, err)
	require.Equal(t, "expired", res.Status)
}

// Supplement 2 — ack-status before any ack exists resolves to false, not
// an error.
func TestScenario_AckStatusBeforeAckRecordExists(t *testing.T) {
	e := newTestEngine()
	acked, err := e.GetAck(context.Background(), "ic", "h1")
	require.NoError(t, err)
	require.False(t, acked)
}

// Ordering — the receiver gets the smallest pending index first, even when
// a higher index was pushed before it.
func TestProperty_AscendingDeliveryOrder(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, "ic", "h1", 2, 3, "C2"))
	require.NoError(t, e.Push(ctx, "ic", "h1", 0, 3, "C0"))

	r, err := e.Next(ctx, "ic", "h1")
	require.NoError(t, err)
	require.Equal(t, 0, r.Chunk.ChunkIndex, "ascending order: index 0 must be delivered before index 2")
}

// Property 2/3 — concurrent pushes with distinct indices all converge;
// concurrent pushes with the same index leave exactly one winner.
func TestProperty_ConcurrentDistinctIndexPushesConverge(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	const n = 5

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = e.Push(ctx, "ic", "h1", idx, n, "chunk")
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for {
		r, err := e.Next(ctx, "ic", "h1")
		require.NoError(t, err)
		if r.Status == "done" {
			break
		}
		require.Equal(t, "chunkAvailable", r.Status)
		require.False(t, seen[r.Chunk.ChunkIndex], "index delivered twice")
		seen[r.Chunk.ChunkIndex] = true
	}
	require.Len(t, seen, n)
}

func TestProperty_ConcurrentSameIndexOnlyOneWins(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	results := make(chan error, 2)
	go func() { results <- e.Push(ctx, "ic", "h1", 0, 1, "A") }()
	go func() { results <- e.Push(ctx, "ic", "h1", 0, 1, "B") }()

	successes := 0
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}

func TestValidateChunk_RejectsOutOfRange(t *testing.T) {
	err := ValidateChunk(5, 2, "x")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindInvalidChunk, ae.Kind)
}

func TestValidateChunk_RejectsOversizedPayload(t *testing.T) {
	big := make([]byte, maxChunkBytes+1)
	err := ValidateChunk(0, 1, string(big))
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindPayloadTooLarge, ae.Kind)
}
