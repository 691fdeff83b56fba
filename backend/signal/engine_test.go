package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkrelay/relay/backend/apierror"
	"github.com/zkrelay/relay/backend/kv/memory"
	"github.com/zkrelay/relay/backend/models"
)

func newTestEngine() *Engine {
	return New(memory.New(), 30*time.Second, 30*time.Second)
}

// S5 — Invite-code collision.
func TestScenario_InviteCodeCollision(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	reg, err := e.Register(ctx, "Uv9Wx1Yz", "p1")
	require.NoError(t, err)
	require.Equal(t, 30, reg.TTLSec)

	_, err = e.Register(ctx, "Uv9Wx1Yz", "p2")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindInviteCodeInUse, ae.Kind)

	_, err = e.Register(ctx, "Uv9Wx1Yz", "p1")
	require.NoError(t, err, "same writer refreshing its own registration must succeed")
}

func TestLookup_ReturnsPeerNotFoundWhenAbsent(t *testing.T) {
	e := newTestEngine()
	_, err := e.Lookup(context.Background(), "Uv9Wx1Yz")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindPeerNotFound, ae.Kind)
}

func TestLookup_ReturnsRegisteredPeer(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.Register(ctx, "Uv9Wx1Yz", "p1")
	require.NoError(t, err)

	peerID, err := e.Lookup(ctx, "Uv9Wx1Yz")
	require.NoError(t, err)
	require.Equal(t, "p1", peerID)
}

// Supplement 3 — signal mailbox ICE-candidate batching: three signals
// sent back-to-back before any poll are returned by a single poll, in
// send order.
func TestScenario_SignalMailboxFIFOBatch(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Signal(ctx, "peerA", "peerB", models.SignalTypeICECandidate, "cand-0"))
	require.NoError(t, e.Signal(ctx, "peerA", "peerB", models.SignalTypeICECandidate, "cand-1"))
	require.NoError(t, e.Signal(ctx, "peerA", "peerB", models.SignalTypeICECandidate, "cand-2"))

	messages, err := e.Poll(ctx, "peerB")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "cand-0", messages[0].Payload)
	require.Equal(t, "cand-1", messages[1].Payload)
	require.Equal(t, "cand-2", messages[2].Payload)
}

// Property 8 — poll is all-or-empty: a second poll after drain returns
// nothing, never a duplicate.
func TestPoll_IsAllOrEmpty_SecondPollReturnsEmpty(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	require.NoError(t, e.Signal(ctx, "peerA", "peerB", models.SignalTypeOffer, "o"))

	first, err := e.Poll(ctx, "peerB")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.Poll(ctx, "peerB")
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestPoll_EmptyMailboxReturnsEmptyNotError(t *testing.T) {
	e := newTestEngine()
	messages, err := e.Poll(context.Background(), "never-signaled")
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestSignal_RejectsInvalidType(t *testing.T) {
	e := newTestEngine()
	err := e.Signal(context.Background(), "a", "b", "not-a-real-type", nil)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindMissingFields, ae.Kind)
}

func TestRegister_RejectsMalformedInviteCode(t *testing.T) {
	e := newTestEngine()
	_, err := e.Register(context.Background(), "short", "p1")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindInvalidInviteCode, ae.Kind)
}
