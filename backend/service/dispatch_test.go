package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkrelay/relay/backend/envelope"
	"github.com/zkrelay/relay/backend/kv/memory"
	"github.com/zkrelay/relay/backend/logging"
	"github.com/zkrelay/relay/backend/relay"
	"github.com/zkrelay/relay/backend/signal"
)

func newTestService() *Service {
	store := memory.New()
	log := logging.NewDefault(slog.Level(100))
	fixedTTL := func(int) time.Duration { return time.Minute }
	return &Service{
		Relay:    relay.New(store, log, fixedTTL, 5, time.Millisecond, 10*time.Millisecond, false),
		Envelope: envelope.New(store, 180*time.Second),
		Signal:   signal.New(store, 30*time.Second, 30*time.Second),
		Log:      log,
	}
}

func TestDispatch_Send_ReturnsWaiting(t *testing.T) {
	s := newTestService()
	result := s.Dispatch(context.Background(), "send", Params{
		"pin": "Ab3Xy9Zk", "passwordHash": "h1", "chunkIndex": float64(0), "totalChunks": float64(1), "data": "C0",
	})
	require.Equal(t, 200, result.Status)
	require.Equal(t, "waiting", result.Body["status"])
}

func TestDispatch_Send_MissingFields(t *testing.T) {
	s := newTestService()
	result := s.Dispatch(context.Background(), "send", Params{"pin": "Ab3Xy9Zk"})
	require.Equal(t, 400, result.Status)
	require.Equal(t, "missing_fields", result.Body["error"])
}

func TestDispatch_UnknownAction(t *testing.T) {
	s := newTestService()
	result := s.Dispatch(context.Background(), "not-a-real-action", Params{})
	require.Equal(t, 404, result.Status)
}

func TestDispatch_MissingAction(t *testing.T) {
	s := newTestService()
	result := s.Dispatch(context.Background(), "", Params{})
	require.Equal(t, 400, result.Status)
	require.Equal(t, "missing_action", result.Body["error"])
}

func TestDispatch_SendThenReceive_FullRoundTrip(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	send := s.Dispatch(ctx, "send", Params{
		"pin": "ic", "passwordHash": "h1", "chunkIndex": float64(0), "totalChunks": float64(1), "data": "hello",
	})
	require.Equal(t, 200, send.Status)

	recv := s.Dispatch(ctx, "receive", Params{"pin": "ic", "passwordHash": "h1"})
	require.Equal(t, 200, recv.Status)
	require.Equal(t, "chunkAvailable", recv.Body["status"])

	done := s.Dispatch(ctx, "receive", Params{"pin": "ic", "passwordHash": "h1"})
	require.Equal(t, "done", done.Body["status"])
}

func TestDispatch_RegisterLookupSignalPoll(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	reg := s.Dispatch(ctx, "register", Params{"inviteCode": "Uv9Wx1Yz", "peerId": "p1"})
	require.Equal(t, 200, reg.Status)
	require.Equal(t, "registered", reg.Body["status"])

	lookup := s.Dispatch(ctx, "lookup", Params{"inviteCode": "Uv9Wx1Yz"})
	require.Equal(t, 200, lookup.Status)
	require.Equal(t, "p1", lookup.Body["peerId"])

	sig := s.Dispatch(ctx, "signal", Params{"from": "p1", "to": "p2", "type": "offer", "payload": "x"})
	require.Equal(t, 200, sig.Status)
	require.Equal(t, "queued", sig.Body["status"])

	poll := s.Dispatch(ctx, "poll", Params{"peerId": "p2"})
	require.Equal(t, 200, poll.Status)
	messages, ok := poll.Body["messages"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, messages, 1)
}

func TestCreateSessionAndResolve(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	created := s.CreateSession(ctx)
	require.Equal(t, 200, created.Status)
	pin, _ := created.Body["pin"].(string)
	require.Len(t, pin, 6)

	resolved := s.ResolveSession(ctx, pin)
	require.Equal(t, 200, resolved.Status)
}

func TestResolveSession_RejectsMalformedPin(t *testing.T) {
	s := newTestService()
	result := s.ResolveSession(context.Background(), "not-6-digits")
	require.Equal(t, 404, result.Status)
}
