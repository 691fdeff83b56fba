package envelope

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkrelay/relay/backend/apierror"
	"github.com/zkrelay/relay/backend/kv/memory"
	"github.com/zkrelay/relay/backend/models"
)

func newTestEngine() *Engine {
	return New(memory.New(), 180*time.Second)
}

func validEnvelope(sessionID string) models.Envelope {
	nonce := make([]byte, nonceBytes)
	ct := make([]byte, minCiphertextBytes)
	return models.Envelope{
		V:         1,
		SessionID: sessionID,
		NonceB64:  base64.StdEncoding.EncodeToString(nonce),
		CtB64:     base64.StdEncoding.EncodeToString(ct),
	}
}

// S6 — Envelope one-shot.
func TestScenario_EnvelopeOneShot(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	created, err := e.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, created.SessionID)
	require.Len(t, created.PIN, 6)

	offer := validEnvelope(created.SessionID)
	require.NoError(t, e.PostOffer(ctx, created.SessionID, offer))

	answer := validEnvelope(created.SessionID)
	require.NoError(t, e.PostAnswer(ctx, created.SessionID, answer))

	got, err := e.GetAnswer(ctx, created.SessionID)
	require.NoError(t, err)
	require.Equal(t, answer.CtB64, got.CtB64)

	_, err = e.GetAnswer(ctx, created.SessionID)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindSessionExpired, ae.Kind)
}

func TestPostOffer_Twice_ConflictsWithOfferAlreadySet(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	created, err := e.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, e.PostOffer(ctx, created.SessionID, validEnvelope(created.SessionID)))

	err = e.PostOffer(ctx, created.SessionID, validEnvelope(created.SessionID))
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindOfferAlreadySet, ae.Kind)
}

func TestPostAnswer_WithoutOffer_ConflictsWithOfferNotSet(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	created, err := e.Create(ctx)
	require.NoError(t, err)

	err = e.PostAnswer(ctx, created.SessionID, validEnvelope(created.SessionID))
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindOfferNotSetConflict, ae.Kind)
}

func TestResolveByPIN_ConsumesIndexOnFirstRead(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	created, err := e.Create(ctx)
	require.NoError(t, err)

	resolved, err := e.ResolveByPIN(ctx, created.PIN)
	require.NoError(t, err)
	require.Equal(t, created.SessionID, resolved.SessionID)

	_, err = e.ResolveByPIN(ctx, created.PIN)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindPinNotFound, ae.Kind)
}

func TestDelete_IsIdempotent(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	created, err := e.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, created.SessionID))
	require.NoError(t, e.Delete(ctx, created.SessionID))

	_, err = e.GetOffer(ctx, created.SessionID)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindSessionNotFound, ae.Kind)
}

func TestValidateEnvelope_RejectsWrongSessionID(t *testing.T) {
	env := validEnvelope("session-a")
	err := ValidateEnvelope(env, "session-b")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindInvalidEnvelope, ae.Kind)
}

func TestValidateEnvelope_RejectsBadNonceLength(t *testing.T) {
	env := validEnvelope("session-a")
	env.NonceB64 = base64.StdEncoding.EncodeToString([]byte("short"))
	err := ValidateEnvelope(env, "session-a")
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindInvalidEnvelope, ae.Kind)
}
