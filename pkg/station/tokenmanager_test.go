package station

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSender accepts exactly one token value and otherwise times out,
// modeling a device that only recognizes one candidate during enumeration.
type fakeSender struct {
	accept int
	probes int
}

func (f *fakeSender) Send(_ context.Context, service Service, payload []byte, _ time.Duration) (*Frame, error) {
	f.probes++
	if len(payload) == 0 || int(payload[0]) != f.accept {
		return nil, ErrTimeout
	}
	return &Frame{Service: Service(0x80 | byte(service)), Payload: []byte("CP02")}, nil
}

func newTestStore(t *testing.T) *TokenStore {
	t.Helper()
	store, err := NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, err)
	return store
}

func TestTokenManager_EnsureDiscoversAndPersists(t *testing.T) {
	sender := &fakeSender{accept: 173}
	store := newTestStore(t)
	mgr := NewTokenManager(sender, store, "AA:BB:CC:DD:EE:FF")

	tok, err := mgr.Ensure(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 173, tok)
	require.Equal(t, 174, sender.probes) // probed 0..=173 inclusive

	stored, ok := store.Get("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	require.EqualValues(t, 173, stored)
}

func TestTokenManager_EnsureCachedDoesNotReprobe(t *testing.T) {
	sender := &fakeSender{accept: 5}
	store := newTestStore(t)
	mgr := NewTokenManager(sender, store, "addr")

	tok1, err := mgr.Ensure(context.Background())
	require.NoError(t, err)
	probesAfterFirst := sender.probes

	tok2, err := mgr.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, tok1, tok2)
	require.Equal(t, probesAfterFirst, sender.probes)
}

func TestTokenManager_InvalidateThenEnsureUsesStorage(t *testing.T) {
	sender := &fakeSender{accept: 9}
	store := newTestStore(t)
	mgr := NewTokenManager(sender, store, "addr")

	_, err := mgr.Ensure(context.Background())
	require.NoError(t, err)
	probesAfterFirst := sender.probes

	mgr.Invalidate()
	state, _ := mgr.State()
	require.Equal(t, TokenUnknown, state)

	tok, err := mgr.Ensure(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 9, tok)
	// The storage hit costs exactly one probe (the verification send),
	// not a full re-enumeration.
	require.Equal(t, probesAfterFirst+1, sender.probes)
}

func TestTokenManager_UnavailableAfterFullSweep(t *testing.T) {
	sender := &fakeSender{accept: 0x1FF} // out of byte range, never matches
	store := newTestStore(t)
	mgr := NewTokenManager(sender, store, "addr")

	_, err := mgr.Ensure(context.Background())
	require.ErrorIs(t, err, ErrTokenUnavailable)
	require.Equal(t, 256, sender.probes)
}

func TestTokenManager_SetManualPersists(t *testing.T) {
	sender := &fakeSender{accept: 1}
	store := newTestStore(t)
	mgr := NewTokenManager(sender, store, "addr")

	require.NoError(t, mgr.SetManual(42))
	state, tok := mgr.State()
	require.Equal(t, TokenKnown, state)
	require.EqualValues(t, 42, tok)

	stored, ok := store.Get("addr")
	require.True(t, ok)
	require.EqualValues(t, 42, stored)
}
