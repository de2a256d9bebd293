package station

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSessionProvider is a minimal sessionProvider for dispatcher tests: it
// hands back a fixed Session, and Recover swaps in recoverSession (or the
// original, when unset) instead of actually reconnecting.
type fakeSessionProvider struct {
	session        *Session
	tokenMgr       *TokenManager
	recoverSession *Session
	recovers       int
}

func (f *fakeSessionProvider) Session() *Session { return f.session }

func (f *fakeSessionProvider) TokenManager() *TokenManager { return f.tokenMgr }

func (f *fakeSessionProvider) Recover(_ context.Context, _ time.Duration) (*Session, error) {
	f.recovers++
	if f.recoverSession != nil {
		f.session = f.recoverSession
		return f.recoverSession, nil
	}
	return f.session, nil
}

// autoResponder starts a goroutine that answers every frame link.Write
// receives with a canned response payload, echoing back the same service
// with the response bit set (fakeLink/newFakeLink are defined in
// session_test.go).
func autoResponder(t *testing.T, link *fakeLink, payload []byte) {
	t.Helper()
	go func() {
		seen := 0
		for {
			link.mu.Lock()
			n := len(link.written)
			link.mu.Unlock()
			if n <= seen {
				time.Sleep(time.Millisecond)
				continue
			}
			written := link.written[n-1]
			seen = n
			f, err := Decode(written)
			if err != nil {
				continue
			}
			resp := Encode(f.Version, f.MsgID, Service(0x80|byte(f.Service)), 0, FlagACK, payload)
			link.notify <- resp
		}
	}()
}

func newDispatcherFixture(t *testing.T, tokenAccept uint8, respond []byte) (*Dispatcher, *fakeSessionProvider) {
	t.Helper()
	link := newFakeLink()
	session := NewSession(link, 1)
	t.Cleanup(session.Close)

	autoResponder(t, link, respond)

	store := newTestStore(t)
	tokenMgr := NewTokenManager(session, store, "fixture-addr")
	// Pre-seed the token so dispatch tests don't pay for a 256-probe
	// enumeration sweep; SetManual exercises the same adoption path.
	require.NoError(t, tokenMgr.SetManual(tokenAccept))

	sp := &fakeSessionProvider{session: session, tokenMgr: tokenMgr}
	return NewDispatcher(sp), sp
}

func TestDispatcher_UnknownAction(t *testing.T) {
	d, _ := newDispatcherFixture(t, 1, []byte("CP02"))
	result := d.Dispatch(context.Background(), "not_a_real_action", nil)
	require.False(t, result.Success)
	require.Equal(t, ErrUnknownAction.Error(), result.Message)
}

func TestDispatcher_NotConnected(t *testing.T) {
	sp := &fakeSessionProvider{}
	d := NewDispatcher(sp)
	result := d.Dispatch(context.Background(), "get_model", nil)
	require.False(t, result.Success)
}

func TestDispatcher_GetModelSuccess(t *testing.T) {
	d, _ := newDispatcherFixture(t, 1, []byte("CP02-STATION\x00"))
	result := d.Dispatch(context.Background(), "get_model", nil)
	require.True(t, result.Success)
	require.Equal(t, "CP02-STATION", result.Data)
}

func TestDispatcher_MissingRequiredParam(t *testing.T) {
	d, _ := newDispatcherFixture(t, 1, []byte("CP02"))
	result := d.Dispatch(context.Background(), "turn_on_port", Params{})
	require.False(t, result.Success)
	require.Contains(t, result.Message, "port_id")
}

func TestDispatcher_TurnOnPortPrefixesToken(t *testing.T) {
	link := newFakeLink()
	session := NewSession(link, 1)
	t.Cleanup(session.Close)
	autoResponder(t, link, nil)

	store := newTestStore(t)
	tokenMgr := NewTokenManager(session, store, "fixture-addr")
	require.NoError(t, tokenMgr.SetManual(200))

	sp := &fakeSessionProvider{session: session, tokenMgr: tokenMgr}
	d := NewDispatcher(sp)

	result := d.Dispatch(context.Background(), "turn_on_port", Params{"port_id": float64(2)})
	require.True(t, result.Success)

	written := link.lastWritten()
	f, err := Decode(written)
	require.NoError(t, err)
	require.Equal(t, SvcTurnOn, f.Service)
	require.Equal(t, []byte{200, 2}, f.Payload)
}

func TestDispatcher_PowerConfigOpByte(t *testing.T) {
	link := newFakeLink()
	session := NewSession(link, 1)
	t.Cleanup(session.Close)
	autoResponder(t, link, EncodePowerConfig(PowerConfig{Version: 1, MaxPowerW: 240}))

	store := newTestStore(t)
	tokenMgr := NewTokenManager(session, store, "fixture-addr")
	require.NoError(t, tokenMgr.SetManual(7))

	sp := &fakeSessionProvider{session: session, tokenMgr: tokenMgr}
	d := NewDispatcher(sp)

	result := d.Dispatch(context.Background(), "get_power_config", nil)
	require.True(t, result.Success)

	f, err := Decode(link.lastWritten())
	require.NoError(t, err)
	require.Equal(t, SvcManagePowerConfig, f.Service)
	require.Equal(t, []byte{7, 0x00}, f.Payload)

	cfg, ok := result.Data.(PowerConfig)
	require.True(t, ok)
	require.EqualValues(t, 240, cfg.MaxPowerW)
}

func TestDispatcher_GetFirmwareVersions(t *testing.T) {
	d, _ := newDispatcherFixture(t, 1, []byte("1.2.3\x00"))
	result := d.Dispatch(context.Background(), "get_firmware_versions", nil)
	require.True(t, result.Success)
	versions, ok := result.Data.(FirmwareVersions)
	require.True(t, ok)
	require.Equal(t, "1.2.3", versions.AP)
	require.Equal(t, "1.2.3", versions.MCU)
}

func TestDispatcher_List(t *testing.T) {
	d, _ := newDispatcherFixture(t, 1, []byte("CP02"))
	names := d.List()
	require.Contains(t, names, "get_model")
	require.Contains(t, names, "get_firmware_versions")
	require.Contains(t, names, "set_port_config")
}

func TestDispatcher_RegisterOverridesAction(t *testing.T) {
	d, _ := newDispatcherFixture(t, 1, []byte("CP02"))
	d.Register("get_model", Handler{
		Build: func(Params) (Service, []byte, error) { return SvcGetDeviceModel, nil, nil },
		Parse: func(*Frame) (interface{}, error) { return "overridden", nil },
	})
	result := d.Dispatch(context.Background(), "get_model", nil)
	require.True(t, result.Success)
	require.Equal(t, "overridden", result.Data)
}

func TestDispatcher_BusyDoesNotTriggerReconnect(t *testing.T) {
	link := newFakeLink() // no autoResponder: the first send never completes
	session := NewSession(link, 1)
	t.Cleanup(session.Close)

	store := newTestStore(t)
	tokenMgr := NewTokenManager(session, store, "addr")
	require.NoError(t, tokenMgr.SetManual(9))

	sp := &fakeSessionProvider{session: session, tokenMgr: tokenMgr}
	d := NewDispatcher(sp)
	d.scanTimeout = 10 * time.Millisecond

	go func() {
		d.Dispatch(context.Background(), "get_model", nil)
	}()
	time.Sleep(20 * time.Millisecond) // let the first send claim the slot

	result := d.Dispatch(context.Background(), "get_model", nil)
	require.False(t, result.Success)
	require.Equal(t, ErrBusy.Error(), result.Message)
	require.Equal(t, 0, sp.recovers)
}

func TestDispatcher_RetryRunsOnRecoveredSession(t *testing.T) {
	// The first session's link rejects every write; the recovered one
	// answers normally. The retry must go through the latter.
	deadLink := newFakeLink()
	deadLink.writeErr = ErrNotConnected
	deadSession := NewSession(deadLink, 1)
	t.Cleanup(deadSession.Close)

	goodLink := newFakeLink()
	goodSession := NewSession(goodLink, 1)
	t.Cleanup(goodSession.Close)
	autoResponder(t, goodLink, []byte("CP02\x00"))

	store := newTestStore(t)
	tokenMgr := NewTokenManager(goodSession, store, "fixture-addr")
	require.NoError(t, tokenMgr.SetManual(3))

	sp := &fakeSessionProvider{session: deadSession, tokenMgr: tokenMgr, recoverSession: goodSession}
	d := NewDispatcher(sp)

	result := d.Dispatch(context.Background(), "get_model", nil)
	require.True(t, result.Success)
	require.Equal(t, "CP02", result.Data)
	require.Equal(t, 1, sp.recovers)
	require.Empty(t, deadLink.written, "no frame may reach the dead link's recorder")
}
