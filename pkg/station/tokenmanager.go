package station

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/metrics"
)

// TokenState is the token manager's current knowledge of the device's auth
// token: Unknown -> Known -> Refreshing -> Known.
type TokenState int

const (
	TokenUnknown TokenState = iota
	TokenKnown
	TokenRefreshing
)

func (s TokenState) String() string {
	switch s {
	case TokenKnown:
		return "known"
	case TokenRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// tokenSender is the subset of *Session a TokenManager needs to probe for a
// token. Defined as an interface so tests can substitute a fake session.
type tokenSender interface {
	Send(ctx context.Context, service Service, payload []byte, timeout time.Duration) (*Frame, error)
}

// probeTimeout is the per-probe deadline during enumeration. Command
// latency over BLE is in the tens of milliseconds, so a full 256-value
// sweep stays in the seconds range.
const probeTimeout = 300 * time.Millisecond

// DefaultRefreshInterval is the background refresh cadence.
const DefaultRefreshInterval = 5 * time.Minute

// TokenManager resolves and caches the current valid token for one device:
// cached -> persisted -> enumerated discovery, with a single-flight guard
// against concurrent acquisitions.
type TokenManager struct {
	session tokenSender
	store   *TokenStore
	address string

	mu    sync.Mutex
	state TokenState
	token uint8

	acquiring atomic.Bool

	refreshInterval time.Duration
	stopRefresh     chan struct{}
}

// NewTokenManager returns a manager for the device at address, backed by
// store and issuing probes over session.
func NewTokenManager(session tokenSender, store *TokenStore, address string) *TokenManager {
	return &TokenManager{
		session:         session,
		store:           store,
		address:         address,
		refreshInterval: DefaultRefreshInterval,
	}
}

// SetRefreshInterval overrides the background refresh cadence. Call before
// StartBackgroundRefresh.
func (m *TokenManager) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		m.refreshInterval = d
	}
}

// Ensure returns the current token if Known, otherwise resolves one via
// storage lookup then enumeration discovery.
func (m *TokenManager) Ensure(ctx context.Context) (uint8, error) {
	m.mu.Lock()
	if m.state == TokenKnown {
		tok := m.token
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	return m.acquire(ctx, true)
}

// Refresh forces the enumeration path, ignoring any cached token. It is a
// no-op - returning the last known token, if any - when an acquisition is
// already in flight: two acquisitions must never run concurrently.
func (m *TokenManager) Refresh(ctx context.Context) (uint8, error) {
	if m.acquiring.Load() {
		m.mu.Lock()
		tok, known := m.token, m.state == TokenKnown
		m.mu.Unlock()
		if known {
			return tok, nil
		}
		return 0, ErrTokenUnavailable
	}
	return m.acquire(ctx, false)
}

// SetManual adopts an operator-supplied token directly, bypassing
// discovery, and persists it exactly as a successful acquisition would.
func (m *TokenManager) SetManual(token uint8) error {
	m.mu.Lock()
	m.state, m.token = TokenKnown, token
	m.mu.Unlock()
	return m.store.Put(m.address, token)
}

// Invalidate clears the in-memory token only; the persisted entry survives
// until ClearStorage is called explicitly.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.state, m.token = TokenUnknown, 0
	m.mu.Unlock()
}

// ClearStorage forgets the persisted token for this device in addition to
// invalidating the in-memory copy.
func (m *TokenManager) ClearStorage() error {
	m.Invalidate()
	return m.store.Clear(m.address)
}

// acquire runs the single-flight storage-then-enumeration sequence; with
// useStorage false the stored token is skipped and enumeration runs
// directly. Callers must not hold m.mu.
func (m *TokenManager) acquire(ctx context.Context, useStorage bool) (uint8, error) {
	if !m.acquiring.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer m.acquiring.Store(false)

	m.mu.Lock()
	m.state = TokenRefreshing
	m.mu.Unlock()

	if tok, ok := m.store.Get(m.address); ok && useStorage {
		if m.probe(ctx, tok) {
			m.adopt(tok)
			metrics.TokenAcquisitions.WithLabelValues("storage", metrics.StatusSuccess).Inc()
			return tok, nil
		}
		logger.Global().Warn("station: stored token rejected, falling back to enumeration", "address", m.address)
	}

	tok, err := m.enumerate(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = TokenUnknown
		m.mu.Unlock()
		metrics.TokenAcquisitions.WithLabelValues("enumeration", metrics.StatusFailed).Inc()
		return 0, err
	}

	m.adopt(tok)
	if perr := m.store.Put(m.address, tok); perr != nil {
		logger.Global().Warn("station: persist discovered token failed", "error", perr)
	}
	metrics.TokenAcquisitions.WithLabelValues("enumeration", metrics.StatusSuccess).Inc()
	return tok, nil
}

// enumerate probes t in 0..=255, in deterministic order, returning the
// first value that elicits a successful response.
func (m *TokenManager) enumerate(ctx context.Context) (uint8, error) {
	for t := 0; t <= 0xFF; t++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if m.probe(ctx, uint8(t)) {
			return uint8(t), nil
		}
	}
	return 0, ErrTokenUnavailable
}

// probe sends GET_DEVICE_MODEL prefixed with the candidate token and
// reports whether a framed response with a non-empty payload arrived
// before probeTimeout.
func (m *TokenManager) probe(ctx context.Context, candidate uint8) bool {
	resp, err := m.session.Send(ctx, SvcGetDeviceModel, []byte{candidate}, probeTimeout)
	if err != nil {
		return false
	}
	return resp.IsResponse() && len(resp.Payload) > 0
}

func (m *TokenManager) adopt(tok uint8) {
	m.mu.Lock()
	m.state, m.token = TokenKnown, tok
	m.mu.Unlock()
}

// State returns the manager's current state and, if Known, the token.
func (m *TokenManager) State() (TokenState, uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.token
}

// StartBackgroundRefresh launches a ticker that calls Refresh every
// m.refreshInterval until StopBackgroundRefresh is called. It is safe to
// call at most once per TokenManager.
func (m *TokenManager) StartBackgroundRefresh(ctx context.Context) {
	m.stopRefresh = make(chan struct{})
	ticker := time.NewTicker(m.refreshInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.stopRefresh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Refresh(ctx); err != nil {
					logger.Global().Warn("station: background token refresh failed", "error", err)
				}
			}
		}
	}()
}

// StopBackgroundRefresh stops a refresh loop started by
// StartBackgroundRefresh. Calling it without a prior start is a no-op.
func (m *TokenManager) StopBackgroundRefresh() {
	if m.stopRefresh != nil {
		close(m.stopRefresh)
		m.stopRefresh = nil
	}
}
