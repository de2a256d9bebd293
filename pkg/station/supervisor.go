package station

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/metrics"
	"github.com/ionbridge/cp02-bridge/pkg/transport"
)

// ErrPermanentlyDisconnected is returned once the supervisor has exhausted
// its bounded reconnect attempts; the caller must call Resume explicitly
// before further Connect/Reconnect calls are accepted.
var ErrPermanentlyDisconnected = errors.New("station: permanently disconnected, call Resume")

// Supervisor owns the BLE Link lifecycle: scan, connect, subscribe, track
// liveness, and reconnect with bounded retries and exponential backoff.
type Supervisor struct {
	link    *Link
	version uint8
	policy  *transport.ReconnectPolicy

	mu        sync.Mutex
	state     transport.ConnectionState
	address   string
	session   *Session
	tokenMgr  *TokenManager
	attempt   int
	permanent bool

	store *TokenStore
}

// NewSupervisor wires a Link, a token store, and a reconnect policy into a
// connection supervisor. policy may be nil, in which case
// transport.DefaultReconnectPolicy() is used.
func NewSupervisor(link *Link, version uint8, store *TokenStore, policy *transport.ReconnectPolicy) *Supervisor {
	if policy == nil {
		policy = transport.DefaultReconnectPolicy()
	}
	return &Supervisor{link: link, version: version, store: store, policy: policy, state: transport.StateDisconnected}
}

// Scan runs a standalone device scan without connecting.
func (sv *Supervisor) Scan(ctx context.Context, timeout time.Duration) ([]DeviceInfo, error) {
	return sv.link.ScanDevices(ctx, timeout)
}

// Connect scans for and connects to address (or any CP02-* device if
// address is empty), then stands up a Session and TokenManager bound to
// the connected device.
func (sv *Supervisor) Connect(ctx context.Context, address string, scanTimeout time.Duration) (*Session, error) {
	sv.mu.Lock()
	if sv.permanent {
		sv.mu.Unlock()
		return nil, ErrPermanentlyDisconnected
	}
	sv.state = transport.StateConnecting
	sv.mu.Unlock()

	if err := sv.link.Connect(ctx, address, scanTimeout); err != nil {
		sv.mu.Lock()
		sv.state = transport.StateError
		sv.mu.Unlock()
		return nil, err
	}

	session := NewSession(sv.link, sv.version)
	connectedAddr := sv.link.Address()
	tokenMgr := NewTokenManager(session, sv.store, connectedAddr)

	sv.mu.Lock()
	sv.session = session
	sv.tokenMgr = tokenMgr
	sv.address = connectedAddr
	sv.attempt = 0
	sv.state = transport.StateConnected
	sv.mu.Unlock()

	logger.Global().Info("station: connected", "address", connectedAddr)
	return session, nil
}

// Disconnect tears down the current session and link deliberately - this
// does not trigger a reconnect.
func (sv *Supervisor) Disconnect() error {
	sv.mu.Lock()
	session := sv.session
	sv.session = nil
	sv.state = transport.StateDisconnected
	sv.mu.Unlock()

	if session != nil {
		session.Close()
	}
	return sv.link.Disconnect()
}

// Session returns the current session, or nil if not connected.
func (sv *Supervisor) Session() *Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.session
}

// TokenManager returns the token manager for the current session, or nil
// if not connected.
func (sv *Supervisor) TokenManager() *TokenManager {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.tokenMgr
}

// State returns the supervisor's current connection state.
func (sv *Supervisor) State() transport.ConnectionState {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

// Recover handles an unsolicited disconnect reported by a caller whose
// send just failed: it tears down the dead session, runs the bounded
// reconnect loop synchronously, and returns the fresh session. Callers
// that want the old fire-and-forget behavior use NotifyDisconnected.
func (sv *Supervisor) Recover(ctx context.Context, scanTimeout time.Duration) (*Session, error) {
	sv.mu.Lock()
	if sv.permanent {
		sv.mu.Unlock()
		return nil, ErrPermanentlyDisconnected
	}
	// Only one recovery runs at a time; a concurrent caller sees the
	// session as gone until it completes.
	if !sv.policy.Enabled || sv.state == transport.StateReconnecting {
		sv.mu.Unlock()
		return nil, ErrNotConnected
	}
	dead := sv.session
	sv.session = nil
	sv.state = transport.StateReconnecting
	addr := sv.address
	sv.mu.Unlock()

	if dead != nil {
		dead.Close()
	}
	logger.Global().Warn("station: connection lost, reconnecting", "address", addr)

	if err := sv.Reconnect(ctx, scanTimeout); err != nil {
		return nil, err
	}

	session := sv.Session()
	if session == nil {
		return nil, ErrNotConnected
	}
	return session, nil
}

// NotifyDisconnected records an unsolicited disconnect - detected via a
// transport event rather than a failed send - and recovers in the
// background.
func (sv *Supervisor) NotifyDisconnected(ctx context.Context, scanTimeout time.Duration) {
	sv.mu.Lock()
	if sv.state == transport.StateDisconnected || sv.state == transport.StateReconnecting || sv.permanent {
		sv.mu.Unlock()
		return
	}
	sv.mu.Unlock()

	go func() {
		if _, err := sv.Recover(ctx, scanTimeout); err != nil {
			logger.Global().Error("station: background recovery failed", "error", err)
		}
	}()
}

// Reconnect runs the bounded, exponentially-backed-off reconnect loop:
// each attempt re-scans/re-connects, and on success restores the
// notification subscription (handled by Link.Connect) and revalidates the
// token. Exhausting MaxAttempts (when non-zero) moves the supervisor to
// permanently disconnected.
func (sv *Supervisor) Reconnect(ctx context.Context, scanTimeout time.Duration) error {
	delay := sv.policy.InitialDelay

	for {
		sv.mu.Lock()
		attempt := sv.attempt
		addr := sv.address
		sv.mu.Unlock()

		if sv.policy.MaxAttempts > 0 && attempt >= sv.policy.MaxAttempts {
			sv.mu.Lock()
			sv.permanent = true
			sv.state = transport.StateError
			sv.mu.Unlock()
			metrics.ReconnectAttempts.WithLabelValues(metrics.StatusFailed).Inc()
			logger.Global().Error("station: reconnect attempts exhausted, permanently disconnected", "address", addr)
			return ErrPermanentlyDisconnected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		sv.mu.Lock()
		sv.attempt++
		sv.mu.Unlock()

		session, err := sv.Connect(ctx, addr, scanTimeout)
		if err == nil {
			metrics.ReconnectAttempts.WithLabelValues(metrics.StatusSuccess).Inc()
			if _, terr := sv.tokenManagerOf(session).Refresh(ctx); terr != nil {
				logger.Global().Warn("station: token revalidation after reconnect failed", "error", terr)
			}
			return nil
		}

		metrics.ReconnectAttempts.WithLabelValues(metrics.StatusFailed).Inc()
		logger.Global().Warn("station: reconnect attempt failed", "error", err, "delay", delay)

		delay = time.Duration(float64(delay) * sv.policy.Multiplier)
		if delay > sv.policy.MaxDelay {
			delay = sv.policy.MaxDelay
		}
	}
}

func (sv *Supervisor) tokenManagerOf(_ *Session) *TokenManager {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.tokenMgr
}

// Resume clears the permanently-disconnected flag, allowing Connect and
// Reconnect to be attempted again.
func (sv *Supervisor) Resume() {
	sv.mu.Lock()
	sv.permanent = false
	sv.attempt = 0
	sv.mu.Unlock()
}
