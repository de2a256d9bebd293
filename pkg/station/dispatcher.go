package station

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/metrics"
)

// Params is the decoded `{action, params}` request body's params object.
// Handlers pull typed values out of it with the helpers in actions.go.
type Params map[string]interface{}

// Handler is one entry in the dispatcher's action table: preconditions
// plus a payload builder and a response parser. The whole command surface
// is this table plus uniform pre/post-processing in Dispatch.
type Handler struct {
	// RequiresConnected gates on session state.
	RequiresConnected bool
	// RequiresToken causes Dispatch to prefix the built payload with the
	// current token, resolving one first if needed.
	RequiresToken bool
	// Build constructs the service and payload from request params.
	Build func(p Params) (Service, []byte, error)
	// Parse decodes a response frame's payload into the result the client
	// sees as `data`. May be nil for fire-and-forget actions whose response
	// carries no useful payload.
	Parse func(resp *Frame) (interface{}, error)
}

// Result is the uniform success/error envelope every action produces.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// sessionProvider is the subset of Supervisor the Dispatcher depends on,
// defined as an interface so dispatcher tests can substitute a fake.
type sessionProvider interface {
	Session() *Session
	TokenManager() *TokenManager
	// Recover blocks until a replacement session is connected (or the
	// reconnect budget is exhausted) and returns it.
	Recover(ctx context.Context, scanTimeout time.Duration) (*Session, error)
}

// DefaultCommandTimeout bounds every session send the dispatcher makes; a
// caller's context deadline can only end a send earlier.
const DefaultCommandTimeout = 5 * time.Second

// Dispatcher maps action names to Handlers and enforces their
// preconditions before talking to the session.
type Dispatcher struct {
	sv sessionProvider

	mu       sync.RWMutex
	handlers map[string]Handler

	autoRetry   bool
	scanTimeout time.Duration
}

// NewDispatcher builds a dispatcher over sv with the full action catalog
// registered (actionTable in actions.go).
func NewDispatcher(sv sessionProvider) *Dispatcher {
	d := &Dispatcher{sv: sv, handlers: actionTable(), autoRetry: true, scanTimeout: 10 * time.Second}
	return d
}

// Register adds or replaces a single action - used by tests and by callers
// wanting to extend the catalog without forking actionTable.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// List returns the sorted action names so clients can discover the
// catalog.
func (d *Dispatcher) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers)+1)
	for name := range d.handlers {
		names = append(names, name)
	}
	// get_firmware_versions is dispatched specially (see Dispatch), not
	// through the handlers table, but it is still a listable action.
	names = append(names, "get_firmware_versions")
	sort.Strings(names)
	return names
}

// Dispatch validates preconditions, builds and sends the command, parses
// the response, and returns the uniform Result envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, params Params) Result {
	if action == "get_firmware_versions" {
		result := d.getFirmwareVersions(ctx)
		status := metrics.StatusSuccess
		if !result.Success {
			status = metrics.StatusFailed
		}
		metrics.ObserveCommand(action, status)
		return result
	}

	d.mu.RLock()
	handler, ok := d.handlers[action]
	d.mu.RUnlock()
	if !ok {
		metrics.ObserveCommand(action, metrics.StatusFailed)
		return Result{Success: false, Message: ErrUnknownAction.Error()}
	}

	session := d.sv.Session()
	if handler.RequiresConnected && session == nil {
		metrics.ObserveCommand(action, metrics.StatusFailed)
		return errResult(fmt.Errorf("%w", ErrNotConnected))
	}

	service, payload, err := handler.Build(params)
	if err != nil {
		metrics.ObserveCommand(action, metrics.StatusFailed)
		return errResult(err)
	}

	if handler.RequiresToken && !service.TokenExempt() {
		tok, terr := d.sv.TokenManager().Ensure(ctx)
		if terr != nil {
			metrics.ObserveCommand(action, metrics.StatusFailed)
			return errResult(terr)
		}
		payload = append([]byte{tok}, payload...)
	}

	resp, err := d.execute(ctx, session, service, payload)
	if err != nil {
		status := metrics.StatusFailed
		if err == ErrTimeout {
			status = metrics.StatusTimeout
		}
		metrics.ObserveCommand(action, status)
		return errResult(err)
	}

	var data interface{}
	if handler.Parse != nil {
		data, err = handler.Parse(resp)
		if err != nil {
			metrics.ObserveCommand(action, metrics.StatusFailed)
			return errResult(err)
		}
	}

	metrics.ObserveCommand(action, metrics.StatusSuccess)
	return Result{Success: true, Data: data}
}

// execute sends the built command, retrying exactly once after a
// reconnect if the first attempt fails with a transport error. Busy and
// timeout are not retried: the session is alive, the command just lost.
func (d *Dispatcher) execute(ctx context.Context, session *Session, service Service, payload []byte) (*Frame, error) {
	if session == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	resp, err := session.Send(ctx, service, payload, DefaultCommandTimeout)
	metrics.SessionSendDuration.WithLabelValues(fmt.Sprintf("0x%02x", byte(service))).Observe(time.Since(start).Seconds())
	if err == nil {
		return resp, nil
	}
	if err == ErrBusy || err == ErrTimeout || !d.autoRetry {
		return nil, err
	}

	logger.Global().Warn("station: send failed, reconnecting before retry", "error", err)
	retrySession, rerr := d.sv.Recover(ctx, d.scanTimeout)
	if rerr != nil {
		return nil, rerr
	}
	return retrySession.Send(ctx, service, payload, DefaultCommandTimeout)
}

func errResult(err error) Result {
	return Result{Success: false, Message: err.Error()}
}
