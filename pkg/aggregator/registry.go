// Package aggregator holds the multi-gateway registry, the MQTT bus adapter
// that feeds it, and (in the history subpackage) the time-series store the
// two of them write into.
package aggregator

import (
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/metrics"
)

// DefaultGatewayTimeout is how long a gateway may go without a heartbeat
// before the registry considers it offline.
const DefaultGatewayTimeout = 30 * time.Second

// DefaultTimeoutScanInterval is how often the background scanner checks
// every gateway's last heartbeat.
const DefaultTimeoutScanInterval = 10 * time.Second

// EventKind names the event types the registry emits. Subscribers map
// these straight onto the push channel's `{type, gateway_id, data,
// timestamp}` envelope.
type EventKind string

const (
	EventPorts      EventKind = "ports"
	EventDeviceInfo EventKind = "device_info"
	EventHeartbeat  EventKind = "heartbeat"
	EventStatus     EventKind = "status"
	EventTimeout    EventKind = "timeout"
)

// Event is one registry state change, handed to every registered EventHandler.
type Event struct {
	Kind      EventKind
	GatewayID string
	Data      interface{}
	Timestamp time.Time
}

// EventHandler receives registry events. EventHandlerFunc adapts a plain
// function.
type EventHandler interface {
	OnEvent(Event)
}

type EventHandlerFunc func(Event)

func (f EventHandlerFunc) OnEvent(e Event) { f(e) }

// PortRecord is one charging port's last-known telemetry, in the same
// units the history store records.
type PortRecord struct {
	PortID      int     `json:"port_id"`
	VoltageMV   int     `json:"voltage_mv"`
	CurrentMA   int     `json:"current_ma"`
	PowerW      float64 `json:"power_w"`
	Protocol    string  `json:"protocol"`
	Temperature float64 `json:"temperature"`
}

// DeviceInfo is the subset of station identity fields the aggregator cares
// about (model/serial/firmware), merged in wholesale by update_device_info.
type DeviceInfo map[string]interface{}

// GatewayRecord is one gateway's full registry entry. Mutations go through
// Registry's update methods; callers outside this package only ever see a
// GatewaySnapshot (a value copy), never a *GatewayRecord, so there is no
// external locking to get wrong.
type GatewayRecord struct {
	ID              string
	Connected       bool
	LastHeartbeat   time.Time
	DeviceInfo      DeviceInfo
	Ports           []PortRecord
	TotalPowerW     float64
	ActivePortCount int
	Status          string
}

// GatewaySnapshot is the read-only copy Registry hands to callers (command
// dispatcher, push channel, REST status endpoint).
type GatewaySnapshot struct {
	ID              string
	Online          bool
	Connected       bool
	LastHeartbeat   time.Time
	DeviceInfo      DeviceInfo
	Ports           []PortRecord
	TotalPowerW     float64
	ActivePortCount int
	Status          string
}

// Registry is the in-memory map of last-known gateway state. The bus
// adapter owns gateway traffic; the registry only records what it has
// most recently reported.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*GatewayRecord
	timeout  time.Duration

	handlersMu sync.RWMutex
	handlers   []EventHandler

	eventChan chan Event
	done      chan struct{}

	log *logger.Logger
}

// NewRegistry builds a registry with the given offline timeout (zero means
// DefaultGatewayTimeout) and starts its event dispatch loop.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	r := &Registry{
		gateways:  make(map[string]*GatewayRecord),
		timeout:   timeout,
		eventChan: make(chan Event, 1000),
		done:      make(chan struct{}),
		log:       logger.Global().Named("registry"),
	}
	go r.dispatchEvents()
	return r
}

// Close stops the event dispatch loop.
func (r *Registry) Close() {
	close(r.done)
}

// OnEvent registers a handler invoked for every subsequent registry event.
func (r *Registry) OnEvent(h EventHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *Registry) emit(e Event) {
	select {
	case r.eventChan <- e:
	default:
		r.log.Warn("event channel full, dropping event", "kind", e.Kind, "gateway_id", e.GatewayID)
	}
}

func (r *Registry) dispatchEvents() {
	for {
		select {
		case <-r.done:
			return
		case e := <-r.eventChan:
			r.handlersMu.RLock()
			handlers := make([]EventHandler, len(r.handlers))
			copy(handlers, r.handlers)
			r.handlersMu.RUnlock()
			for _, h := range handlers {
				h.OnEvent(e)
			}
		}
	}
}

func (r *Registry) recordFor(gatewayID string) *GatewayRecord {
	g, ok := r.gateways[gatewayID]
	if !ok {
		g = &GatewayRecord{ID: gatewayID, Status: "unknown"}
		r.gateways[gatewayID] = g
	}
	return g
}

// UpdatePorts replaces a gateway's port records, recomputes total_power_w
// and active_port_count (ports with current flowing), marks it connected,
// and emits EventPorts.
func (r *Registry) UpdatePorts(gatewayID string, ports []PortRecord) {
	r.mu.Lock()
	g := r.recordFor(gatewayID)
	g.Ports = ports
	g.Connected = true

	var total float64
	active := 0
	for _, p := range ports {
		total += p.PowerW
		if p.CurrentMA > 0 {
			active++
		}
	}
	g.TotalPowerW = total
	g.ActivePortCount = active
	r.mu.Unlock()

	r.emit(Event{Kind: EventPorts, GatewayID: gatewayID, Data: ports, Timestamp: time.Now()})
}

// UpdateDeviceInfo merges fields into the gateway's device info and emits
// EventDeviceInfo.
func (r *Registry) UpdateDeviceInfo(gatewayID string, info DeviceInfo) {
	r.mu.Lock()
	g := r.recordFor(gatewayID)
	if g.DeviceInfo == nil {
		g.DeviceInfo = DeviceInfo{}
	}
	for k, v := range info {
		g.DeviceInfo[k] = v
	}
	r.mu.Unlock()

	r.emit(Event{Kind: EventDeviceInfo, GatewayID: gatewayID, Data: info, Timestamp: time.Now()})
}

// UpdateHeartbeat stamps last_heartbeat = now, marks the gateway connected,
// and emits EventHeartbeat.
func (r *Registry) UpdateHeartbeat(gatewayID string) {
	now := time.Now()
	r.mu.Lock()
	g := r.recordFor(gatewayID)
	g.LastHeartbeat = now
	g.Connected = true
	r.mu.Unlock()

	r.emit(Event{Kind: EventHeartbeat, GatewayID: gatewayID, Data: now, Timestamp: now})
}

// UpdateStatus merges the gateway's status field and emits EventStatus.
func (r *Registry) UpdateStatus(gatewayID, status string) {
	r.mu.Lock()
	g := r.recordFor(gatewayID)
	g.Status = status
	r.mu.Unlock()

	r.emit(Event{Kind: EventStatus, GatewayID: gatewayID, Data: status, Timestamp: time.Now()})
}

func (r *Registry) snapshot(g *GatewayRecord) GatewaySnapshot {
	ports := make([]PortRecord, len(g.Ports))
	copy(ports, g.Ports)
	info := make(DeviceInfo, len(g.DeviceInfo))
	for k, v := range g.DeviceInfo {
		info[k] = v
	}
	return GatewaySnapshot{
		ID:              g.ID,
		Online:          time.Since(g.LastHeartbeat) < r.timeout,
		Connected:       g.Connected,
		LastHeartbeat:   g.LastHeartbeat,
		DeviceInfo:      info,
		Ports:           ports,
		TotalPowerW:     g.TotalPowerW,
		ActivePortCount: g.ActivePortCount,
		Status:          g.Status,
	}
}

// Get returns a point-in-time snapshot of one gateway's state. Online is
// always the fresh now-minus-last-heartbeat derivation, never a cached
// flag.
func (r *Registry) Get(gatewayID string) (GatewaySnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[gatewayID]
	if !ok {
		return GatewaySnapshot{}, false
	}
	return r.snapshot(g), true
}

// List returns snapshots of every known gateway.
func (r *Registry) List() []GatewaySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GatewaySnapshot, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, r.snapshot(g))
	}
	return out
}

// GatewayIDs returns the IDs of every known gateway, used by the aggregator's
// hourly rollup job to know which gateways to summarize.
func (r *Registry) GatewayIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	return ids
}

// OnlineCount returns the number of gateways currently considered online,
// fed into metrics.SetGatewaysOnline by the timeout scan job.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, g := range r.gateways {
		if now.Sub(g.LastHeartbeat) < r.timeout {
			n++
		}
	}
	return n
}

// scanTimeouts flips connected=false and emits EventTimeout for every
// gateway whose last heartbeat is older than the configured timeout, then
// publishes the fresh online count to metrics. Each breach emits exactly
// one timeout event; the next ports or heartbeat message flips connected
// back.
func (r *Registry) scanTimeouts() {
	now := time.Now()
	var breached []Event

	r.mu.Lock()
	for id, g := range r.gateways {
		if g.Connected && now.Sub(g.LastHeartbeat) > r.timeout {
			g.Connected = false
			breached = append(breached, Event{Kind: EventTimeout, GatewayID: id, Data: g.LastHeartbeat, Timestamp: now})
		}
	}
	r.mu.Unlock()

	for _, e := range breached {
		r.emit(e)
	}
	metrics.SetGatewaysOnline(r.OnlineCount())
}

// RegisterTimeoutScan adds the periodic timeout scanner to s. The
// aggregator daemon owns the scheduler so its three background jobs (this
// scan, history cleanup, hourly rollup) register in one place.
func (r *Registry) RegisterTimeoutScan(s gocron.Scheduler, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTimeoutScanInterval
	}
	_, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.scanTimeouts),
	)
	return err
}
