package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ionbridge/cp02-bridge/pkg/config"
	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/metrics"
)

// ErrCommandTimeout is returned by Bus.SendCommand when no cmd_response
// arrives within the configured timeout.
var ErrCommandTimeout = errors.New("aggregator: command timed out waiting for response")

// ErrBusClosed is returned by SendCommand once Close has run.
var ErrBusClosed = errors.New("aggregator: bus adapter closed")

// DefaultCommandTimeout is the cmd_id correlation entry's default lifetime.
const DefaultCommandTimeout = 10 * time.Second

// DefaultReconnectBackoff is the bounded backoff the client library retries
// the broker connection with.
const DefaultReconnectBackoff = 5 * time.Second

// messageKind names the per-gateway MQTT subtopics.
type messageKind string

const (
	kindPorts       messageKind = "ports"
	kindDeviceInfo  messageKind = "device_info"
	kindHeartbeat   messageKind = "heartbeat"
	kindStatus      messageKind = "status"
	kindCmd         messageKind = "cmd"
	kindCmdResponse messageKind = "cmd_response"
)

// cmdEnvelope is the payload published to `<prefix>/<gateway_id>/cmd`.
type cmdEnvelope struct {
	CmdID   string                 `json:"cmd_id"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

// cmdResponseEnvelope is what a gateway publishes back to
// `<prefix>/<gateway_id>/cmd_response`.
type cmdResponseEnvelope struct {
	CmdID   string      `json:"cmd_id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// pendingCmd is one outstanding command's completion sink. Unlike a BLE
// session's single inflight slot, the bus fans commands out to many
// gateways concurrently, so pending commands live in a map keyed by
// cmd_id.
type pendingCmd struct {
	done     chan cmdResponseEnvelope
	deadline time.Time
}

// Bus is the MQTT pub/sub adapter that feeds a Registry from the
// `<prefix>/<gateway_id>/<kind>` telemetry topics and carries
// command/response traffic the other way.
type Bus struct {
	cfg      config.MQTTConfig
	registry *Registry
	client   mqtt.Client
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingCmd
	closed  bool

	sweepStop chan struct{}
}

// NewBus builds (but does not connect) a Bus over cfg, routing inbound
// telemetry into registry.
func NewBus(cfg config.MQTTConfig, registry *Registry) *Bus {
	return &Bus{
		cfg:       cfg,
		registry:  registry,
		log:       logger.Global().Named("bus"),
		pending:   make(map[string]*pendingCmd),
		sweepStop: make(chan struct{}),
	}
}

// Connect dials the broker, subscribes to every gateway's telemetry
// topics, and starts the pending-command sweeper. AutoReconnect with a
// capped reconnect interval plus OnConnectHandler's re-subscribe restores
// the full subscription set after any broker outage.
func (b *Bus) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	broker := fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.Port)
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("cp02-aggregator-%d", time.Now().UnixNano()))
	if b.cfg.User != "" {
		opts.SetUsername(b.cfg.User)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(DefaultReconnectBackoff)
	if b.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(b.cfg.KeepAlive)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.Info("mqtt connected, subscribing", "broker", broker)
		if err := b.subscribeAll(c); err != nil {
			b.log.Error("mqtt subscribe failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.log.Warn("mqtt connection lost, reconnecting", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	finished := make(chan struct{})
	go func() {
		token.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		if err := token.Error(); err != nil {
			return fmt.Errorf("aggregator: mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	b.client = client
	go b.sweepExpired()
	return nil
}

// subscribeAll wires up the five inbound subtopics with one wildcard
// subscription each:
// `<prefix>/+/{ports,device_info,heartbeat,status,cmd_response}`.
func (b *Bus) subscribeAll(c mqtt.Client) error {
	kinds := []messageKind{kindPorts, kindDeviceInfo, kindHeartbeat, kindStatus, kindCmdResponse}
	for _, k := range kinds {
		topic := fmt.Sprintf("%s/+/%s", b.cfg.TopicPrefix, k)
		token := c.Subscribe(topic, 1, b.handlerFor(k))
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// handlerFor returns the paho message callback for one telemetry kind,
// extracting the gateway_id from the topic and routing the JSON body to the
// matching Registry update method.
func (b *Bus) handlerFor(kind messageKind) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		gatewayID := gatewayIDFromTopic(msg.Topic())
		if gatewayID == "" {
			return
		}

		switch kind {
		case kindPorts:
			var ports []PortRecord
			if err := json.Unmarshal(msg.Payload(), &ports); err != nil {
				b.log.Warn("bad ports payload", "gateway_id", gatewayID, "error", err)
				return
			}
			b.registry.UpdatePorts(gatewayID, ports)

		case kindDeviceInfo:
			var info DeviceInfo
			if err := json.Unmarshal(msg.Payload(), &info); err != nil {
				b.log.Warn("bad device_info payload", "gateway_id", gatewayID, "error", err)
				return
			}
			b.registry.UpdateDeviceInfo(gatewayID, info)

		case kindHeartbeat:
			b.registry.UpdateHeartbeat(gatewayID)

		case kindStatus:
			var status struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(msg.Payload(), &status); err != nil {
				b.log.Warn("bad status payload", "gateway_id", gatewayID, "error", err)
				return
			}
			b.registry.UpdateStatus(gatewayID, status.Status)

		case kindCmdResponse:
			var resp cmdResponseEnvelope
			if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
				b.log.Warn("bad cmd_response payload", "gateway_id", gatewayID, "error", err)
				return
			}
			b.resolve(resp)
		}
	}
}

// gatewayIDFromTopic extracts the <gateway_id> segment out of
// `<prefix>/<gateway_id>/<kind>`.
func gatewayIDFromTopic(topic string) string {
	depth := 0
	start := -1
	for i, r := range topic {
		if r == '/' {
			depth++
			if depth == 1 {
				start = i + 1
			} else if depth == 2 {
				return topic[start:i]
			}
		}
	}
	return ""
}

func (b *Bus) resolve(resp cmdResponseEnvelope) {
	b.mu.Lock()
	p, ok := b.pending[resp.CmdID]
	if ok {
		delete(b.pending, resp.CmdID)
	}
	metrics.SetBusCommandsInflight(len(b.pending))
	b.mu.Unlock()

	if !ok {
		b.log.Warn("discarding cmd_response for unknown/expired cmd_id", "cmd_id", resp.CmdID)
		return
	}
	p.done <- resp
}

// SendCommand publishes command/params to gatewayID's cmd topic and blocks
// until the matching cmd_response arrives, ctx is cancelled, or the
// default command timeout elapses.
func (b *Bus) SendCommand(ctx context.Context, gatewayID, cmdID, command string, params map[string]interface{}) (cmdResponseEnvelope, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return cmdResponseEnvelope{}, ErrBusClosed
	}
	p := &pendingCmd{done: make(chan cmdResponseEnvelope, 1), deadline: time.Now().Add(DefaultCommandTimeout)}
	b.pending[cmdID] = p
	metrics.SetBusCommandsInflight(len(b.pending))
	b.mu.Unlock()

	body, err := json.Marshal(cmdEnvelope{CmdID: cmdID, Command: command, Params: params})
	if err != nil {
		b.dropPending(cmdID)
		return cmdResponseEnvelope{}, err
	}

	topic := fmt.Sprintf("%s/%s/%s", b.cfg.TopicPrefix, gatewayID, kindCmd)
	token := b.client.Publish(topic, 1, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		b.dropPending(cmdID)
		return cmdResponseEnvelope{}, err
	}

	select {
	case resp := <-p.done:
		return resp, nil
	case <-time.After(DefaultCommandTimeout):
		b.dropPending(cmdID)
		return cmdResponseEnvelope{}, ErrCommandTimeout
	case <-ctx.Done():
		b.dropPending(cmdID)
		return cmdResponseEnvelope{}, ctx.Err()
	}
}

func (b *Bus) dropPending(cmdID string) {
	b.mu.Lock()
	delete(b.pending, cmdID)
	metrics.SetBusCommandsInflight(len(b.pending))
	b.mu.Unlock()
}

// sweepExpired clears any pending command whose deadline has passed without
// a response - a safety net alongside SendCommand's own time.After case, for
// the case where SendCommand's caller abandoned its context entirely.
func (b *Bus) sweepExpired() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.sweepStop:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for id, p := range b.pending {
				if now.After(p.deadline) {
					delete(b.pending, id)
				}
			}
			metrics.SetBusCommandsInflight(len(b.pending))
			b.mu.Unlock()
		}
	}
}

// Close disconnects from the broker and stops the expiry sweeper.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	close(b.sweepStop)
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}
