package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ionbridge/cp02-bridge/pkg/config"
	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/station"
)

// portRecord mirrors aggregator.PortRecord's JSON shape without importing
// the aggregator package; gatewayd depends only on the station stack plus
// the raw MQTT client.
type portRecord struct {
	PortID      int     `json:"port_id"`
	VoltageMV   int     `json:"voltage_mv"`
	CurrentMA   int     `json:"current_ma"`
	PowerW      float64 `json:"power_w"`
	Protocol    string  `json:"protocol"`
	Temperature float64 `json:"temperature"`
}

type cmdEnvelope struct {
	CmdID   string                 `json:"cmd_id"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

type cmdResponseEnvelope struct {
	CmdID   string      `json:"cmd_id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// bridge republishes station telemetry onto `<prefix>/<gateway_id>/<kind>`
// topics and executes commands received on the `cmd` subtopic - the
// producer side of the aggregator's bus adapter.
type bridge struct {
	gatewayID  string
	cfg        config.MQTTConfig
	dispatcher *station.Dispatcher
	client     mqtt.Client
	log        *logger.Logger
}

func newBridge(gatewayID string, cfg config.MQTTConfig, dispatcher *station.Dispatcher) *bridge {
	return &bridge{gatewayID: gatewayID, cfg: cfg, dispatcher: dispatcher, log: logger.Global().Named("bridge")}
}

func (b *bridge) topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", b.cfg.TopicPrefix, b.gatewayID, kind)
}

func (b *bridge) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.Port))
	opts.SetClientID(fmt.Sprintf("cp02-gateway-%s", b.gatewayID))
	if b.cfg.User != "" {
		opts.SetUsername(b.cfg.User)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	if b.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(b.cfg.KeepAlive)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.Info("mqtt connected, subscribing to cmd topic", "gateway_id", b.gatewayID)
		token := c.Subscribe(b.topic("cmd"), 1, b.handleCommand)
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.Error("subscribe cmd topic failed", "error", err)
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
			return fmt.Errorf("gatewayd: mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	b.client = client
	return nil
}

func (b *bridge) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

func (b *bridge) publish(kind string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Warn("failed to marshal payload", "kind", kind, "error", err)
		return
	}
	token := b.client.Publish(b.topic(kind), 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Warn("publish failed", "kind", kind, "error", err)
	}
}

// handleCommand executes an inbound cmd envelope through the station
// dispatcher and publishes the matching cmd_response, closing the loop the
// aggregator's SendCommand waits on.
func (b *bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	var req cmdEnvelope
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		b.log.Warn("bad cmd payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := b.dispatcher.Dispatch(ctx, req.Command, station.Params(req.Params))
	b.publish("cmd_response", cmdResponseEnvelope{
		CmdID:   req.CmdID,
		Success: result.Success,
		Data:    result.Data,
		Message: result.Message,
	})
}

// StartTelemetryLoop polls port statistics every pollInterval and
// publishes ports/heartbeat, refreshing device_info once at startup and
// then on its own slower interval, all on their own goroutine. The station
// protocol is purely request/response, so telemetry is polled rather than
// pushed.
func (b *bridge) StartTelemetryLoop(ctx context.Context, pollInterval, deviceInfoInterval time.Duration) {
	go b.publishDeviceInfo(ctx)

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		deviceTicker := time.NewTicker(deviceInfoInterval)
		defer deviceTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.publishPorts(ctx)
				b.publish("heartbeat", map[string]interface{}{"timestamp": time.Now()})
			case <-deviceTicker.C:
				b.publishDeviceInfo(ctx)
			}
		}
	}()
}

func (b *bridge) publishPorts(ctx context.Context) {
	result := b.dispatcher.Dispatch(ctx, "get_all_power_statistics", nil)
	if !result.Success {
		b.log.Warn("poll ports failed", "error", result.Message)
		b.publish("status", map[string]string{"status": "error"})
		return
	}

	stats, ok := result.Data.([]station.PortStatistics)
	if !ok {
		return
	}
	ports := make([]portRecord, len(stats))
	for i, s := range stats {
		ports[i] = portRecord{
			PortID:      int(s.PortID),
			VoltageMV:   int(s.VoltageV * 1000),
			CurrentMA:   int(s.CurrentA * 1000),
			PowerW:      s.PowerW,
			Protocol:    s.Protocol.String(),
			Temperature: float64(s.TemperatureC),
		}
	}
	b.publish("ports", ports)
	b.publish("status", map[string]string{"status": "ok"})
}

func (b *bridge) publishDeviceInfo(ctx context.Context) {
	info := map[string]interface{}{}
	for action, key := range map[string]string{
		"get_model":  "model",
		"get_serial": "serial",
	} {
		result := b.dispatcher.Dispatch(ctx, action, nil)
		if result.Success {
			info[key] = result.Data
		}
	}
	if len(info) > 0 {
		b.publish("device_info", info)
	}
}
