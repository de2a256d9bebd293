// aggregatord is the multi-gateway aggregation daemon: it owns the gateway
// registry, the MQTT bus adapter, and the history store, and serves the
// client interface over the combined fleet instead of one station.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ionbridge/cp02-bridge/pkg/aggregator"
	"github.com/ionbridge/cp02-bridge/pkg/aggregator/history"
	"github.com/ionbridge/cp02-bridge/pkg/api/middleware"
	"github.com/ionbridge/cp02-bridge/pkg/api/rest"
	"github.com/ionbridge/cp02-bridge/pkg/api/ws"
	"github.com/ionbridge/cp02-bridge/pkg/config"
	"github.com/ionbridge/cp02-bridge/pkg/logger"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "aggregatord",
		Short: "cp02-bridge multi-gateway aggregator daemon",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.AddCommand(newStartCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the aggregator: bus, registry, history store, and client interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

// aggregatorExecutor adapts a command action into a bus-fanned-out MQTT
// round trip to one gateway, picked out of the params by `gateway_id`, the
// aggregatord analogue of stationd's direct dispatcherExecutor.
type aggregatorExecutor struct {
	bus *aggregator.Bus
}

func (e *aggregatorExecutor) Dispatch(ctx context.Context, action string, params map[string]interface{}) rest.Result {
	gatewayID, _ := params["gateway_id"].(string)
	if gatewayID == "" {
		return rest.Result{Success: false, Message: "missing gateway_id"}
	}

	cmdID := uuid.NewString()[:8]
	resp, err := e.bus.SendCommand(ctx, gatewayID, cmdID, action, params)
	if err != nil {
		return rest.Result{Success: false, Message: err.Error()}
	}
	return rest.Result{Success: resp.Success, Data: resp.Data, Message: resp.Message}
}

// registryStatus exposes the fleet-wide snapshot list for /api/v1/status.
type registryStatus struct {
	registry *aggregator.Registry
}

func (s *registryStatus) Status() interface{} {
	return map[string]interface{}{"gateways": s.registry.List()}
}

// pushBridge relays registry events onto the WebSocket broadcast channel,
// implementing aggregator.EventHandler.
type pushBridge struct {
	ws *ws.Server
}

func (p *pushBridge) OnEvent(e aggregator.Event) {
	p.ws.Broadcast(ws.Event{Type: string(e.Kind), GatewayID: e.GatewayID, Data: e.Data, Timestamp: e.Timestamp})
}

// historyWriter persists port telemetry and lifecycle events into the
// history store as the registry reports them, implementing
// aggregator.EventHandler. Heartbeat and device-info updates are state
// refreshes, not lifecycle transitions, and are not recorded.
type historyWriter struct {
	store *history.Store
	log   *logger.Logger
}

func (h *historyWriter) OnEvent(e aggregator.Event) {
	switch e.Kind {
	case aggregator.EventPorts:
		ports, ok := e.Data.([]aggregator.PortRecord)
		if !ok {
			return
		}
		samples := make([]history.PortSample, len(ports))
		for i, p := range ports {
			samples[i] = history.PortSample{
				GatewayID: e.GatewayID, PortID: p.PortID, VoltageMV: p.VoltageMV, CurrentMA: p.CurrentMA,
				PowerW: p.PowerW, Protocol: p.Protocol, Temperature: p.Temperature, Timestamp: e.Timestamp,
			}
		}
		if err := h.store.AppendPortSamples(samples); err != nil {
			h.log.Warn("aggregatord: failed to append port samples", "error", err)
		}
	case aggregator.EventStatus, aggregator.EventTimeout:
		if err := h.store.AppendEvent(history.Event{GatewayID: e.GatewayID, Kind: string(e.Kind), Payload: e.Data, Timestamp: e.Timestamp}); err != nil {
			h.log.Warn("aggregatord: failed to append event", "error", err)
		}
	}
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.SetGlobal(logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	}))
	log := logger.Global()

	store, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	registry := aggregator.NewRegistry(time.Duration(cfg.GatewayTimeoutSeconds) * time.Second)
	defer registry.Close()
	registry.OnEvent(&historyWriter{store: store, log: log})

	bus := aggregator.NewBus(cfg.MQTT, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect mqtt bus: %w", err)
	}
	defer bus.Close()

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := registry.RegisterTimeoutScan(sched, aggregator.DefaultTimeoutScanInterval); err != nil {
		return fmt.Errorf("register timeout scan: %w", err)
	}
	retention := time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour
	if err := store.RegisterJobs(sched, retention, registry.GatewayIDs); err != nil {
		return fmt.Errorf("register history jobs: %w", err)
	}
	sched.Start()
	defer sched.Shutdown()

	auth := middleware.NewSharedSecretAuth(cfg.APIKey)

	wsCfg := ws.DefaultServerConfig()
	wsCfg.Port = cfg.WSPort
	wsServer := ws.NewServer(auth, wsCfg)
	if err := wsServer.Start(); err != nil {
		return fmt.Errorf("start ws server: %w", err)
	}
	registry.OnEvent(&pushBridge{ws: wsServer})

	restServer := rest.NewServer(&aggregatorExecutor{bus: bus}, &registryStatus{registry: registry}, auth, rest.ServerConfig{Port: cfg.ServerPort})
	if err := restServer.Start(); err != nil {
		return fmt.Errorf("start rest server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("aggregatord: running", "rest_port", cfg.ServerPort, "ws_port", wsCfg.Port)
	<-sigCh
	log.Info("aggregatord: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	restServer.Stop(shutdownCtx)
	wsServer.Stop(shutdownCtx)

	return nil
}
