// gatewayd is the remote-gateway daemon: it wraps the same station stack
// stationd uses, but republishes telemetry over MQTT and executes commands
// received on its `cmd` topic, so an aggregatord elsewhere in the fleet
// can aggregate it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ionbridge/cp02-bridge/pkg/config"
	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/station"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "cp02-bridge remote gateway daemon (station + MQTT republisher)",
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
		Short: "Connect to the configured station and republish telemetry/commands over MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.GatewayID == "" {
		return fmt.Errorf("gatewayd: gateway_id must be configured")
	}

	logger.SetGlobal(logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	}))
	log := logger.Global()

	store, err := station.NewTokenStore(cfg.TokenStoragePath)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}

	link := station.NewLink()
	sv := station.NewSupervisor(link, cfg.Station.FrameVersion, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("gatewayd: connecting", "address", cfg.Station.Address, "gateway_id", cfg.GatewayID)
	if _, err := sv.Connect(ctx, cfg.Station.Address, cfg.Station.ScanTimeout); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if tm := sv.TokenManager(); tm != nil {
		tm.SetRefreshInterval(cfg.TokenRefreshInterval)
		tm.StartBackgroundRefresh(ctx)
	}

	dispatcher := station.NewDispatcher(sv)

	bridge := newBridge(cfg.GatewayID, cfg.MQTT, dispatcher)
	if err := bridge.Connect(ctx); err != nil {
		return fmt.Errorf("mqtt bridge connect: %w", err)
	}
	defer bridge.Close()

	bridge.StartTelemetryLoop(ctx, 15*time.Second, 30*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("gatewayd: running")
	<-sigCh
	log.Info("gatewayd: shutting down")

	cancel()
	sv.Disconnect()
	return nil
}
