// stationd is the direct-connect daemon: one process, one BLE link to one
// CP02 station, exposing the request/response and push client interfaces
// locally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ionbridge/cp02-bridge/pkg/api/middleware"
	"github.com/ionbridge/cp02-bridge/pkg/api/rest"
	"github.com/ionbridge/cp02-bridge/pkg/api/ws"
	"github.com/ionbridge/cp02-bridge/pkg/config"
	"github.com/ionbridge/cp02-bridge/pkg/logger"
	"github.com/ionbridge/cp02-bridge/pkg/station"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "stationd",
		Short: "cp02-bridge direct-connect station daemon",
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
		Short: "Connect to the configured station and serve the client interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

// dispatcherExecutor adapts station.Dispatcher's Params-typed Dispatch and
// Result onto the decoupled rest.ActionExecutor/rest.Result contract.
type dispatcherExecutor struct {
	d *station.Dispatcher
}

func (e *dispatcherExecutor) Dispatch(ctx context.Context, action string, params map[string]interface{}) rest.Result {
	r := e.d.Dispatch(ctx, action, station.Params(params))
	return rest.Result{Success: r.Success, Data: r.Data, Message: r.Message}
}

// dispatcherStatus reports the supervisor's connection state plus the
// discoverable action catalog for /api/v1/status.
type dispatcherStatus struct {
	sv *station.Supervisor
	d  *station.Dispatcher
}

func (s *dispatcherStatus) Status() interface{} {
	return map[string]interface{}{
		"connection_state": s.sv.State().String(),
		"actions":          s.d.List(),
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

	store, err := station.NewTokenStore(cfg.TokenStoragePath)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}

	link := station.NewLink()
	sv := station.NewSupervisor(link, cfg.Station.FrameVersion, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("stationd: connecting", "address", cfg.Station.Address)
	if _, err := sv.Connect(ctx, cfg.Station.Address, cfg.Station.ScanTimeout); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if tm := sv.TokenManager(); tm != nil {
		tm.SetRefreshInterval(cfg.TokenRefreshInterval)
		tm.StartBackgroundRefresh(ctx)
	}

	dispatcher := station.NewDispatcher(sv)

	auth := middleware.NewSharedSecretAuth(cfg.APIKey)
	restServer := rest.NewServer(&dispatcherExecutor{d: dispatcher}, &dispatcherStatus{sv: sv, d: dispatcher}, auth, rest.ServerConfig{Port: cfg.ServerPort})
	if err := restServer.Start(); err != nil {
		return fmt.Errorf("start rest server: %w", err)
	}

	wsCfg := ws.DefaultServerConfig()
	wsCfg.Port = cfg.WSPort
	wsServer := ws.NewServer(auth, wsCfg)
	if err := wsServer.Start(); err != nil {
		return fmt.Errorf("start ws server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("stationd: running", "rest_port", cfg.ServerPort, "ws_port", wsCfg.Port)
	<-sigCh
	log.Info("stationd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	restServer.Stop(shutdownCtx)
	wsServer.Stop(shutdownCtx)
	sv.Disconnect()

	return nil
}
