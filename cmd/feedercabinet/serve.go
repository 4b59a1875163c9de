package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mingda/feedercabinet/internal/canlink"
	"github.com/mingda/feedercabinet/internal/config"
	"github.com/mingda/feedercabinet/internal/diag"
	"github.com/mingda/feedercabinet/internal/logging"
	"github.com/mingda/feedercabinet/internal/mapping"
	"github.com/mingda/feedercabinet/internal/orchestrator"
	"github.com/mingda/feedercabinet/internal/printerobserver"
	"github.com/mingda/feedercabinet/internal/protocol"
	"github.com/mingda/feedercabinet/internal/rfid"
	"github.com/mingda/feedercabinet/internal/statemachine"
)

const shutdownBudget = 2 * time.Second

var diagSocketPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the feedercabinet daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), configPath, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&diagSocketPath, "diag-socket", "/run/feedercabinet/diag.sock", "path to the diagnostics Unix socket")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfgPath string, verbose bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("feedercabinet: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log := logging.New(os.Stderr, level)
	logging.Set(log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tbl := mapping.New(cfg.ExtruderMapping.TubeMapping, cfg.ExtruderMapping.DefaultActive)
	sm := statemachine.New(log)

	link := canlink.NewLink(newTransportFactory(canlink.Config(cfg.CAN), log), canlink.DefaultBackoff, log)
	if err := link.Run(ctx); err != nil {
		return fmt.Errorf("feedercabinet: opening CAN link: %w", err)
	}

	rfidTimeout := time.Duration(cfg.RFID.TransferTimeoutSeconds) * time.Second
	reapInterval := time.Duration(cfg.RFID.CleanupIntervalSeconds) * time.Second
	engine := protocol.NewEngine(link, log, rfidTimeout, reapInterval)
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("protocol: engine stopped", logging.Fields("main", "engine_exit", "err", err.Error())...)
		}
	}()

	observer := printerobserver.New(cfg.Klipper.BaseURL, cfg.FilamentRunout.Sensors, log)
	if err := observer.Run(ctx); err != nil {
		log.Warn("printerobserver: initial connect failed, will retry", logging.Fields("main", "observer_connect", "err", err.Error())...)
	}

	var sink orchestrator.Sink
	if cfg.RFID.Enabled {
		s, err := rfid.NewSink(cfg.RFID.DataDir)
		if err != nil {
			return fmt.Errorf("feedercabinet: rfid sink: %w", err)
		}
		sink = s
	}

	diagPub := diag.NewPublisher(diagSocketPath, log)
	go func() {
		if err := diagPub.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Warn("diag: publisher stopped", logging.Fields("main", "diag_exit", "err", err.Error())...)
		}
	}()

	orch := orchestrator.New(sm, tbl, cfg.FilamentRunout.Sensors, engine, observer, sink, diagPub, orchestrator.Options{
		RunoutEnabled:      cfg.FilamentRunout.Enabled,
		RFIDEnabled:        cfg.RFID.Enabled,
		AutoSetTemperature: cfg.RFID.AutoSetTemperature,
	}, log)

	sm.Apply(statemachine.ComponentsReady())

	go publishSnapshotLoop(ctx, orch, engine)

	log.Info("feedercabinet: started", logging.Fields("main", "startup", "can_interface", cfg.CAN.Interface, "klipper_url", cfg.Klipper.BaseURL)...)

	orch.Run(ctx, engine.Events, engine.Sessions, observer.Events())

	log.Info("feedercabinet: shutting down", logging.Fields("main", "shutdown")...)
	shutdown(shutdownBudget, link.Close, observer.Close)
	return nil
}

// shutdown runs each teardown func concurrently and returns once they
// have all finished or budget elapses, whichever comes first: a slow
// or wedged collaborator never blocks process exit indefinitely.
func shutdown(budget time.Duration, fns ...func() error) {
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		wg.Add(len(fns))
		for _, fn := range fns {
			go func(fn func() error) {
				defer wg.Done()
				fn()
			}(fn)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(budget):
	}
}

// newTransportFactory picks SocketCAN for a Linux network interface
// name and SLCAN-over-serial for a device path.
func newTransportFactory(cfg canlink.Config, log logging.Logger) func() canlink.Transport {
	return func() canlink.Transport {
		if strings.HasPrefix(cfg.Interface, "/dev/") {
			log.Debug("canlink: selecting SLCAN transport", logging.Fields("canlink", "transport_select", "device", cfg.Interface)...)
			return canlink.NewSLCAN(cfg)
		}
		log.Debug("canlink: selecting SocketCAN transport", logging.Fields("canlink", "transport_select", "interface", cfg.Interface)...)
		return canlink.NewSocketCAN(cfg)
	}
}

func publishSnapshotLoop(ctx context.Context, orch *orchestrator.Orchestrator, engine *protocol.Engine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.PublishSnapshot(engine.State().String(), 0)
		}
	}
}
