package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sodovaya/kbledash/internal/mqttsink"
	"github.com/sodovaya/kbledash/internal/server"
	"github.com/sodovaya/kbledash/internal/telemetry"
	"github.com/sodovaya/kbledash/web"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the peripherals and serve the dashboard",
	Long: `Connect to the BMS, controller and GPS, merge their data into snapshots
and publish them to WebSocket clients (and MQTT when enabled).

The dashboard starts immediately; peripherals are connected in the background
and reconnected with exponential backoff when they drop.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Override listen address (e.g. :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	log.Info("kbledash starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		cancel()
	}()

	bms, err := newBMSSession(cfg, log)
	if err != nil {
		return err
	}
	defer bms.Close()

	ctrl, err := newControllerSession(cfg, log)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	var loc telemetry.LocationSource
	if gpsProv := newGPSProvider(cfg.GPS, log); gpsProv != nil {
		go telemetry.ConnectWithRetry(ctx, "GPS", gpsProv.Connect, log)
		defer gpsProv.Close()
		loc = gpsProv
	}

	vehicle := cfg.VehicleSnapshot()
	orch := telemetry.New(telemetry.Config{
		BMSPollInterval:   cfg.BMS.PollInterval,
		KeepAliveInterval: cfg.Controller.KeepAliveInterval,
		PublishInterval:   cfg.Telemetry.PublishInterval,
		Vehicle:           cfg.VehicleParams(),
		Gear:              vehicle.Gear,
		Logger:            log,
	}, bms, ctrl, loc)

	if cfg.MQTT.Enabled {
		sink, err := mqttsink.New(mqttsink.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		sink.Connect()
		defer sink.Close()
		orch.AddSink(sink)
	}

	// The server is a sink too; it must be registered before Run
	srv := server.New(cfg, orch, bms, web.FS, log)
	orch.AddSink(srv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Errorf("exited: %v", err)
		return err
	}
	return nil
}
