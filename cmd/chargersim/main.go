package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chargefleet/csms/internal/sim"
	"go.uber.org/zap"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080", "csms websocket base url")
	station := flag.String("station", "DTS-CC-001", "station code")
	serial := flag.String("serial", "SIM001", "charger serial number")
	vendor := flag.String("vendor", "SimVendor", "reported charge point vendor")
	model := flag.String("model", "SimModel", "reported charge point model")
	firmware := flag.String("firmware", "2.1.0", "reported firmware version")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	simulator, err := sim.New(sim.Options{
		ServerURL:         *serverURL,
		StationCode:       *station,
		Serial:            *serial,
		Vendor:            *vendor,
		Model:             *model,
		FirmwareVersion:   *firmware,
		HeartbeatInterval: *heartbeat,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create simulator", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go simulator.Run(ctx)

	logger.Info("simulator running",
		zap.String("serial", *serial),
		zap.String("server", *serverURL),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	cancel()
	simulator.Stop()
	logger.Info("simulator exited cleanly")
}
