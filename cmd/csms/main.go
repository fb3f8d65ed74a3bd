package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chargefleet/csms/internal/config"
	"github.com/chargefleet/csms/internal/csms"
	"github.com/chargefleet/csms/internal/storage"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "./csms.config.json", "path to config file")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	csms.InitMetrics()
	logger.Info("metrics initialized")

	store := storage.NewChargerStore(db, logger)
	registry := csms.NewRegistry(logger)
	fanout := csms.NewFanout(logger, csms.GetMetrics())

	var alerter *csms.Alerter
	if token := cfg.Alerts.Discord.BotToken; token != "" {
		alerter, err = csms.NewAlerter(token, cfg.Alerts.Discord.ChannelID, logger)
		if err != nil {
			logger.Error("failed to create discord alerter", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("discord alerts configured", zap.String("channel_id", cfg.Alerts.Discord.ChannelID))
	}

	var bridge *csms.MQTTBridge
	if broker := cfg.Bridge.MQTT.BrokerURL; broker != "" {
		bridge, err = csms.NewMQTTBridge(broker, cfg.Bridge.MQTT.ClientID, cfg.Bridge.MQTT.TopicPrefix, logger, csms.GetMetrics())
		if err != nil {
			logger.Error("failed to connect mqtt bridge", zap.Error(err))
			os.Exit(1)
		}
		fanout.AddTap(bridge.Tap)
		logger.Info("mqtt bridge connected", zap.String("broker", broker))
	}

	var introspector csms.TokenIntrospector
	if url := cfg.Auth.IntrospectionURL; url != "" {
		cached, err := csms.NewCachingIntrospector(
			csms.NewHTTPIntrospector(url, logger),
			cfg.Auth.CacheSize,
			time.Duration(cfg.Auth.CacheTTLSec)*time.Second,
		)
		if err != nil {
			logger.Error("failed to create introspection cache", zap.Error(err))
			os.Exit(1)
		}
		introspector = cached
		logger.Info("token introspection configured", zap.String("endpoint", url))
	}

	heartbeatInterval := time.Duration(cfg.Server.HeartbeatIntervalSec) * time.Second
	router, err := csms.NewRouter(csms.RouterOptions{
		Store:             store,
		Fanout:            fanout,
		Alerter:           alerter,
		FirmwareFloor:     cfg.Firmware.Minimum,
		HeartbeatInterval: heartbeatInterval,
		Logger:            logger,
		Metrics:           csms.GetMetrics(),
	})
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		os.Exit(1)
	}

	sessions := csms.NewSessionServer(ctx, csms.SessionOptions{
		Registry:          registry,
		Fanout:            fanout,
		Router:            router,
		Store:             store,
		Introspector:      introspector,
		RequireIdentity:   cfg.Auth.RequireIdentity,
		Alerter:           alerter,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeoutCount,
		Logger:            logger,
		Metrics:           csms.GetMetrics(),
	})

	arbitrator := csms.NewArbitrator(store, registry, fanout, logger, csms.GetMetrics())
	api := csms.NewHTTPAPI(store, arbitrator, registry, sessions, introspector, db, logger)

	srv := csms.NewServer(ctx, cancel, cfg, logger)
	srv.SetSessionServer(sessions)
	srv.SetHTTPAPI(api)

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	if bridge != nil {
		bridge.Close()
	}

	logger.Info("csms exited cleanly")
	os.Exit(0)
}
