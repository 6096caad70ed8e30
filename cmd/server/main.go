package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/api"
	"github.com/campaignpulse/crisis-pipeline/internal/broadcast"
	"github.com/campaignpulse/crisis-pipeline/internal/config"
	"github.com/campaignpulse/crisis-pipeline/internal/detector"
	"github.com/campaignpulse/crisis-pipeline/internal/gateway"
	"github.com/campaignpulse/crisis-pipeline/internal/lifecycle"
	"github.com/campaignpulse/crisis-pipeline/internal/monitor"
	"github.com/campaignpulse/crisis-pipeline/internal/normalizer"
	"github.com/campaignpulse/crisis-pipeline/internal/pipeline"
	"github.com/campaignpulse/crisis-pipeline/internal/storage"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	zapCfg := zap.NewProductionConfig()
	if err := zapCfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}
	return zapCfg.Build()
}

func connectNATS(logger *zap.Logger, cfg config.NATSConfig, appName string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(appName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URLs[0], opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func main() {
	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	nc, err := connectNATS(logger, cfg.NATS, cfg.App.Name)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	eventStore, err := storage.NewEventStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create event store", zap.Error(err))
	}
	alertStore, err := storage.NewAlertStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create alert store", zap.Error(err))
	}
	healthStore, err := storage.NewHealthStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create health store", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster, err := broadcast.New(logger, js)
	if err != nil {
		logger.Fatal("Failed to create broadcaster", zap.Error(err))
	}

	manager, err := lifecycle.NewManager(ctx, logger, alertStore, broadcaster)
	if err != nil {
		logger.Fatal("Failed to create lifecycle manager", zap.Error(err))
	}

	gatewayDefaults := gateway.Config{
		MaxPerSecond: cfg.Gateway.MaxPerSecond,
		MaxPerHour:   cfg.Gateway.MaxPerHour,
		BaseDelay:    cfg.Gateway.BaseDelay,
		MaxDelay:     cfg.Gateway.MaxDelay,
		MaxExponent:  cfg.Gateway.MaxExponent,
		CleanWindow:  cfg.Gateway.CleanWindow,
	}
	gw := gateway.New(logger, gatewayDefaults)
	for source, override := range cfg.Gateway.Overrides {
		sourceCfg := gatewayDefaults
		if override.MaxPerSecond > 0 {
			sourceCfg.MaxPerSecond = override.MaxPerSecond
		}
		if override.MaxPerHour > 0 {
			sourceCfg.MaxPerHour = override.MaxPerHour
		}
		gw.Configure(source, sourceCfg)
	}

	norm := normalizer.New(logger, normalizer.NewDedupCache(cfg.Dedup.MaxKeys, cfg.Dedup.TTL))

	engine := detector.New(logger, detector.Config{
		Window:            cfg.Detector.Window,
		SeverityThreshold: cfg.Detector.SeverityThreshold,
		MinConfidence:     cfg.Detector.MinConfidence,
		Cooldown:          cfg.Detector.Cooldown,
		EscalateDelta:     cfg.Detector.EscalateDelta,
		EscalateGrowth:    cfg.Detector.EscalateGrowth,
		NegativeBelow:     cfg.Detector.NegativeBelow,
		ReachScale:        cfg.Detector.ReachScale,
		VelocityScale:     cfg.Detector.VelocityScale,
		Weights: detector.Weights{
			Negativity: cfg.Detector.WeightNegativity,
			Velocity:   cfg.Detector.WeightVelocity,
			Reach:      cfg.Detector.WeightReach,
		},
	}, manager)

	mon := monitor.New(logger, cfg.Monitor.Interval, cfg.Sources,
		gw, nil, eventStore, healthStore, js)

	pipe := pipeline.New(logger, gw, norm, eventStore, engine, mon)
	for _, source := range cfg.Sources {
		var fetcher pipeline.Fetcher
		if connector, ok := cfg.Connectors[source]; ok && connector.URL != "" {
			fetcher = pipeline.NewHTTPFetcher(logger, connector.URL, connector.Headers, connector.Timeout)
		} else {
			fetcher, err = pipeline.NewNATSFetcher(js, source, 0)
			if err != nil {
				logger.Fatal("Failed to create fetcher",
					zap.String("source", source),
					zap.Error(err))
			}
		}
		pipe.RegisterFetcher(source, fetcher)
	}

	mon.SetStats(pipe)
	if err := mon.Start(ctx); err != nil {
		logger.Fatal("Failed to start health monitor", zap.Error(err))
	}
	pipe.Start(ctx)

	server := api.NewServer(logger, api.Config{
		Host:            cfg.HTTP.Host,
		Port:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, pipe, manager, alertStore, mon)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	// Daily retention sweep
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				if err := eventStore.DeleteBefore(ctx, now.Add(-cfg.Storage.EventRetention)); err != nil {
					logger.Error("Failed to prune events", zap.Error(err))
				}
				if err := healthStore.DeleteSnapshotsBefore(ctx, now.Add(-cfg.Storage.SnapshotRetention)); err != nil {
					logger.Error("Failed to prune snapshots", zap.Error(err))
				}
				if err := alertStore.ArchiveTerminalBefore(ctx, now.Add(-cfg.Storage.AlertArchiveAfter)); err != nil {
					logger.Error("Failed to archive alerts", zap.Error(err))
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	pipe.Wait()

	logger.Info("Server shutting down gracefully")
}
