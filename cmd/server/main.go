package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wangfeng1004/Cumulus/internal/banlist"
	"github.com/wangfeng1004/Cumulus/internal/config"
	"github.com/wangfeng1004/Cumulus/internal/counter"
	"github.com/wangfeng1004/Cumulus/internal/metrics"
	"github.com/wangfeng1004/Cumulus/internal/server"
	"github.com/wangfeng1004/Cumulus/internal/session"
	"github.com/wangfeng1004/Cumulus/internal/stats"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "cumulus"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (build time: %s)\n", serviceName, serviceVersion, stats.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("build_time", stats.BuildTime),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("workers", cfg.Server.Workers),
		slog.Int("queue_size", cfg.Server.QueueSize),
		slog.Bool("control_enabled", cfg.Control.Enabled),
		slog.Int("control_port", cfg.Control.Port),
		slog.Int("banned_hosts", len(cfg.Banlist.Hosts)),
		slog.Bool("flood_guard", cfg.Banlist.Flood.Enabled),
		slog.Duration("rotation_interval", cfg.Stats.GetRotationInterval()),
		slog.Bool("mqtt_enabled", cfg.Stats.MQTT.Enabled),
		slog.String("counter_backend", counter.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := stats.NewRegistry(logger, cfg.Stats.GetRotationInterval())

	var publisher *stats.Publisher
	if mc := cfg.Stats.MQTT; mc.Enabled {
		publisher = stats.NewPublisher(stats.PublisherConfig{
			Broker:      mc.Broker,
			ClientID:    mc.ClientID,
			TopicPrefix: mc.TopicPrefix,
			Username:    mc.Username,
			Password:    mc.Password,
			QoS:         byte(mc.QoS),
			Logger:      logger,
		})
		connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
		err := publisher.Connect(connectCtx)
		connectCancel()
		if err != nil {
			// the client keeps retrying in the background
			logger.Warn("MQTT broker not reachable yet", slog.String("error", err.Error()))
		}
		publisher.Attach(registry)
		logger.Info("Stats publisher initialized", slog.String("topic", publisher.Topic()))
	}

	rates, err := cfg.Banlist.Flood.GetRates()
	if err != nil {
		logger.Error("Invalid flood rates", slog.String("error", err.Error()))
		os.Exit(1)
	}
	bans, err := banlist.New(cfg.Banlist.Hosts, banlist.FloodConfig{
		Enabled:     cfg.Banlist.Flood.Enabled,
		Rates:       rates,
		BanDuration: cfg.Banlist.Flood.GetBanDuration(),
	}, logger)
	if err != nil {
		logger.Error("Failed to create ban list", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessions := session.NewManager(logger, session.Config{
		KeepAlivePeer:   cfg.Server.GetKeepAlivePeerDuration(),
		KeepAliveServer: cfg.Server.GetKeepAliveServerDuration(),
		Timeout:         cfg.Server.GetSessionTimeoutDuration(),
	}, registry)
	logger.Info("Session manager initialized",
		slog.Duration("keep_alive_peer", cfg.Server.GetKeepAlivePeerDuration()),
		slog.Duration("keep_alive_server", cfg.Server.GetKeepAliveServerDuration()),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	prometheus.MustRegister(metrics.NewStatsCollector(registry))
	logger.Info("Prometheus metrics initialized")

	rtmfpServer, err := server.NewServer(cfg, server.Deps{
		Logger:   logger,
		Registry: registry,
		Sessions: sessions,
		Bans:     bans,
		Metrics:  appMetrics,
	})
	if err != nil {
		logger.Error("Failed to create RTMFP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, rtmfpServer, sessions, appMetrics, prometheus.DefaultGatherer)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := rtmfpServer.Start(); err != nil {
		logger.Error("Failed to start RTMFP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.Int("udp_port", rtmfpServer.Port()),
		slog.Int("control_port", rtmfpServer.ControlPort()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := rtmfpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping RTMFP server", slog.String("error", err.Error()))
	}

	sessions.Stop()

	if publisher != nil {
		publisher.Close()
	}

	st := rtmfpServer.Statistics()
	logger.Info("Final server statistics",
		slog.Int64("datagrams_received", st.DatagramsReceived),
		slog.Int64("queue_full", st.QueueFull),
		slog.Int64("send_failures", st.SendFailures),
		slog.Int64("peak_sessions", st.PeakSessions),
		slog.Int64("recv_packets", st.Cumulative.RecvPackets+st.Current.RecvPackets),
		slog.Int64("rotations", st.Rotations),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
