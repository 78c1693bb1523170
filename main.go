package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	flag.String("serial-ports", "", "Comma-separated serial ports to manage (overrides scanning)")
	flag.String("port-globs", "/dev/ttyUSB*,/dev/ttyACM*", "Comma-separated device patterns to scan for modems")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.Int("max-modems", 80, "Maximum number of managed modems")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.String("mqtt-broker", "", "MQTT broker URL for event publishing (empty disables MQTT)")
	flag.String("mqtt-client-id", "modemctl", "MQTT client ID")
	flag.String("mqtt-user", "", "MQTT username")
	flag.String("mqtt-pass", "", "MQTT password")
	flag.String("mqtt-prefix", "modemctl", "MQTT topic prefix for published events")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	publisher := NewPublisher(ctx, config, logger)
	fleet := NewFleet(config, logger, publisher)

	started := fleet.Start(ctx)
	if started == 0 {
		logger.Error("No modems came up, exiting")
		os.Exit(1)
	}
	logger.Info("Fleet started", "modems", started)

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.With("component", "server"),
			Fleet:  fleet,
		},
	}

	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}
