// Command discovery runs the fleet's discovery process: it mirrors every
// room server's ping/rs.event traffic into an in-memory, eventually
// consistent view of the fleet and serves it on the admin /fleet snapshot
// endpoint, per spec §4.3. The binary exposes no token-issuing endpoint;
// join tokens are minted through Discovery.GenerateToken by code that
// embeds the discovery package. Grounded on the same cmd/server/main.go
// shape as cmd/roomserver.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"go.roomfleet.dev/fleet/internal/api"
	"go.roomfleet.dev/fleet/internal/bus"
	"go.roomfleet.dev/fleet/internal/discovery"
	"go.roomfleet.dev/fleet/internal/fleetconfig"
	"go.roomfleet.dev/fleet/internal/history"
	"go.roomfleet.dev/fleet/internal/logging"
	"go.roomfleet.dev/fleet/internal/token"
)

func levelFromString(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cfg, err := fleetconfig.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.LoggerOptions{
		Development: cfg.Environment == "development",
		Level:       levelFromString(cfg.Logging.Level),
		OutputPaths: cfg.Logging.OutputPaths,
	})
	logger.Info("starting discovery", "environment", cfg.Environment)

	redisBus, err := bus.NewRedisBus(cfg, logger)
	if err != nil {
		logger.Fatal("discovery requires a working bus connection", err)
	}
	defer redisBus.Close()

	var recorder *history.Recorder
	if cfg.History.Enabled {
		store, disconnect, err := history.Connect(ctx, cfg)
		if err != nil {
			logger.Warn("failed to connect to history store, continuing without it", "error", err.Error())
		} else {
			defer disconnect(context.Background())
			recorder = history.NewRecorder(store, logger, cfg.History.Timeout, 0)
			defer recorder.Close()
		}
	}

	tokens := token.NewProvider(cfg.Token.Secret, cfg.Token.Issuer)

	d := discovery.New(discovery.Options{
		ServerTimeout: cfg.Discovery.ServerTimeout,
	}, tokens, redisBus, logger, recorder)
	defer d.Stop()

	adminRouter := api.NewRouter(api.Options{Logger: logger, Discovery: d})
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort)
	adminServer := &http.Server{
		Addr:         adminAddr,
		Handler:      adminRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("serving admin HTTP", "address", adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin server error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down discovery")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", err)
	}

	logger.Sync()
}
