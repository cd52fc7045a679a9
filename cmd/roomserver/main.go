// Command roomserver runs a single fleet room-server process: it accepts
// WebSocket connections on its own listen address and mirrors room/client
// lifecycle onto the shared bus for discovery to pick up, per spec §4.2.
// Grounded on the teacher's cmd/server/main.go shape: load config, build a
// logger, connect dependencies, build components, start HTTP servers,
// wait on a shutdown signal, shut everything down gracefully.
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
	"go.roomfleet.dev/fleet/internal/fleetconfig"
	"go.roomfleet.dev/fleet/internal/history"
	"go.roomfleet.dev/fleet/internal/logging"
	"go.roomfleet.dev/fleet/internal/roomserver"
	"go.roomfleet.dev/fleet/internal/token"
	"go.roomfleet.dev/fleet/pkg/transport"

	"github.com/gorilla/websocket"
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
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
	if err := fleetconfig.ValidateRoomServer(cfg); err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.LoggerOptions{
		Development: cfg.Environment == "development",
		Level:       levelFromString(cfg.Logging.Level),
		OutputPaths: cfg.Logging.OutputPaths,
	})
	logger.Info("starting room server", "environment", cfg.Environment, "publicUrl", cfg.RoomServer.PublicURL)

	redisBus, err := bus.NewRedisBus(cfg, logger)
	if err != nil {
		logger.Warn("failed to connect to bus, running local-only", "error", err.Error())
	}
	var busClient bus.Bus
	if redisBus != nil {
		busClient = redisBus
		defer redisBus.Close()
	}

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

	rs := roomserver.New(roomserver.Options{
		PublicURL:   cfg.RoomServer.PublicURL,
		SyncRooms:   cfg.RoomServer.SyncRooms,
		SyncClients: cfg.RoomServer.SyncClients,
		DefaultRoomOptions: roomserver.RoomOptions{
			PingInterval:     cfg.RoomServer.DefaultPingInterval,
			MissedPingsLimit: cfg.RoomServer.DefaultMissedPingsLimit,
			KeepAlive:        cfg.RoomServer.DefaultKeepAlive,
		},
	}, tokens, busClient, logger, recorder)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "error", err.Error())
			return
		}
		go rs.Accept(transport.NewConnection(conn))
	})
	wsServer := &http.Server{
		Addr:         cfg.RoomServer.ListenAddr,
		Handler:      wsMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	adminRouter := api.NewRouter(api.Options{Logger: logger})
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort)
	adminServer := &http.Server{
		Addr:         adminAddr,
		Handler:      adminRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("accepting WebSocket connections", "address", cfg.RoomServer.ListenAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("websocket server error", err)
		}
	}()

	go func() {
		logger.Info("serving admin HTTP", "address", adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin server error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down room server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket server shutdown error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", err)
	}
	if err := rs.Shutdown(shutdownCtx); err != nil {
		logger.Error("room server shutdown error", err)
	}

	logger.Sync()
}
