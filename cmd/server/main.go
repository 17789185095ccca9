package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chatrelay/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	setupLogger()

	cfg := server.NewConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := server.NewHub()
	go hub.Run()

	var bus *server.RoomBus
	if cfg.BridgeEnabled() {
		var err error
		bus, err = server.NewRoomBus(ctx, cfg.Redis, hub)
		if err != nil {
			slog.Error("room bridge unavailable", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		go bus.Run(ctx)
		defer bus.Close()
	}

	dispatcher := server.NewDispatcher(hub, bus)
	mux := server.SetupRoutes(cfg, hub, dispatcher)
	httpServer := server.CreateServer(cfg.Addr(), mux)

	go func() {
		if err := server.StartServer(httpServer); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		slog.Error("hub shutdown error", "error", err)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
