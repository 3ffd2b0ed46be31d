package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"watchsync/internal/config"
	"watchsync/internal/connection"
	"watchsync/internal/metrics"
	"watchsync/internal/playback"
	"watchsync/internal/relay"
	"watchsync/internal/room"
	"watchsync/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogger(cfg)

	clock := clockwork.NewRealClock()
	met := metrics.New()

	store := playback.NewStore(clock)
	registry := room.NewRegistry(store)

	manager := connection.NewManager(clock, connection.Config{
		LivenessTimeout: cfg.LivenessTimeout,
		GraceWindow:     cfg.GraceWindow,
		SweepInterval:   cfg.SweepInterval,
	})

	wsConfig := ws.DefaultConfig()
	wsConfig.SendBufferSize = cfg.SendBufferSize
	wsConfig.MaxMessageSize = cfg.MaxMessageSize
	hub := ws.NewHub(wsConfig, manager)

	rel := relay.New(clock, manager, registry, store, hub, met)
	hub.SetRelay(rel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go manager.Run(ctx)

	r := chi.NewRouter()
	r.Get("/ws", hub.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			rooms, _ := registry.Counts()
			met.SetActiveRooms(rooms)
			met.SetActiveConnections(manager.Len())
		}).ServeHTTP(w, req)
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		rooms, members := registry.Counts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"connections": manager.Len(),
			"sockets":     hub.ClientCount(),
			"rooms":       rooms,
			"members":     members,
		})
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: c.Handler(r),
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("watchsync listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
