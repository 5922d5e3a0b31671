package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BitAdventure/drawing-webrtc-sub000/internal/auth"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/config"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/game"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/join"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/logging"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/presence"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/server"
	sig "github.com/BitAdventure/drawing-webrtc-sub000/internal/signal"
	"github.com/BitAdventure/drawing-webrtc-sub000/internal/storage"
)

func main() {
	log := logging.New()

	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := storage.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer pool.Close()

	if err := storage.Migrate(pool); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}
	store := storage.New(pool, log)

	nc, err := nats.Connect(cfg.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("nats")
	}
	defer nc.Drain() //nolint:errcheck

	pres, err := presence.NewRegistry(nc, cfg.PresenceTTL(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("presence bucket")
	}

	relay := sig.NewRelay(pres, sig.NewBuffer(store, cfg.PendingSignalTTL, log), nc, cfg.IceRetryLimit, log)

	sched := game.NewScheduler(log)
	games := game.NewRegistry(game.Timings{
		WordChoiceWindow:   cfg.WordChoiceWindow,
		WordChoiceGrace:    cfg.WordChoiceGrace,
		HintInterval:       cfg.HintInterval,
		ResultDisplayDelay: cfg.ResultDisplayDelay,
		DefaultDrawTime:    cfg.DefaultDrawTime,
	}, relay, store, store, store, store, sched, log)

	orch := join.NewOrchestrator(relay, relay, relay, games, cfg.JoinRetryLimit, cfg.JoinBackoffBase, log)

	srv := server.New(cfg, auth.NewVerifier(cfg.JWTSecret), pres, relay, orch, games, nc, log)
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
	log.Info().Msg("shutdown complete")

	os.Exit(0)
}
