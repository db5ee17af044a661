package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"parlor/internal/autoplay"
	"parlor/internal/batch"
	"parlor/internal/bus"
	"parlor/internal/config"
	"parlor/internal/game"
	"parlor/internal/gamehub"
	"parlor/internal/ledger"
	"parlor/internal/logging"
	"parlor/internal/presence"
	"parlor/internal/recovery"
	"parlor/internal/roomlock"
	"parlor/internal/session"
	"parlor/internal/settle"
	"parlor/internal/store"
	httptransport "parlor/internal/transport/http"
	"parlor/internal/ws"
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	logging.Init(cfg.Log)

	st, err := store.New(cfg.Server.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}

	ctx := context.Background()

	registry := session.NewRegistry(session.Config{
		IdleTTL:            cfg.Engine.SessionIdleTTL,
		JanitorInterval:    cfg.Engine.JanitorInterval,
		IdleWarnAfter:      cfg.Engine.IdleWarnAfter,
		AliveWarnAfter:     cfg.Engine.AliveWarnAfter,
		MaxActionHistory:   cfg.Engine.MaxActionHistory,
		MaxSnapshotHistory: cfg.Engine.MaxSnapshotHistory,
		MaxEventHistory:    cfg.Engine.MaxEventHistory,
	})
	locks := roomlock.NewManager(roomlock.Config{
		HoldTimeout:   cfg.Engine.LockHoldTimeout,
		RateWindow:    cfg.Engine.LockRateWindow,
		RateThreshold: cfg.Engine.LockRateThreshold,
	})
	led := ledger.New(st)
	settler := settle.NewEngine(st)

	recoveryMgr := recovery.NewManager(recovery.Config{
		Backoff: recovery.Backoff{
			Base:       cfg.Engine.ReconnectBaseDelay,
			Multiplier: cfg.Engine.ReconnectMultiplier,
			Max:        cfg.Engine.ReconnectMaxDelay,
		},
		MaxAttempts:        cfg.Engine.ReconnectMaxTries,
		ReconnectWindow:    cfg.Engine.ReconnectWindow,
		HeartbeatInterval:  cfg.Engine.HeartbeatInterval,
		HeartbeatMissLimit: cfg.Engine.HeartbeatMissLimit,
	}, registry, nil)
	hub := ws.NewHub(recoveryMgr)

	var broadcaster gamehub.Broadcaster = hub
	var sink batch.Sink = hub
	if cfg.Server.NATSURL != "" {
		nc, err := bus.Connect(cfg.Server.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect failed")
		}
		defer nc.Close()
		mirror := bus.New(nc, cfg.Server.NATSSubjectPrefix, hub, hub)
		broadcaster = mirror
		sink = mirror
	}

	batcher := batch.NewBatcher(batch.Config{
		Window:   cfg.Engine.BatchWindow,
		MaxBatch: cfg.Engine.BatchMax,
	}, sink)

	coordinator := gamehub.NewCoordinator(registry, locks, settler, led, st, batcher, broadcaster, hub)
	coordinator.RegisterGameType("dice_duel", game.NewDiceDuel)
	coordinator.SetAutoplay(autoplay.NewScheduler(registry, cfg.Engine.AutoplayTimeout, coordinator))
	hub.SetService(coordinator)
	recoveryMgr.SetFailureHandler(coordinator)

	reconciler := presence.NewReconciler(presence.Config{
		Interval: cfg.Engine.PresenceInterval,
		Grace:    cfg.Engine.PresenceGrace,
	}, hub, st, coordinator)
	hub.SetPresence(reconciler)
	reconciler.Start(ctx)

	recoveryMgr.StartHeartbeatSweeper(ctx)
	registry.StartJanitor(ctx)

	r := httptransport.NewRouter(st, cfg.Server, registry, settler, coordinator, hub)

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http listening")
	log.Fatal().Err(server.ListenAndServe()).Msg("server stopped")
}
