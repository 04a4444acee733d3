package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smsleopard/dispatch-engine/internal/config"
	"github.com/smsleopard/dispatch-engine/internal/controller"
	"github.com/smsleopard/dispatch-engine/internal/db"
	"github.com/smsleopard/dispatch-engine/internal/dispatch"
	"github.com/smsleopard/dispatch-engine/internal/engine"
	"github.com/smsleopard/dispatch-engine/internal/gateway"
	"github.com/smsleopard/dispatch-engine/internal/metrics"
	"github.com/smsleopard/dispatch-engine/internal/repository"
	"github.com/smsleopard/dispatch-engine/internal/store"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	conn, err := db.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres failed")
	}
	defer conn.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("ping redis failed")
	}

	var gw gateway.SendGateway
	if cfg.AMQPURL != "" {
		amqpGW, err := gateway.NewAMQPGateway(cfg.AMQPURL, "campaign_sends", cfg.Dispatch.GatewayRate)
		if err != nil {
			log.Fatal().Err(err).Msg("connect to amqp failed")
		}
		defer amqpGW.Close()
		gw = amqpGW
	} else {
		log.Warn().Msg("AMQP_URL not set, using mock gateway")
		gw = &gateway.MockGateway{FailureRate: 0.1}
	}

	contactRepo := &repository.ContactRepository{DB: conn}
	campaignRepo := &repository.CampaignRepository{DB: conn}
	work := store.NewRedisWorkStore(rdb, log)
	state := store.NewRedisStateStore(rdb)
	sink := metrics.NewAtomicSink()

	eng := engine.New(work, state, contactRepo, campaignRepo, sink, log, cfg.Dispatch)
	dispatcher := dispatch.New(work, state, contactRepo, campaignRepo, gw, sink, log, cfg.Dispatch)
	eng.AttachDispatcher(dispatcher)

	reaper := dispatch.NewReaper(
		work, sink, log,
		cfg.Dispatch.ReapInterval, cfg.Dispatch.ProcessingTimeout, cfg.Dispatch.ReapSlack,
		dispatcher.ActiveTasks,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)
	go reaper.Run(ctx)

	r := chi.NewRouter()
	dispatchController := &controller.DispatchController{Engine: eng}
	dispatchController.Routes(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("termination signal received")
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	cancel()
	dispatcher.Shutdown(cfg.Dispatch.DrainTimeout)
	log.Info().Msg("engine stopped")
}
