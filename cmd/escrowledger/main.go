package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"EscrowLedger/internal/config"
	"EscrowLedger/internal/engine"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("ESCROW_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level, parseErr := zerolog.ParseLevel(cfg.Log.Level)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	log := observability.NewLoggerWithLevel("escrowledger", level)
	log.Info().Msg("EscrowLedger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, observability.NewLoggerWithLevel("migrator", level))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Recovery: rebuild the store from the durable accounts table ---
	store := engine.NewStore()
	recovery, err := persistence.Recover(ctx, db, store, cfg.Engine.DedupLRUCapacity)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}
	if recovery.ColdStart {
		log.Info().Msg("cold start: empty op log")
	} else {
		log.Info().
			Int("accounts", recovery.Accounts).
			Int64("next_sequence", recovery.NextSequence).
			Msg("recovered from durable store")
	}

	// --- Channels: persist blocks (backpressure), projection drops ---
	persistCh := make(chan engine.Output, cfg.Engine.PersistChanSize)
	projCh := make(chan engine.Output, cfg.Engine.ProjectionChanSize)

	// --- Engine ---
	eng := engine.NewEngine(
		engine.Config{
			SettleChunkSize:        cfg.Engine.SettleChunkSize,
			ConservationCheckEvery: cfg.Engine.ConservationCheckEvery,
			DedupLRUCapacity:       cfg.Engine.DedupLRUCapacity,
		},
		store,
		observability.NewLoggerWithLevel("engine", level),
		metrics,
		persistence.NewPostgresIdempotencyChecker(db),
		persistCh,
		projCh,
	)
	if !recovery.ColdStart {
		eng.Resume(recovery.NextSequence, recovery.PrevHash)
		eng.WarmIdempotency(recovery.WarmKeys)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLoggerWithLevel("nats", level))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure inbound stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLoggerWithLevel("subscriber", level))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	orchestrator := ingestion.NewOrchestrator(eng, rawChan, observability.NewLoggerWithLevel("orchestrator", level))

	// --- Projection fan-out: worker (blocking) + outbound publisher (drop) ---
	projWorkerChan := make(chan engine.Output, cfg.Engine.ProjectionChanSize)
	publishChan := make(chan engine.Output, cfg.Engine.ProjectionChanSize)
	go func() {
		defer close(projWorkerChan)
		defer close(publishChan)
		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-projCh:
				if !ok {
					return
				}
				select {
				case projWorkerChan <- out:
				case <-ctx.Done():
					return
				}
				select {
				case publishChan <- out:
				default:
					// Outbound publishing is best-effort.
				}
			}
		}
	}()

	// --- Redis odds cache + query service ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer rdb.Close()
	oddsCache := query.NewOddsCache(rdb, cfg.OddsTTL(), metrics)
	queries := query.NewService(db, oddsCache)

	// --- HTTP server ---
	httpServer := server.NewServer(cfg.HTTP.Addr, server.Deps{
		Submitter:      orchestrator,
		Queries:        queries,
		Health:         healthChecker,
		Metrics:        metrics,
		Log:            observability.NewLoggerWithLevel("http", level),
		RateLimitRPS:   cfg.HTTP.RateLimit,
		RateLimitBurst: cfg.HTTP.RateBurst,
	})

	// --- Workers ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewWorker(db, persistCh, cfg.Persist.BatchSize, cfg.FlushTimeout(),
		metrics, observability.NewLoggerWithLevel("persist", level))
	go func() { errChan <- persistWorker.Run(ctx) }()

	projWorker := projection.NewWorker(db, projWorkerChan, observability.NewLoggerWithLevel("projection", level))
	go func() { errChan <- projWorker.Run(ctx) }()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLoggerWithLevel("publisher", level))
	go func() { errChan <- publisher.Run(ctx) }()

	go func() { errChan <- orchestrator.Run(ctx) }()

	go func() { errChan <- httpServer.Start(ctx) }()

	// Channel depth gauges.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistCh), cap(persistCh))
				metrics.SetChannelMetrics("projection", len(projCh), cap(projCh))
				metrics.SetChannelMetrics("raw_events", len(rawChan), cap(rawChan))
			}
		}
	}()

	// Prometheus metrics listener with the probes.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		metricsServer := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.HTTP.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", eng.Sequence()).
		Str("http", cfg.HTTP.Addr).
		Str("metrics", cfg.HTTP.MetricsAddr).
		Msg("EscrowLedger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()
	subscriber.Stop()

	// The persist worker flushes its final batch on cancellation; give it
	// time before the process exits.
	time.Sleep(2 * time.Second)
	log.Info().Msg("EscrowLedger shutdown complete")
}
