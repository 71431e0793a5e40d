package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vovarama1992/livedesk/internal/ai"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/call"
	"github.com/Vovarama1992/livedesk/internal/chat"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/config"
	"github.com/Vovarama1992/livedesk/internal/desk"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/logging"
	"github.com/Vovarama1992/livedesk/internal/metrics"
	"github.com/Vovarama1992/livedesk/internal/postgres"
	"github.com/Vovarama1992/livedesk/internal/presence"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

type stores struct {
	presence presence.Repo
	modes    workmode.Repo
	chat     chat.Repo
	calls    call.Repo
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- storage ---
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		st = postgresStores(db)
	} else {
		logger.Warn("DATABASE_URL is not set, state is kept in memory")
		st = stores{
			presence: presence.NewMemoryRepo(),
			modes:    workmode.NewMemoryRepo(),
			chat:     chat.NewMemoryRepo(),
			calls:    call.NewMemoryRepo(),
		}
	}

	// --- metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- events ---
	bus := events.NewBus()
	bus.Subscribe(func(_ context.Context, e events.Event) {
		logger.Debug("event", zap.String("type", string(e.Type)), zap.String("subject", e.Subject))
	})
	var sink *events.WebhookSink
	if cfg.EventsWebhookURL != "" {
		sink = events.NewWebhookSink(cfg.EventsWebhookURL, cfg.EventsWebhookSecret, logger)
		bus.Subscribe(sink.Publish)
	}

	// --- engines ---
	clk := clock.Real()
	checker := auth.DefaultChecker()

	pres := presence.NewService(st.presence, clk, bus, checker, logger)
	sweeper := presence.NewSweeper(st.presence, clk, bus, checker, m, logger, presence.SweeperConfig{
		Interval:   cfg.PresenceSweepInterval,
		Routine:    cfg.PresenceRoutineThreshold,
		Aggressive: cfg.PresenceAggressiveThreshold,
	})
	modes := workmode.NewService(st.modes, st.chat, clk, bus, checker, m, logger, cfg.DefaultMaxConcurrentSessions)
	chatEngine := chat.NewEngine(st.chat, pres, modes, clk, bus, checker, m, logger, chat.Config{
		MaxQueueTime:              cfg.MaxQueueTime,
		EscalateUnassigned:        cfg.EscalateUnassignedChats,
		HardTimeout:               cfg.QueueHardTimeout,
		CheckInterval:             cfg.QueueCheckInterval,
		GuestTimeout:              cfg.GuestTimeout,
		ReassignOnStaffDisconnect: cfg.ReassignOnStaffDisconnect,
		RecoveryWindow:            cfg.RecoveryWindow,
		RecoveryBoostTTL:          cfg.RecoveryBoostTTL,
	})
	if cfg.OpenAIKey != "" {
		chatEngine.WithSummarizer(ai.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel, logger))
	}
	calls := call.NewEngine(st.calls, pres, clk, bus, checker, m, logger, cfg.CallRingTimeout)

	svc := desk.NewService(pres, sweeper, modes, chatEngine, calls, checker, logger)

	// --- router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-User-Permissions"},
	}))

	desk.RegisterRoutes(r, desk.NewHandler(svc, logger))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return chatEngine.Run(gctx) })
	g.Go(func() error { return calls.Run(gctx) })
	if sink != nil {
		g.Go(func() error { return sink.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("stopped")
}

func postgresStores(db *sql.DB) stores {
	return stores{
		presence: presence.NewRepo(db),
		modes:    workmode.NewRepo(db),
		chat:     chat.NewRepo(db),
		calls:    call.NewRepo(db),
	}
}
