package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lifecycle-engine/internal/api"
	"github.com/atmx/lifecycle-engine/internal/config"
	"github.com/atmx/lifecycle-engine/internal/exchange"
	"github.com/atmx/lifecycle-engine/internal/lifecycle"
	"github.com/atmx/lifecycle-engine/internal/logging"
	"github.com/atmx/lifecycle-engine/internal/metrics"
	"github.com/atmx/lifecycle-engine/internal/model"
	"github.com/atmx/lifecycle-engine/internal/monitor"
	"github.com/atmx/lifecycle-engine/internal/sentiment"
	"github.com/atmx/lifecycle-engine/internal/store"
)

// services is the explicit registry of long-lived components.
type services struct {
	store   store.Store
	gate    *sentiment.Gate
	paper   *exchange.Paper
	engine  *lifecycle.Engine
	monitor *monitor.Monitor
	hub     *api.WSHub
	limiter *api.UserLimiter
	cleanup []func()
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Build(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() {
		for _, fn := range svc.cleanup {
			fn()
		}
	}()

	if err := restorePaperOrders(ctx, svc.store, svc.paper); err != nil {
		logger.Fatal("restoring paper orders failed", zap.Error(err))
	}

	// --- Background loops ---
	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		svc.hub.Run,
		svc.gate.Run,
		svc.engine.Run,
		svc.monitor.Run,
		func(ctx context.Context) { svc.limiter.Run(ctx, 10*time.Minute) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(api.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		reading, zone := svc.gate.Current()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"lifecycle-engine","sentiment_zone":%q,"sentiment_degraded":%t}`,
			zone, reading.Degraded)
	})
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(api.Deps{
		Engine:    svc.engine,
		Store:     svc.store,
		Sentiment: svc.gate,
		Prices:    svc.paper,
		Limiter:   svc.limiter,
		Logger:    logger.Named("api"),
	})
	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket stream is long-lived and must not inherit the request timeout.
		r.Get("/ws", svc.hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("lifecycle-engine listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down lifecycle-engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("lifecycle-engine stopped")
}

// build constructs every service from configuration.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*services, error) {
	svc := &services{}

	// --- Store ---
	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection: %w", err)
		}
		svc.cleanup = append(svc.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		svc.store = pg
		logger.Info("connected to PostgreSQL")

		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			svc.cleanup = append(svc.cleanup, func() { rdb.Close() })
			svc.store = store.NewCachedStore(pg, rdb, cfg.Store.CacheTTL)
			logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.Store.CacheTTL))
		}
	} else {
		logger.Warn("no database configured, using in-memory store (data will not persist)")
		svc.store = store.NewMemoryStore()
	}

	// --- Sentiment ---
	var src sentiment.Source
	if cfg.Sentiment.URL != "" {
		src = sentiment.NewHTTPSource(cfg.Sentiment.URL, &http.Client{Timeout: cfg.Sentiment.FetchTimeout})
	} else {
		logger.Warn("no sentiment url configured, using static score", zap.Int("score", cfg.Sentiment.StaticScore))
		src = sentiment.NewStaticSource(cfg.Sentiment.StaticScore)
	}
	svc.gate = sentiment.NewGate(src, cfg.SentimentSettings(), logger.Named("sentiment"))

	// --- Venue, lifecycle, monitor ---
	svc.paper = exchange.NewPaper(decimal.NewFromFloat(cfg.Exchange.PaperFeeRate))
	svc.engine = lifecycle.NewEngine(svc.store, svc.paper, svc.gate, cfg.Engine(), logger.Named("lifecycle"))
	svc.monitor = monitor.New(svc.store, svc.paper, svc.engine, cfg.MonitorSettings(), logger.Named("monitor"))

	// --- Event stream and ingress limits ---
	svc.hub = api.NewWSHub(logger.Named("ws"))
	svc.engine.SetNotifier(svc.hub)
	svc.limiter = api.NewUserLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst)

	return svc, nil
}

// restorePaperOrders re-registers every unsettled position with the paper
// venue, whose order book does not survive a restart.
func restorePaperOrders(ctx context.Context, st store.Store, paper *exchange.Paper) error {
	open, err := st.ListPositionsByState(ctx, model.StateOpened, model.StateMonitoring, model.StateClosing)
	if err != nil {
		return err
	}
	for _, p := range open {
		paper.Restore(lifecycle.OrderSpec{
			PositionID: p.ID,
			UserID:     p.UserID,
			Symbol:     p.Symbol,
			Direction:  p.Direction,
			Quantity:   p.Quantity,
			Price:      p.EntryPrice,
			Leverage:   p.Leverage,
			TakeProfit: p.TakeProfit.Decimal,
			StopLoss:   p.StopLoss.Decimal,
			Venue:      paper.Name(),
		})
	}
	return nil
}
