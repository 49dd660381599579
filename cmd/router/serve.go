package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"sbc-router/internal/audit"
	"sbc-router/internal/auth"
	"sbc-router/internal/billing"
	"sbc-router/internal/calls"
	"sbc-router/internal/config"
	"sbc-router/internal/httpapi"
	"sbc-router/internal/metrics"
	"sbc-router/internal/profiles"
	"sbc-router/internal/resources"
	"sbc-router/internal/routing"
	"sbc-router/internal/telephony"
	"sbc-router/pkg/logger"
	"sbc-router/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errNoTransport = errors.New("no session transport attached")

// unattachedDialer refuses every outbound leg until a session transport
// registers a real Dialer with the service.
type unattachedDialer struct{}

func (unattachedDialer) Dial(context.Context, profiles.Profile, profiles.Request, telephony.EventSink) (telephony.Leg, error) {
	return nil, errNoTransport
}

func runServe(ctx context.Context, c *cli.Command) error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if f := c.String("codes-file"); f != "" {
		cfg.Routing.CodesFile = f
	}

	log := logger.New(cfg.App.Env, cfg.App.NodeID)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	codes, err := routing.LoadTranslator(cfg.Routing.CodesFile)
	if err != nil {
		return fmt.Errorf("codes file: %w", err)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth init failed: %w", err)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	defer db.Close()

	// The store reconnects on its own; the process starts even if Redis is down.
	wdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisWriteAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Lazy:     true,
	})
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	defer wdb.Close()

	var rdb redis.UniversalClient
	if addr := cfg.RedisReadAddr(); addr != "" {
		r, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Lazy:     true,
		})
		if err != nil {
			return fmt.Errorf("redis read init failed: %w", err)
		}
		defer r.Close()
		rdb = r
	}

	store := resources.NewStore(
		resources.NewRedisBackend(wdb, rdb, cfg.App.NodeID),
		resources.StoreConfig{
			QueueLimit:        cfg.Resources.QueueLimit,
			OpTimeout:         cfg.Resources.OpTimeout,
			ReconnectInterval: cfg.Resources.ReconnectInterval,
			HealthInterval:    cfg.Resources.HealthInterval,
		},
		log,
	)

	recorder := metrics.NewRecorder()
	admission := resources.NewController(store, cfg.Resources.AdmissionTimeout, recorder, log)
	registry := calls.NewRegistry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := recorder.Register(reg, metrics.NewCollector(store, registry, admission, time.Now())); err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}

	source, err := profiles.NewSQLSource(db, cfg.DB.RoutingSchema, cfg.DB.RoutingFunction, cfg.DB.LookupTimeout)
	if err != nil {
		return fmt.Errorf("profile source init failed: %w", err)
	}
	cdrRepo, err := billing.NewPostgresRepo(db, cfg.DB.CDRTable)
	if err != nil {
		return fmt.Errorf("cdr repo init failed: %w", err)
	}

	engine := routing.NewEngine(admission, codes, recorder, log)
	svc := telephony.NewService(engine, source, unattachedDialer{}, calls.Deps{
		Admission: admission,
		Billing:   billing.NewService(cdrRepo),
		Registry:  registry,
		Log:       log,
	}, log)

	limiter := httpapi.NewIPRateLimiter(httpapi.RateLimitConfig{
		Rate:  rate.Limit(cfg.RateLimit.RPS),
		Burst: cfg.RateLimit.Burst,
	})
	defer limiter.Stop()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	httpapi.RegisterRoutes(r, httpapi.Handlers{
		Calls:     registry,
		Resources: admission,
		Store:     store,
		Postgres:  utils.Pinger(db, 2*time.Second),
		Audit:     audit.NewService(audit.NewPostgresRepo(db)),
	}, httpapi.RouteDeps{
		Auth:    auth.RequireAccessToken(authManager),
		Limiter: limiter,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// The store outlives rootCtx so live calls can release during shutdown.
	storeCtx, stopStore := context.WithCancel(context.Background())
	defer stopStore()

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return store.Run(storeCtx)
	})
	g.Go(func() error {
		log.Info("router listening", "addr", srv.Addr, "env", cfg.App.Env, "node", cfg.App.NodeID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
		defer cancel()

		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Error("call shutdown incomplete", "err", err, "active", svc.Active())
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		stopStore()
		log.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
