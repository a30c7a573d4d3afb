package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"marketplace/pkg/audit"
	"marketplace/pkg/auth"
	"marketplace/pkg/events"
	"marketplace/pkg/httpx"
	"marketplace/pkg/idempotency"
	"marketplace/pkg/metrics"
	"marketplace/pkg/orders"
	"marketplace/pkg/ratelimit"
	"marketplace/pkg/store"
	"marketplace/pkg/stream"
	"marketplace/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

// Testable hooks.
var (
	initTelemetryFn = telemetry.Init
	newRedisFn      = func(ctx context.Context, opts store.RedisOptions) (redis.UniversalClient, error) {
		return store.NewRedis(ctx, opts)
	}
	openRepositoryFn = openRepository
)

func newServeCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the order API behind the idempotency middleware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, baseLogger.With("svc", "serve"))
		},
	}
	registerServeFlags(cmd.Flags())
	bindFlags(v, cmd.Flags())
	return cmd
}

type application struct {
	handler      http.Handler
	reservations store.Reservations
	redis        redis.UniversalClient
	idempotency  idempotency.Config
	closers      []func() error
}

func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApplication(ctx context.Context, cfg serveConfig, logger pslog.Logger) (*application, error) {
	app := &application{}
	built := false
	defer func() {
		if !built {
			_ = app.Close()
		}
	}()

	reservations, err := openReservations(ctx, cfg, logger, app)
	if err != nil {
		return nil, err
	}
	app.reservations = reservations

	routes, err := loadRoutes(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}

	repo, trail, closeRepo, err := openRepositoryFn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeRepo != nil {
		app.closers = append(app.closers, func() error { closeRepo(); return nil })
	}

	hub := stream.NewHub()
	app.closers = append(app.closers, hub.Close)
	publisher := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, err
		}
		publisher = append(publisher, kp)
		app.closers = append(app.closers, kp.Close)
		logger.Info("events.kafka.enabled", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaTopic)
	}

	reg := metrics.NewRegistry()
	mw, err := idempotency.New(reservations, routes, cfg.Idempotency,
		idempotency.WithLogger(logger.With("component", "idempotency")),
		idempotency.WithObserver(reg),
		idempotency.WithActorFunc(auth.Actor),
	)
	if err != nil {
		return nil, err
	}
	app.idempotency = mw.Config()
	authMw, err := auth.Middleware(cfg.AuthMode, cfg.AuthSecret,
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAudience(cfg.AuthAudience),
	)
	if err != nil {
		return nil, err
	}
	svc := orders.NewService(repo,
		orders.WithPublisher(publisher),
		orders.WithAudit(trail),
		orders.WithLogger(logger.With("component", "orders")),
		orders.WithKeyHeader(cfg.Idempotency.KeyHeader),
	)

	limiter := newLimiter(cfg, app.redis, logger)

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("marketplace"))
	r.Use(reg.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "marketplace"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), app.idempotency.StoreTimeout)
		defer cancel()
		if err := reservations.Ping(ctx); err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "reservation store unavailable")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", reg.Handler())

	mountAPI := func(api chi.Router) {
		api.Use(authMw)
		if limiter != nil {
			// Outside the idempotency layer so a 429 is never recorded.
			api.Use(ratelimit.Middleware(limiter, cfg.RateLimit, ratelimit.ActorOrIP(auth.Actor), countsTowardLimit))
		}
		api.Use(mw.Handler)
		api.Get("/events", hub.Handler(auth.Actor, stream.OriginPatterns(cfg.CORSAllowedOrigins)))
		svc.Mount(api)
	}
	if prefix := strings.TrimRight(cfg.Idempotency.ContextPrefix, "/"); prefix != "" {
		r.Route(prefix, mountAPI)
	} else {
		r.Group(mountAPI)
	}
	app.handler = r
	built = true
	return app, nil
}

func openReservations(ctx context.Context, cfg serveConfig, logger pslog.Logger, app *application) (store.Reservations, error) {
	if cfg.Store == storeMemory {
		logger.Warn("idempotency.store.memory", "reason", "configured", "replicas", "single process only")
		return store.NewReservations(ctx, nil, true)
	}
	client, err := newRedisFn(ctx, cfg.Redis)
	if err != nil {
		if !cfg.AllowMemoryStore {
			return nil, err
		}
		logger.Warn("idempotency.store.memory", "reason", "redis unreachable", "error", err)
		return store.NewReservations(ctx, nil, true)
	}
	app.closers = append(app.closers, client.Close)
	reservations, err := store.NewReservations(ctx, client, false)
	if err != nil {
		if !cfg.AllowMemoryStore {
			return nil, err
		}
		logger.Warn("idempotency.store.memory", "reason", "redis ping failed", "error", err)
		return store.NewReservations(ctx, nil, true)
	}
	app.redis = client
	return reservations, nil
}

func countsTowardLimit(method string) bool {
	return idempotency.MutatingMethods.Protects(method, "")
}

func newLimiter(cfg serveConfig, client redis.UniversalClient, logger pslog.Logger) ratelimit.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	if client == nil {
		logger.Info("ratelimit.enabled", "backend", "memory", "limit", cfg.RateLimit, "window", cfg.RateLimitWindow.String())
		return ratelimit.NewInMemory(cfg.RateLimitWindow)
	}
	rl := ratelimit.NewRedis(client, cfg.RateLimitWindow)
	rl.Logger = logger.With("component", "ratelimit")
	logger.Info("ratelimit.enabled", "backend", "redis", "limit", cfg.RateLimit, "window", cfg.RateLimitWindow.String())
	return rl
}

func openRepository(ctx context.Context, cfg serveConfig) (orders.Repository, audit.Sink, func(), error) {
	salt := []byte(cfg.AuditHashSalt)
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		trail := audit.NewMemory()
		trail.Redact = cfg.AuditRedact
		trail.HashSalt = salt
		return orders.NewMemoryRepository(), trail, nil, nil
	}
	pool, err := store.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, nil, err
	}
	repo := orders.NewPostgresRepository(pool)
	writer := &audit.Writer{DB: pool, HashSalt: salt, Redact: cfg.AuditRedact}
	for _, ensure := range []func(context.Context) error{repo.EnsureSchema, writer.EnsureSchema} {
		if err := ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
	}
	return repo, writer, pool.Close, nil
}

func runServe(ctx context.Context, cfg serveConfig, logger pslog.Logger) error {
	shutdownTelemetry, err := initTelemetryFn(ctx, "marketplace", version, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("serve.close_failed", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	server := &http.Server{
		Handler:           app.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	logger.Info("serve.listening",
		"addr", ln.Addr().String(),
		"store", cfg.Store,
		"idempotency", app.idempotency.Enabled,
		"max_request", humanizeBytes(app.idempotency.MaxRequestBytes),
		"max_response", humanizeBytes(app.idempotency.MaxResponseBytes),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Info("serve.shutdown", "timeout", timeout.String())
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
