package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirsub/internal/config"
	"github.com/ehr/fhirsub/internal/domain/resource"
	"github.com/ehr/fhirsub/internal/domain/subscription"
	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/db"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/middleware"
	"github.com/ehr/fhirsub/internal/platform/telemetry"
	"github.com/ehr/fhirsub/internal/platform/webhook"
	"github.com/ehr/fhirsub/internal/platform/websocket"
)

const (
	serverVersion       = "1.0.0"
	deliveryLogPerSub   = 100
	shutdownGracePeriod = 10 * time.Second
)

// store holds the repositories of the configured backend.
type store struct {
	pool          *pgxpool.Pool
	subscriptions subscription.SubscriptionRepository
	resources     resource.Repository
}

func (s *store) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		return &store{
			subscriptions: subscription.NewSubscriptionRepoMemory(),
			resources:     resource.NewRepoMemory(),
		}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return &store{
		pool:          pool,
		subscriptions: subscription.NewSubscriptionRepoPG(pool),
		resources:     resource.NewRepoPG(pool),
	}, nil
}

// server is the assembled HTTP surface plus the background notification
// pipeline.
type server struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *store

	echo          *echo.Echo
	subscriptions *subscription.Service
	resources     *resource.Service
	engine        *fhir.NotificationEngine
	metrics       *telemetry.Metrics
	registry      *websocket.Registry
	deliverer     *webhook.Deliverer
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if st.pool != nil {
		logger.Info().Msg("connected to database")
	}

	s := &server{cfg: cfg, logger: logger, store: st, metrics: telemetry.NewMetrics()}

	// Rest-hook delivery
	deliveryLog := webhook.NewInMemoryDeliveryLog(deliveryLogPerSub)
	hookOpts := []webhook.Option{webhook.WithMaxRetries(cfg.RestHookMaxRetries)}
	if cfg.RestHookSecret != "" {
		hookOpts = append(hookOpts, webhook.WithSecret(cfg.RestHookSecret))
	}
	s.deliverer = webhook.NewDeliverer(deliveryLog, logger.With().Str("component", "resthook").Logger(), hookOpts...)

	// Subscription domain
	matcher := fhir.NewSearchMatcher()
	s.subscriptions = subscription.NewService(st.subscriptions, matcher, s.deliverer, logger.With().Str("component", "subscriptions").Logger())
	s.subscriptions.RequireHTTPS = cfg.IsProduction()
	source := subscription.NewSource(st.subscriptions)

	// Resource write path
	s.resources = resource.NewService(st.resources, cfg.ResourceTypes, logger.With().Str("component", "resources").Logger())
	s.resources.AddListener(s.metrics)

	// Notification pipeline
	s.registry = websocket.NewRegistry(source, websocket.RegistryConfig{
		SendTimeout: cfg.WSSendTimeout,
		SendBuffer:  cfg.WSSendBuffer,
	}, logger.With().Str("component", "websocket").Logger())

	if cfg.SubscriptionEnabled {
		s.engine = fhir.NewNotificationEngine(source, matcher, s.registry, s.deliverer, fhir.EngineConfig{
			Trigger: fhir.TriggerConfig{
				PollDelay: cfg.SubscriptionPollDelay,
				Workers:   cfg.SubscriptionWorkers,
			},
			Dispatcher: fhir.DispatcherConfig{
				FailureThreshold: cfg.DeliveryFailureThreshold,
			},
			CacheRefreshInterval: cfg.SubscriptionCacheRefresh,
			ExpiryInterval:       cfg.SubscriptionExpiryInterval,
		}, logger.With().Str("component", "notifications").Logger())
		s.subscriptions.OnChange(s.engine.RefreshCache)
		s.resources.AddListener(s.engine)

		engine := s.engine
		s.metrics.RegisterGauge("fhir_subscriptions_active", "Subscriptions in the active snapshot.", func() int64 {
			return int64(engine.ActiveCount())
		})
		s.metrics.RegisterGauge("fhir_trigger_pending_events", "Resource events waiting for evaluation.", func() int64 {
			return int64(engine.Trigger().Pending())
		})
	}
	registry := s.registry
	s.metrics.RegisterGauge("fhir_websocket_sessions", "Bound websocket sessions.", func() int64 {
		return int64(registry.Len())
	})

	s.echo = s.routes()
	return s, nil
}

func (s *server) authMiddleware() echo.MiddlewareFunc {
	if s.cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		s.logger.Warn().Msg("development auth enabled: every request is treated as admin")
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     s.cfg.AuthIssuer,
		Audience:   s.cfg.AuthAudience,
		JWKSURL:    s.cfg.AuthJWKSURL,
		SigningKey: []byte(s.cfg.AuthSigningKey),
		QueryParam: "access_token",
	})
}

func (s *server) routes() *echo.Echo {
	cfg := s.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(s.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Location", "Last-Modified"},
	}))

	// Unauthenticated endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.store.pool != nil {
		e.GET("/health/db", db.HealthHandler(s.store.pool))
	}
	e.GET("/metrics", s.metrics.Handler())

	capability := fhir.NewCapabilityBuilder(cfg.PublicBaseURL()+"/fhir", serverVersion)
	for _, rt := range s.resources.ResourceTypes() {
		capability.AddResource(rt, fhir.DefaultInteractions(), nil)
	}
	capability.AddResource("Subscription", fhir.DefaultInteractions(), []fhir.CSSearchParam{
		{Name: "status", Type: "token"},
		{Name: "type", Type: "token"},
		{Name: "criteria", Type: "string"},
	})
	if cfg.SubscriptionEnabled {
		capability.SetWebsocketURL(cfg.WebsocketURL())
	}
	fhir.NewCapabilityHandler(capability).RegisterRoutes(e.Group("/fhir"))

	// Authenticated API groups
	authMW := s.authMiddleware()
	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	})
	apiV1 := e.Group("/api/v1", authMW, rateLimit)
	fhirGroup := e.Group("/fhir", authMW, rateLimit)

	subscription.NewHandler(s.subscriptions, s.deliverer).RegisterRoutes(apiV1, fhirGroup)
	resource.NewHandler(s.resources).RegisterRoutes(fhirGroup)

	if cfg.SubscriptionEnabled {
		ws := websocket.NewHandler(s.registry, s.logger.With().Str("component", "websocket").Logger())
		ws.PongWait = cfg.WSPongWait
		ws.RegisterRoutes(e.Group(""), authMW, auth.RequireRole(auth.RoleSubscriber))
	}
	return e
}

// start launches the background workers. They stop when ctx is cancelled.
func (s *server) start(ctx context.Context) *errgroup.Group {
	var g errgroup.Group
	g.Go(func() error {
		s.deliverer.Start(ctx)
		return nil
	})
	if s.engine != nil {
		g.Go(func() error {
			s.engine.Start(ctx)
			return nil
		})
	}
	return &g
}

// Run serves HTTP until ctx is cancelled, then drains the pipeline.
func (s *server) Run(ctx context.Context) error {
	defer s.store.close()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	workers := s.start(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + s.cfg.Port
		s.logger.Info().Str("addr", addr).Strs("resource_types", s.resources.ResourceTypes()).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown failed")
	}

	if s.engine != nil {
		s.engine.Flush(shutdownCtx)
	}
	s.registry.Close()
	cancelWorkers()
	_ = workers.Wait()

	s.logger.Info().Msg("server stopped")
	return serveErr
}
