package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aman-churiwal/tier-gate/internal/circuitbreaker"
	"github.com/aman-churiwal/tier-gate/internal/config"
	"github.com/aman-churiwal/tier-gate/internal/handler"
	"github.com/aman-churiwal/tier-gate/internal/metrics"
	"github.com/aman-churiwal/tier-gate/internal/middleware"
	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/proxy"
	"github.com/aman-churiwal/tier-gate/internal/ratelimit"
	"github.com/aman-churiwal/tier-gate/internal/reclaimer"
	"github.com/aman-churiwal/tier-gate/internal/repository"
	"github.com/aman-churiwal/tier-gate/internal/service"
	"github.com/aman-churiwal/tier-gate/internal/storage"
	"github.com/aman-churiwal/tier-gate/internal/tier"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	logger     *zap.Logger
	redis      *storage.RedisClient
	postgres   *storage.Postgres
	registry   *prometheus.Registry
	httpServer *http.Server

	engine    *ratelimit.Engine
	resolver  *tier.Resolver
	scheduler *reclaimer.Scheduler
	auth      *service.AuthService
	proxies   map[string]*proxy.Proxy
	breakers  map[string]*circuitbreaker.CircuitBreaker

	rateLimitHandler *handler.RateLimitHandler
	tierHandler      *handler.TierHandler
	authHandler      *handler.AuthHandler
	systemHandler    *handler.SystemHandler
}

// New wires admission control, tier resolution and the admin API on top of
// the given connections.
func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres, logger *zap.Logger) (*Server, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:   gin.New(),
		config:   cfg,
		logger:   logger,
		redis:    redis,
		postgres: postgres,
		registry: prometheus.NewRegistry(),
		proxies:  make(map[string]*proxy.Proxy),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := s.initializeServices(); err != nil {
		return nil, err
	}
	if err := s.initializeProxies(); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initializeServices() error {
	cfg := s.config

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	plans, err := tier.NewPlanMapper(cfg.RateLimit.PlanTiers)
	if err != nil {
		return err
	}

	store := ratelimit.NewRedisStore(s.redis)
	reporter := metrics.NewReporter(store, s.registry, metrics.ReporterConfig{}, s.logger.Named("metrics"))

	breakerCfg := cfg.StoreBreakerConfig()
	breakerCfg.Logger = s.logger.Named("breaker")
	storeBreaker := circuitbreaker.New(breakerCfg)
	s.breakers[breakerCfg.Name] = storeBreaker

	engineOpts := []ratelimit.Option{
		ratelimit.WithLogger(s.logger.Named("ratelimit")),
		ratelimit.WithBreaker(storeBreaker),
		ratelimit.WithRecorder(reporter),
	}
	var changeOpts []tier.ChangeOption

	if b := cfg.RateLimit.UpgradeBonus; b.Enabled {
		bonus, err := ratelimit.NewBonusTracker(s.redis, b.Window, b.Term)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, ratelimit.WithBonus(bonus, b.Multiplier))
		changeOpts = append(changeOpts, tier.WithUpgradeBonus(bonus))
	}

	s.engine, err = ratelimit.NewEngine(store, catalog, cfg.EngineOptions(), engineOpts...)
	if err != nil {
		return err
	}

	subscriptions := repository.NewSubscriptionRepository(s.postgres)
	changeLog := repository.NewTierChangeRepository(s.postgres)
	users := repository.NewUserRepository(s.postgres)

	cache := tier.NewCache(s.redis, subscriptions, plans, s.logger.Named("tiercache"))
	s.resolver, err = tier.NewResolver(cache, cfg.ResolverConfig(), s.logger.Named("resolver"))
	if err != nil {
		return err
	}
	changes := tier.NewChangeHandler(changeLog, store, cache, s.logger.Named("tierchange"), changeOpts...)

	s.scheduler = reclaimer.New(store, cfg.ReclaimerConfig(), s.logger.Named("reclaimer"))
	s.auth = service.NewAuthService(users, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiryHours, s.logger.Named("auth"))

	health := metrics.NewHealthChecker(s.redis, s.postgres, s.scheduler)

	s.rateLimitHandler = handler.NewRateLimitHandler(s.engine, s.resolver, reporter, cfg.KeyStrategy())
	s.tierHandler = handler.NewTierHandler(changes, changeLog, s.resolver)
	s.authHandler = handler.NewAuthHandler(s.auth)
	s.systemHandler = handler.NewSystemHandler(health, s.breakers)

	return nil
}

func (s *Server) initializeProxies() error {
	for _, upstream := range s.config.Upstreams {
		p, err := proxy.New(upstream.Target, circuitbreaker.Config{
			Name:    upstream.Path,
			Timeout: s.config.RateLimit.StoreBreaker.Timeout,
		}, s.logger.Named("proxy"))
		if err != nil {
			return fmt.Errorf("upstream %s: %w", upstream.Path, err)
		}

		s.proxies[upstream.Path] = p
		s.breakers[upstream.Path] = p.Breaker()
		s.logger.Info("initialized upstream", zap.String("path", upstream.Path), zap.String("target", p.Target()))
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger.Named("http")))
	s.router.Use(middleware.Authenticate(s.auth))
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return middleware.RateLimit(s.engine, s.resolver, middleware.RateLimitConfig{
		KeyStrategy:    s.config.KeyStrategy(),
		ReleaseTimeout: s.config.RateLimit.ReleaseTimeout,
		Logger:         s.logger.Named("admission"),
	})
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.systemHandler.Health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	limited := s.rateLimit()

	s.router.POST("/auth/login", limited, s.authHandler.Login)
	s.router.GET("/api/ratelimit/status", limited, s.rateLimitHandler.Status)

	admin := s.router.Group("/admin", middleware.RequireAdmin(s.auth)...)
	{
		admin.GET("/ratelimit/status/*key", s.rateLimitHandler.AdminStatus)
		admin.DELETE("/ratelimit/*key", s.rateLimitHandler.Reset)
		admin.GET("/ratelimit/metrics", s.rateLimitHandler.Metrics)

		admin.POST("/tiers/change", s.tierHandler.Change)
		admin.POST("/tiers/change/batch", s.tierHandler.ChangeBatch)
		admin.GET("/tiers/changes/:userId", s.tierHandler.History)
		admin.POST("/tiers/resolve", s.tierHandler.Resolve)

		admin.GET("/circuit-breakers", s.systemHandler.CircuitBreakerStatus)
		admin.POST("/circuit-breakers/:name/reset", middleware.RequireRole(models.RoleAdmin), s.systemHandler.ResetCircuitBreaker)
		admin.POST("/tokens", middleware.RequireRole(models.RoleAdmin), s.authHandler.IssueCallerToken)
	}

	s.setupProxyRoutes(limited)
}

func (s *Server) setupProxyRoutes(limited gin.HandlerFunc) {
	for path, p := range s.proxies {
		s.router.Any(path, limited, p.Handle)
		s.router.Any(path+"/*proxyPath", limited, p.Handle)

		s.logger.Info("registered upstream route", zap.String("path", path))
	}
}

// StartBackground starts the reclamation scheduler when enabled.
func (s *Server) StartBackground() {
	if s.config.RateLimit.Reclamation.Enabled {
		s.scheduler.Start()
	}
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.logger.Info("starting tier gate",
		zap.String("addr", addr),
		zap.String("environment", s.config.Server.Environment),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones (and their
// slot releases) and then stops the scheduler.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.scheduler.Stop()

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

func (s *Server) Auth() *service.AuthService {
	return s.auth
}
