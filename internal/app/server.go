// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/db"
	authHandler "marketplace-auth/internal/handlers/auth"
	wsHandler "marketplace-auth/internal/handlers/websocket"
	"marketplace-auth/internal/middleware"
	"marketplace-auth/internal/pkg/csrf"
	"marketplace-auth/internal/pkg/geo"
	"marketplace-auth/internal/pkg/idp"
	"marketplace-auth/internal/pkg/ratelimit"
	"marketplace-auth/internal/pkg/session"
	"marketplace-auth/internal/repository/postgres"
	authUsecase "marketplace-auth/internal/service/auth"
	"marketplace-auth/internal/websocket"
	wsHandlers "marketplace-auth/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	http    *http.Server
	cancel  context.CancelFunc
	closers []io.Closer
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, engine: gin.New(), logger: logger}
}

// Init connects backends and wires every component. Background loops start
// here and stop on Shutdown.
func (s *Server) Init() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// ----- Session store -----
	var redisClient *redis.Client
	needRedis := s.cfg.Session.Backend == "redis" || s.cfg.RateLimit.Backend == "redis"
	if needRedis {
		client, err := db.NewRedisClient(ctx, db.RedisConfig{
			Addresses: []string{s.cfg.RedisAddr},
			Password:  s.cfg.RedisPass,
			PoolSize:  10,
		})
		if err != nil {
			return err
		}
		redisClient = client
		s.closers = append(s.closers, client)
		s.logger.Info("connected to redis", zap.String("addr", s.cfg.RedisAddr))
	}

	store, err := s.sessionStore(ctx, redisClient)
	if err != nil {
		return err
	}

	sessionManager := session.NewManager(store, session.Options{
		MaxAge:        s.cfg.Session.MaxAge,
		LockThreshold: s.cfg.Session.LockThreshold,
		LockDuration:  s.cfg.Session.LockDuration,
	}, s.logger.Named("session"))

	// ----- Rate limiter -----
	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if s.cfg.RateLimit.Backend == "redis" {
		limitStore = ratelimit.NewRedisStore(redisClient)
	}
	limiter := ratelimit.NewLimiter(limitStore, ratelimit.Policy{
		Window:        s.cfg.RateLimit.Window,
		MaxAttempts:   s.cfg.RateLimit.MaxAttempts,
		BlockDuration: s.cfg.RateLimit.BlockDuration,
	}, s.cfg.RateLimit.CleanupProbability, s.logger.Named("ratelimit"))

	// ----- Geolocation -----
	provider, err := s.geoProvider()
	if err != nil {
		return err
	}
	gate := geo.NewGate(provider, geo.Policy{
		BlockedCountries:  s.cfg.Geo.BlockedCountries,
		HighRiskCountries: s.cfg.Geo.HighRiskCountries,
	}, s.cfg.Geo.Timeout, s.logger.Named("geo"))

	// ----- Identity provider -----
	idpClient := idp.NewClient(s.cfg.Tenants, idp.Options{
		Timeout:        s.cfg.IdP.Timeout,
		RefreshTimeout: s.cfg.IdP.RefreshTimeout,
	}, s.logger.Named("idp"))

	// ----- WebSocket Hub -----
	hub := websocket.NewHub(sessionManager, s.logger)
	hub.RegisterHandler(wsHandlers.NewSessionHandler(sessionManager))
	sessionManager.SetNotifier(hub)
	go hub.Run(ctx)

	go sessionManager.RunPurger(ctx, s.cfg.Session.PurgeInterval)

	// ----- Services -----
	authService := authUsecase.NewAuthService(
		sessionManager,
		limiter,
		gate,
		idpClient,
		authUsecase.NewAuditor([]byte(s.cfg.AuditHashKey), s.logger),
		authUsecase.Options{CheckOAuthLocation: s.cfg.Geo.CheckOAuth},
		s.logger.Named("auth"),
	)

	// ----- Handlers -----
	guard := csrf.NewGuard(csrf.Config{
		CookieName: s.cfg.CSRF.CookieName,
		HeaderName: s.cfg.CSRF.HeaderName,
		TTL:        s.cfg.CSRF.TTL,
		Secure:     s.cfg.IsProduction(),
		Domain:     s.cfg.CookieDomain,
	})
	authHandlerInst := authHandler.NewAuthHandler(authService, guard, authHandler.CookieConfig{
		Domain: s.cfg.CookieDomain,
		Secure: s.cfg.IsProduction(),
		MaxAge: s.cfg.Session.MaxAge,
	}, s.logger)
	wsHandlerInst := wsHandler.NewWebSocketHandler(hub, authHandler.SessionCookie, s.cfg.AllowOrigins, s.logger)

	// ----- Middlewares -----
	// X-Forwarded-For is honoured only from these peers
	if err := s.engine.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}
	s.engine.Use(
		middleware.LoggingMiddleware(s.logger),
		middleware.RecoveryMiddleware(s.logger),
		middleware.CORSMiddleware(s.cfg.AllowOrigins, guard.HeaderName()),
	)

	// ----- Router -----
	SetupRouter(s.engine, s.logger, &Handlers{
		AuthHandler:       authHandlerInst,
		WSHandler:         wsHandlerInst,
		SessionMiddleware: middleware.NewSessionMiddleware(sessionManager, authHandler.SessionCookie, s.logger),
		Hub:               hub,
		Tenants:           s.cfg.Tenants.Names(),
	})

	// ----- Start HTTP -----
	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server configured",
		zap.String("addr", s.cfg.HTTPAddr),
		zap.String("session_backend", s.cfg.Session.Backend),
		zap.String("rate_limit_backend", s.cfg.RateLimit.Backend),
		zap.String("geo_provider", s.cfg.Geo.Provider),
		zap.Strings("tenants", s.cfg.Tenants.Names()),
		zap.Strings("trusted_proxies", s.cfg.TrustedProxies),
	)
	return nil
}

// Serve blocks until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then stops
// background loops and closes connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down http server: %w", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) sessionStore(ctx context.Context, redisClient *redis.Client) (session.Store, error) {
	switch s.cfg.Session.Backend {
	case "redis":
		// keys outlive MaxAge slightly so the purge loop still sees them
		return session.NewRedisStore(redisClient, s.cfg.Session.MaxAge+s.cfg.Session.PurgeInterval), nil

	case "postgres":
		pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool)

		repo := postgres.NewSessionRepository(pool, s.cfg.Session.Table)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("connected to postgres", zap.String("table", s.cfg.Session.Table))
		return repo, nil

	default:
		return session.NewMemoryStore(), nil
	}
}

func (s *Server) geoProvider() (geo.Provider, error) {
	switch s.cfg.Geo.Provider {
	case "geoip2":
		p, err := geo.NewGeoIP2Provider(s.cfg.Geo.DatabasePath, s.cfg.Geo.ASNDatabasePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, p)
		return p, nil

	case "none":
		s.logger.Warn("geolocation disabled, all locations allowed")
		return nil, nil

	default:
		return geo.NewIPAPIProvider(s.cfg.Geo.BaseURL, s.cfg.Geo.Timeout, s.cfg.Geo.RequestsPerMinute), nil
	}
}
