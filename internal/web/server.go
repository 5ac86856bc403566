// Package web assembles the sahguard HTTP server: the abuse-mitigation
// middleware chain, the auth and admin endpoints, and the sweeps that keep
// the in-memory stores bounded.
package web

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/studentenathome/sahguard/internal/auth"
	"github.com/studentenathome/sahguard/internal/config"
	"github.com/studentenathome/sahguard/internal/csrf"
	"github.com/studentenathome/sahguard/internal/defense"
	"github.com/studentenathome/sahguard/internal/httpx"
	"github.com/studentenathome/sahguard/internal/logging"
	"github.com/studentenathome/sahguard/internal/ratelimit"
	"github.com/studentenathome/sahguard/internal/store"
	"github.com/studentenathome/sahguard/internal/sweeper"
)

// Options carries the collaborators a Server does not build itself.
type Options struct {
	// Users is the account and revoked-token store. Required.
	Users *store.SQLite
	// Redis overrides the client built from the configuration when the
	// rate limit backend is redis.
	Redis redis.UniversalClient
	// Posts and Contact are the host application's handlers for the
	// posts and contact endpoint classes. Nil handlers are not mounted.
	Posts   http.Handler
	Contact http.Handler
}

// Server is the sahguard HTTP server.
type Server struct {
	cfg *config.Config

	guard     *defense.Guard
	gate      *defense.Gate
	csrfStore *csrf.Store
	protector *csrf.Protector
	tokens    *auth.TokenIssuer
	auth      *auth.Service
	users     *store.SQLite
	limiters  map[string]*ratelimit.Limiter
	memory    *ratelimit.MemoryBackend
	redis     redis.UniversalClient
	ownsRedis bool
	proxies   *httpx.TrustedProxies
	sweeper   *sweeper.Scheduler
	accessLog *AccessLogger

	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a server from cfg. It does not listen or start sweeping.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Users == nil {
		return nil, errors.New("web: user store is required")
	}

	s := &Server{
		cfg:     cfg,
		users:   opts.Users,
		proxies: httpx.NewTrustedProxies(cfg.Server.TrustedProxies),
		logger:  logging.Web(),
	}

	guardCfg, err := GuardConfig(cfg)
	if err != nil {
		return nil, err
	}
	security := logging.Security()
	s.guard = defense.New(guardCfg, security)
	s.gate = defense.NewGate(s.guard, security)

	s.csrfStore = csrf.NewStore(cfg.CSRF.TokenTTL, cfg.CSRF.HighWaterMark)
	s.protector = csrf.NewProtector(s.csrfStore, s.guard, cfg.CSRF.ExemptPaths, security)

	secret := []byte(cfg.Auth.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, auth.MinSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		s.logger.Warn("No token secret configured; sessions will not survive a restart",
			"env", config.EnvTokenSecret)
	}
	s.tokens, err = auth.NewTokenIssuer(secret, cfg.Auth.Issuer, cfg.Auth.SessionDuration)
	if err != nil {
		return nil, err
	}
	s.auth = auth.NewService(s.users, s.tokens, auth.NewAdminList(cfg.Auth.AdminEmails), s.guard, logging.Auth())

	if err := s.buildLimiters(opts.Redis); err != nil {
		return nil, err
	}

	s.sweeper = sweeper.New(s.logger)
	s.sweeper.Add("csrf_tokens", cfg.Sweep.Tokens, sweeper.Count(s.csrfStore.Sweep))
	s.sweeper.Add("violations", cfg.Sweep.Violations, sweeper.Count(s.guard.Tracker().Sweep))
	s.sweeper.Add("blocks", cfg.Sweep.Blocks, sweeper.Count(s.guard.Registry().Sweep))
	if s.memory != nil {
		s.sweeper.Add("rate_limits", cfg.Sweep.RateLimits, sweeper.Count(s.memory.Sweep))
	}
	s.sweeper.Add("revoked_tokens", cfg.Sweep.RevokedTokens, func() (int, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.users.SweepRevoked(ctx)
	})

	s.accessLog = NewAccessLogger(cfg.Server.AccessLog)
	s.handler = s.routes(opts)
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

func (s *Server) buildLimiters(client redis.UniversalClient) error {
	policies, err := RatePolicies(s.cfg)
	if err != nil {
		return err
	}

	var backend ratelimit.Backend
	switch s.cfg.RateLimit.Backend {
	case "redis":
		if client == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := ratelimit.DialRedis(ctx, s.cfg.Redis.URL)
			if err != nil {
				return err
			}
			client, s.ownsRedis = c, true
		}
		s.redis = client
		backend = ratelimit.NewRedisBackend(client, s.cfg.Redis.KeyPrefix)
	default:
		s.memory = ratelimit.NewMemoryBackend()
		backend = s.memory
	}

	s.limiters = make(map[string]*ratelimit.Limiter, len(policies))
	for name, p := range policies {
		l, err := ratelimit.New(p, backend)
		if err != nil {
			return err
		}
		s.limiters[name] = l
	}
	return nil
}

// limit returns the middleware of the named endpoint class. The auth
// class is keyed by client IP only; the others by user when signed in.
func (s *Server) limit(class string) func(http.Handler) http.Handler {
	key := ratelimit.IdentifierFunc(auth.UserID)
	if class == ratelimit.ClassAuth {
		key = ratelimit.IdentifierFunc(nil)
	}
	return s.limiters[class].Middleware(key, s.guard, logging.Security())
}

func (s *Server) routes(opts Options) http.Handler {
	r := chi.NewRouter()
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Use(middleware.RequestID)
	r.Use(recoverMiddleware)
	r.Use(securityHeadersMiddleware(s.cfg.Server.HSTS))
	r.Use(requestSizeLimitMiddleware(s.cfg.Server.MaxBodyBytes))
	r.Use(s.proxies.Middleware)
	r.Use(s.accessLog.Middleware)
	r.Use(s.gate.Middleware)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Authenticate)
		r.Use(s.limit(ratelimit.ClassAPI))

		r.Get("/health", s.handleHealth)
		r.Get("/csrf-token", s.protector.HandleToken)

		r.Route("/auth", func(r chi.Router) {
			r.Use(s.protector.Middleware)
			r.With(s.limit(ratelimit.ClassAuth)).Post("/login", s.auth.HandleLogin)
			r.Post("/logout", s.auth.HandleLogout)
			r.With(auth.RequireAuth).Post("/renew", s.auth.HandleRenew)
			r.With(auth.RequireAuth).Get("/session", s.auth.HandleSession)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAuth, auth.RequireAdmin, s.protector.Middleware)
			r.Get("/blocks", s.handleListBlocks)
			r.Post("/blocks", s.handleCreateBlock)
			r.Delete("/blocks/{ip}", s.handleDeleteBlock)
			r.Get("/violations/{ip}", s.handleViolations)
			r.Get("/whitelist", s.handleListWhitelist)
			r.Post("/whitelist", s.handleAddWhitelist)
			r.Delete("/whitelist/{ip}", s.handleDeleteWhitelist)
		})

		if opts.Posts != nil {
			r.Route("/posts", func(r chi.Router) {
				r.Use(auth.RequireAuth, s.protector.Middleware, s.limit(ratelimit.ClassPosts))
				r.Mount("/", opts.Posts)
			})
		}
		if opts.Contact != nil {
			r.Route("/contact", func(r chi.Router) {
				r.Use(csrf.RequireXHR, s.limit(ratelimit.ClassContact))
				r.Mount("/", opts.Contact)
			})
		}
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Guard returns the violation and block engine.
func (s *Server) Guard() *defense.Guard {
	return s.guard
}

// Auth returns the session service.
func (s *Server) Auth() *auth.Service {
	return s.auth
}

// SetClock replaces the time source of every time-dependent component.
func (s *Server) SetClock(now func() time.Time) {
	s.guard.SetClock(now)
	s.csrfStore.SetClock(now)
	s.tokens.SetClock(now)
	s.users.SetClock(now)
	for _, l := range s.limiters {
		l.SetClock(now)
	}
	if s.memory != nil {
		s.memory.SetClock(now)
	}
	if s.accessLog != nil {
		s.accessLog.now = now
	}
}

// Reload applies the settings that can change without a restart: the
// admin allow-list and the whitelist ranges.
func (s *Server) Reload(cfg *config.Config) {
	s.auth.Admins().Replace(cfg.Auth.AdminEmails)
	s.guard.SetWhitelistRanges(cfg.Security.Whitelist)
	s.logger.Info("Configuration reloaded",
		"admins", len(cfg.Auth.AdminEmails),
		"whitelist", len(cfg.Security.Whitelist),
	)
}

// Serve accepts connections on l until Shutdown. The sweeper runs while
// the server does.
func (s *Server) Serve(l net.Listener) error {
	s.sweeper.Start()
	s.logger.Info("Server listening", "addr", l.Addr().String())

	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests, waits for in-flight ones, stops the
// sweeper and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.sweeper.Stop()
	if err := s.accessLog.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.ownsRedis {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
