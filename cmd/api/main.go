// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/farmerssoko/soko-auth/internal/admin"
	"github.com/farmerssoko/soko-auth/internal/auth"
	"github.com/farmerssoko/soko-auth/internal/authstate"
	"github.com/farmerssoko/soko-auth/internal/config"
	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/guard"
	"github.com/farmerssoko/soko-auth/internal/health"
	"github.com/farmerssoko/soko-auth/internal/identity"
	"github.com/farmerssoko/soko-auth/internal/metrics"
	"github.com/farmerssoko/soko-auth/internal/middleware"
	"github.com/farmerssoko/soko-auth/internal/profile"
	"github.com/farmerssoko/soko-auth/internal/role"
	"github.com/farmerssoko/soko-auth/internal/server"
	"github.com/farmerssoko/soko-auth/internal/session"
)

const (
	drainDelay    = 5 * time.Second
	purgeInterval = time.Hour

	adminPasswordEnv = "SOKO_ADMIN_PASSWORD"
	minAdminPassword = 12
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	generateKeys := flag.Bool("generate-keys", false, "write a new ES256 key pair and exit")
	createAdmin := flag.Bool("create-admin", false, "create the auth.admin_email account from "+adminPasswordEnv+" and exit")
	flag.Parse()

	if *generateKeys {
		if err := writeKeys(*configPath); err != nil {
			slog.Error("key generation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if *createAdmin {
		if err := provisionAdmin(*configPath); err != nil {
			slog.Error("admin provisioning failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

//nolint:funlen // bootstrap code is inherently verbose
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	var telemetry *core.Telemetry
	if cfg.Otel.Enabled {
		tel, telErr := core.NewTelemetry(ctx, cfg.Otel, cfg.App)
		if telErr != nil {
			logger.Warn("failed to initialize telemetry", "error", telErr)
		} else {
			telemetry = tel
			logger.Info("OpenTelemetry tracer initialized",
				"endpoint", cfg.Otel.Endpoint,
			)
		}
	}

	if cfg.Database.MigrateOnStart {
		version, migrateErr := core.RunMigrations(cfg.Database.URL)
		if migrateErr != nil {
			return migrateErr
		}
		logger.Info("database migrated", "version", version)
	}

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database connected",
		"max_open_conns", cfg.Database.MaxOpenConns,
		"max_idle_conns", cfg.Database.MaxIdleConns,
	)

	redis, err := core.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	logger.Info("redis connected",
		"pool_size", cfg.Redis.PoolSize,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	signer, err := identity.NewSigner(cfg.JWT)
	if err != nil {
		return err
	}
	logger.Info("token signer initialized",
		"algorithm", "ES256",
		"key_id", signer.KeyID(),
	)

	identitySvc := identity.NewService(
		identity.NewRepository(db.DB),
		signer,
		identity.NewRedisRevocationList(redis.Client),
	)

	hub := session.NewHub(redis.Client, cfg.Auth.EventsChannel, logger)

	profileSvc := profile.NewService(
		profile.NewRepository(db.DB),
		identitySvc,
		hub,
		logger,
	)
	registrar := profile.NewRegistrar(db.DB, identitySvc)

	resolver := role.NewResolver(
		cfg.Auth.AdminEmail,
		profileSvc,
		role.WithAutoCreate(cfg.Auth.AutoCreateProfiles),
		role.WithSink(role.LogSink{Logger: logger, Recorder: collector}),
		role.WithRecorder(collector),
	)

	tokens := session.NewRedisTokenStore(redis.Client)

	clients := authstate.NewRegistry(
		func(ctx context.Context, clientID string, fresh bool) *authstate.Context {
			store := session.NewStore(clientID, identitySvc, tokens, hub, logger)
			return authstate.New(ctx, store, resolver, authstate.Options{
				Logger:         logger.With("client_id", clientID),
				ResolveTimeout: cfg.Auth.ResolveTimeout,
				Recorder:       collector,
				OnClose:        store.Close,
				Fresh:          fresh,
			})
		},
		func(ctx context.Context, clientID string) bool {
			stored, existsErr := tokens.Exists(ctx, clientID)
			if existsErr != nil {
				logger.WarnContext(ctx, "client session lookup failed", "error", existsErr)
			}
			return stored
		},
		cfg.Auth.ClientIdleTTL,
		collector,
	)

	go hub.Run(ctx)
	go clients.Run(ctx)
	go purgeExpiredTokens(ctx, identitySvc, logger)

	cookie := middleware.CookieConfig{
		Name:   cfg.Auth.CookieName,
		Secure: cfg.Auth.CookieSecure,
		MaxAge: cfg.JWT.RefreshTokenExpire,
	}

	authHandler := auth.NewHandler(auth.HandlerConfig{
		Registrar: registrar,
		Clients:   clients,
		Admins:    resolver,
		Cookie:    cookie,
		GuardWait: cfg.Auth.GuardWait,
		Recorder:  collector,
		Logger:    logger,
	})
	profileHandler := profile.NewHandler(profileSvc)

	healthHandler := health.NewHandler(
		health.Dependency{Name: "database", Checker: db},
		health.Dependency{Name: "redis", Checker: redis},
	)

	adminHandler := admin.NewHandler(admin.HandlerConfig{
		DBStats:       db.Stats,
		RedisStats:    redis.PoolStats,
		DBPing:        db.Ping,
		RedisPing:     redis.Ping,
		ActiveClients: clients.Len,
		WatchedUsers:  hub.Watching,
		Resubscribes:  hub.Resubscribes,
		Profiles:      profileSvc,
	})

	srv := server.New(server.Config{
		ServerConfig:  cfg.Server,
		HealthHandler: healthHandler,
		Logger:        logger,
	})

	router := srv.Router()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recoverer(logger))
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORS(cfg.CORS))
	router.Use(
		middleware.NewRateLimiter(redis.Client, middleware.RateLimitConfig{
			Limit: redis_rate.Limit{
				Rate:   cfg.RateLimit.Requests,
				Burst:  cfg.RateLimit.Burst,
				Period: cfg.RateLimit.Window,
			},
		}).Handler,
	)

	healthHandler.RegisterRoutes(router)

	router.Get("/.well-known/jwks.json", signer.JWKSHandler())

	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, metrics.Handler(registry))
	}

	credentialLimiter := middleware.NewRateLimiter(
		redis.Client,
		middleware.RateLimitConfig{
			Limit:   middleware.PerMinute(10, 5),
			KeyFunc: middleware.KeyByUserAndEndpoint,
		},
	).Handler

	signedIn := guard.Require("", cfg.Auth.GuardWait, collector)
	adminOnly := guard.Require(role.Admin, cfg.Auth.GuardWait, collector)

	router.Route("/v1", func(r chi.Router) {
		r.Use(middleware.ClientSession(clients, cookie))
		r.Use(middleware.RoleRateLimiter(redis.Client, middleware.DefaultRoleLimits))

		authHandler.RegisterRoutes(r, credentialLimiter)
		profileHandler.RegisterRoutes(r, signedIn)
		profileHandler.RegisterAdminRoutes(r, adminOnly)
		adminHandler.RegisterRoutes(r, adminOnly)
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout+drainDelay+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx, drainDelay); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}

	if err := redis.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}

	if err := db.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("application stopped")
	return nil
}

func purgeExpiredTokens(ctx context.Context, svc *identity.Service, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := svc.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired refresh tokens failed", "error", err)
				continue
			}
			if purged > 0 {
				logger.Info("purged expired refresh tokens", "count", purged)
			}
		}
	}
}

func writeKeys(configPath string) error {
	privatePath, publicPath := "keys/private.pem", "keys/public.pem"

	if cfg, err := config.Load(configPath); err == nil {
		privatePath, publicPath = cfg.JWT.PrivateKeyPath, cfg.JWT.PublicKeyPath
	}

	if err := identity.GenerateKeyPair(privatePath, publicPath); err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	slog.Info("key pair written", "private", privatePath, "public", publicPath)
	return nil
}

// provisionAdmin creates the account for auth.admin_email. Sign up refuses
// that address, so this is the only way it gets a password.
func provisionAdmin(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.AdminEmail == "" {
		return errors.New("auth.admin_email is not configured")
	}

	password := os.Getenv(adminPasswordEnv)
	if len(password) < minAdminPassword {
		return fmt.Errorf("%s must hold at least %d characters", adminPasswordEnv, minAdminPassword)
	}

	ctx := context.Background()

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck // one-shot command
		_ = db.Close()
	}()

	signer, err := identity.NewSigner(cfg.JWT)
	if err != nil {
		return err
	}

	registrar := profile.NewRegistrar(
		db.DB,
		identity.NewService(identity.NewRepository(db.DB), signer, nil),
	)

	created, err := registrar.Register(ctx, profile.Registration{
		Email:    cfg.Auth.AdminEmail,
		Password: password,
		Role:     role.Customer,
	})
	if err != nil {
		return fmt.Errorf("create admin account: %w", err)
	}

	slog.Info("admin account created", "id", created.ID, "email", created.Email)
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
