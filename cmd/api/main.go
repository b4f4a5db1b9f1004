package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/authcore/internal/auth"
	"github.com/BradenHooton/authcore/internal/background"
	"github.com/BradenHooton/authcore/internal/config"
	"github.com/BradenHooton/authcore/internal/database"
	"github.com/BradenHooton/authcore/internal/handlers"
	middlewareCustom "github.com/BradenHooton/authcore/internal/middleware"
	"github.com/BradenHooton/authcore/internal/repositories"
	"github.com/BradenHooton/authcore/internal/routes"
	"github.com/BradenHooton/authcore/internal/services"
	"github.com/BradenHooton/authcore/internal/sms"
	pkghttp "github.com/BradenHooton/authcore/pkg/http"
	pkglogger "github.com/BradenHooton/authcore/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := pkglogger.New(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	ctx := context.Background()

	// Key material
	keys, err := auth.NewStaticKeyProviderFromPEM(cfg.Token.PrivateKey, cfg.Token.PublicKey, cfg.Token.SecretEncryptionKey)
	if err != nil {
		logger.Error("failed to load key material", slog.Any("error", err))
		os.Exit(1)
	}

	// Storage: postgres when enabled, memory otherwise
	store := repositories.NewMemoryStore()
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.NewConnection(ctx, &cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()

		if err := database.Migrate(ctx, db); err != nil {
			logger.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
		store = repositories.NewPostgresStore(db)
	} else {
		logger.Warn("DB_ENABLED is false, state will not survive a restart")
	}

	clock := services.SystemClock{}
	audit := services.NewAuditService(store.Events, logger, clock)

	// Crypto primitives
	tokenManager, err := auth.NewTokenManager(keys, cfg.Token.Issuer, cfg.Token.Audience, clock.Now)
	if err != nil {
		logger.Error("failed to initialize token manager", slog.Any("error", err))
		os.Exit(1)
	}
	codes := auth.NewGenerator(nil)
	hasher := auth.NewCodeHasher(cfg.MFA.CodeHashCost)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelay:   cfg.MFA.FailureDelay,
		RandomDelay: cfg.MFA.FailureDelayJitter,
	})
	cipher, err := auth.NewSecretCipher(keys, nil)
	if err != nil {
		logger.Error("failed to initialize secret cipher", slog.Any("error", err))
		os.Exit(1)
	}
	totpConfig := auth.DefaultTOTPConfig(cfg.MFA.TOTPIssuer)
	totpConfig.Skew = uint(cfg.MFA.TOTPSkew)

	// Risk
	reputation, err := services.NewPrefixReputation(cfg.Risk.FlaggedNetworks)
	if err != nil {
		logger.Error("invalid RISK_FLAGGED_NETWORKS", slog.Any("error", err))
		os.Exit(1)
	}
	risk := services.NewRiskScorer(services.RiskConfig{
		Low:              cfg.Risk.Low,
		Medium:           cfg.Risk.Medium,
		High:             cfg.Risk.High,
		Critical:         cfg.Risk.Critical,
		ActiveHoursStart: cfg.Risk.ActiveHoursStart,
		ActiveHoursEnd:   cfg.Risk.ActiveHoursEnd,
	}, services.NewMemoryDeviceHistory(20), reputation, logger)

	// SMS channel
	primary, err := sms.NewProvider(ctx, cfg.SMS.PrimaryProvider, &cfg.SMS, logger)
	if err != nil {
		logger.Error("failed to initialize primary sms provider", slog.Any("error", err))
		os.Exit(1)
	}
	secondary, err := sms.NewProvider(ctx, cfg.SMS.SecondaryProvider, &cfg.SMS, logger)
	if err != nil {
		logger.Error("failed to initialize secondary sms provider", slog.Any("error", err))
		os.Exit(1)
	}
	limiter := services.NewRateLimiter(clock)
	fraud := services.NewHeuristicFraudScorer(nil, 3, time.Hour, clock)
	smsService := services.NewSMSService(
		primary, secondary, fraud, limiter, codes, hasher, timingDelay,
		store.Challenges, audit, clock,
		services.SMSConfig{
			CodeLength:       cfg.SMS.CodeLength,
			CodeExpiry:       cfg.SMS.CodeExpiry,
			MaxAttempts:      cfg.SMS.MaxAttempts,
			PerPhoneLimit:    cfg.SMS.PerPhoneLimit,
			PerOriginLimit:   cfg.SMS.PerOriginLimit,
			RateWindow:       cfg.SMS.RateWindow,
			AllowedCountries: cfg.SMS.AllowedCountries,
			BlockedCountries: cfg.SMS.BlockedCountries,
			FraudThreshold:   cfg.SMS.FraudThreshold,
			VerifiedGrace:    cfg.SMS.VerifiedGrace,
			MessageTemplate:  cfg.SMS.MessageTemplate,
		},
		logger,
	)

	// MFA and sessions
	mfaService := services.NewMFAService(
		store.MFAMethods,
		services.MFACrypto{
			TOTP:   auth.NewTOTPManager(totpConfig, nil),
			Cipher: cipher,
			Hasher: hasher,
			Codes:  codes,
			Delay:  timingDelay,
		},
		smsService, risk, limiter, audit, clock,
		services.MFAConfig{
			MaxAttempts:      cfg.MFA.MaxAttempts,
			AttemptWindow:    cfg.MFA.AttemptWindow,
			LockoutDuration:  cfg.MFA.LockoutDuration,
			VerifyRateLimit:  cfg.MFA.VerifyRateLimit,
			VerifyRateWindow: cfg.MFA.VerifyRateWindow,
			BackupCodeCount:  cfg.MFA.BackupCodeCount,
		},
		logger,
	)
	sessionService := services.NewSessionService(
		tokenManager, risk, mfaService,
		store.Sessions, store.RevokedTokens, audit, clock,
		services.SessionConfig{
			AccessTokenTTL:           cfg.Token.AccessTokenTTL,
			RefreshTokenTTL:          cfg.Token.RefreshTokenTTL,
			LevelTimeouts:            cfg.Session.LevelTimeouts(),
			MinDuration:              cfg.Session.MinDuration,
			MaxConcurrentSessions:    cfg.Session.MaxConcurrentSessions,
			RequireDeviceFingerprint: cfg.Session.RequireDeviceFingerprint,
			ElevationMFAFreshness:    cfg.Session.ElevationMFAFreshness,
		},
		logger,
	)

	restoreCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := sessionService.Restore(restoreCtx); err != nil {
		logger.Error("failed to restore revocation list", slog.Any("error", err))
	}
	cancel()

	// Background sweep
	sweeper := background.NewSweeper(map[string]background.Sweepable{
		"sessions":    sessionService,
		"sms":         smsService,
		"rate_limits": limiter,
		"mfa_lockout": mfaService.Lockout(),
		"fraud":       fraud,
	}, store.Expirers(), clock.Now, logger, cfg.Session.SweepInterval)

	// Handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	introspectHandler := handlers.NewIntrospectHandler(sessionService, ipConfig, logger)
	var pinger handlers.Pinger
	if db != nil {
		pinger = db
	}
	healthHandler := handlers.NewHealthHandler(pinger)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	routes.RegisterRoutes(router, introspectHandler, healthHandler,
		middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.IntrospectLimit})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start sweeper
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()

	go sweeper.Start(sweepCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	sweepCancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
