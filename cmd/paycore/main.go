package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"paycore/internal/auth"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	commonnats "paycore/internal/common/nats"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/ledger/store"
	"paycore/internal/notify"
	"paycore/internal/payments"
	paymentsapi "paycore/internal/payments/api"
	"paycore/internal/providers"
	"paycore/internal/providers/banktransfer"
	"paycore/internal/providers/cards"
	"paycore/internal/providers/momo"
	"paycore/internal/providers/wallet"
	"paycore/internal/ratelimit"
	"paycore/internal/recon"
	"paycore/internal/risk"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYCORE_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	Currency    string `envconfig:"CURRENCY" default:"SLE"`

	Database database.Config
	NATS     commonnats.Config
	Auth     auth.Config
	Risk     risk.Config
	Cards    cards.Config
	Wallet   wallet.Config

	Bank banktransfer.Config

	OrangeMoneyBaseURL    string `envconfig:"ORANGE_MONEY_BASE_URL"`
	OrangeMoneyAPIKey     string `envconfig:"ORANGE_MONEY_API_KEY"`
	OrangeMoneyMerchantID string `envconfig:"ORANGE_MONEY_MERCHANT_ID"`
	AfrimoneyBaseURL      string `envconfig:"AFRIMONEY_BASE_URL"`
	AfrimoneyAPIKey       string `envconfig:"AFRIMONEY_API_KEY"`
	AfrimoneyMerchantID   string `envconfig:"AFRIMONEY_MERCHANT_ID"`
	QMoneyBaseURL         string `envconfig:"QMONEY_BASE_URL"`
	QMoneyAPIKey          string `envconfig:"QMONEY_API_KEY"`
	QMoneyMerchantID      string `envconfig:"QMONEY_MERCHANT_ID"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := database.Migrate(cfg.Database, logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	natsClient, err := commonnats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	publisher := commonnats.NewPublisher(natsClient, logger)

	notifier := notify.NewDispatcher(publisher, logger)
	authResolver := auth.New(cfg.Auth, natsClient.Conn(), logger)

	ledgerService := ledger.NewService(store.NewPostgres(db), publisher, notifier, logger)

	limiter := ratelimit.New(nil, logger)
	stopCleanup := make(chan struct{})
	go limiter.RunCleanup(10*time.Minute, stopCleanup)
	defer close(stopCleanup)

	blacklist := risk.NewBlacklist()
	attempts := risk.NewAttemptTracker(time.Hour)
	fingerprints := risk.NewMemoryFingerprints(cfg.Risk.FingerprintMaxAccounts)
	riskEngine := risk.NewEngine(cfg.Risk, fingerprints, blacklist, attempts, limiter, nil, logger)

	registry, err := providers.NewRegistry(
		cards.NewAdapter(cfg.Cards, natsClient.Conn(), logger),
		wallet.NewAdapter(cfg.Wallet, logger),
		momo.NewAdapter(domain.ProviderOrangeMoney, momo.Config{
			BaseURL:    cfg.OrangeMoneyBaseURL,
			APIKey:     cfg.OrangeMoneyAPIKey,
			MerchantID: cfg.OrangeMoneyMerchantID,
		}, logger),
		momo.NewAdapter(domain.ProviderAfrimoney, momo.Config{
			BaseURL:    cfg.AfrimoneyBaseURL,
			APIKey:     cfg.AfrimoneyAPIKey,
			MerchantID: cfg.AfrimoneyMerchantID,
		}, logger),
		momo.NewAdapter(domain.ProviderQMoney, momo.Config{
			BaseURL:    cfg.QMoneyBaseURL,
			APIKey:     cfg.QMoneyAPIKey,
			MerchantID: cfg.QMoneyMerchantID,
		}, logger),
		banktransfer.NewAdapter(cfg.Bank, logger),
	)
	if err != nil {
		logger.Error("provider registry", "error", err)
		os.Exit(1)
	}

	pipeline := recon.New(ledgerService, publisher, logger)
	paymentsService := payments.NewService(ledgerService, registry, riskEngine, publisher, logger)

	handler := paymentsapi.NewHandler(
		paymentsService, ledgerService, pipeline, limiter, blacklist,
		cfg.Cards.WebhookSecret, money.Currency(cfg.Currency), logger,
	)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.ClientIP)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Authenticate(authResolver.Resolve))
	r.Use(middleware.RateLimit(limiter, ratelimit.ActionAPI))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payment core",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
