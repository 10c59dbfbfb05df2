// Package billing собирает приложение приёма событий платёжного шлюза:
// хранилище с миграциями, кеш, брокер уведомлений, сервисы сверки,
// диспетчер и HTTP-сервер с graceful shutdown.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/tutor-billing/internal/cache"
	"github.com/magabrotheeeer/tutor-billing/internal/config"
	"github.com/magabrotheeeer/tutor-billing/internal/dispatcher"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/token"
	"github.com/magabrotheeeer/tutor-billing/internal/metrics"
	"github.com/magabrotheeeer/tutor-billing/internal/migrations"
	"github.com/magabrotheeeer/tutor-billing/internal/plancatalog"
	"github.com/magabrotheeeer/tutor-billing/internal/rabbitmq"
	"github.com/magabrotheeeer/tutor-billing/internal/services/coverage"
	"github.com/magabrotheeeer/tutor-billing/internal/services/idempotency"
	"github.com/magabrotheeeer/tutor-billing/internal/services/ledger"
	"github.com/magabrotheeeer/tutor-billing/internal/services/notifier"
	"github.com/magabrotheeeer/tutor-billing/internal/services/processor"
	"github.com/magabrotheeeer/tutor-billing/internal/services/promoter"
	"github.com/magabrotheeeer/tutor-billing/internal/services/reconciler"
	"github.com/magabrotheeeer/tutor-billing/internal/storage"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

// App — собранное приложение биллинга.
type App struct {
	server   *http.Server
	logger   *slog.Logger
	db       *storage.Storage
	amqpConn *amqp.Connection
	amqpCh   *amqp.Channel
}

// New собирает приложение из конфига.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := storage.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		logger.Warn("redis is unavailable, continuing without cache", sl.Err(err))
		cacheRedis = nil
	}

	amqpConn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}
	amqpCh, err := rabbitmq.SetupChannel(amqpConn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = amqpConn.Close()
		return nil, err
	}

	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)

	mailNotifier := notifier.New(amqpCh)
	ledgerSvc := ledger.New(logger)
	tokenMaker := token.NewMaker(cfg.TokenSecretKey, cfg.TokenTTL)

	var planCache plancatalog.Cache
	var guardCache idempotency.Cache
	if cacheRedis != nil {
		planCache = cacheRedis
		guardCache = cacheRedis
	}
	catalog := plancatalog.New(db.Repos().Plans, planCache, logger)
	guard := idempotency.New(guardCache, logger)

	resolver := promoter.New(tokenMaker, ledgerSvc, mailNotifier, cfg.SignupBonusTokens, logger)
	rec := reconciler.New(catalog, mailNotifier, m.IntegrityViolations, logger)
	cov := coverage.New(logger)
	proc := processor.New(db, guard, resolver, rec, cov, ledgerSvc, logger)

	disp := dispatcher.New(cfg.HandlerTimeout, logger)
	disp.Register(webhook.EventInvoicePaymentSucceeded, proc.HandleInvoicePaid)
	disp.Register(webhook.EventInvoicePaymentFailed, proc.HandleInvoicePaymentFailed)
	disp.Register(webhook.EventPaymentIntentSucceeded, proc.HandlePaymentIntentSucceeded)
	disp.Register(webhook.EventSubscriptionUpdated, proc.HandleSubscriptionUpdated)
	disp.Register(webhook.EventSubscriptionDeleted, proc.HandleSubscriptionDeleted)
	disp.Register(webhook.EventCustomerCreated, proc.HandleCustomerCreated)
	disp.Register(webhook.EventPromotionCodeCreated, proc.HandlePromotionCodeCreated)

	verifier := webhook.NewVerifier(cfg.Webhook.Secret)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, verifier, disp, m, db)

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server:   srv,
		logger:   logger,
		db:       db,
		amqpConn: amqpConn,
		amqpCh:   amqpCh,
	}, nil
}

// Run запускает HTTP-сервер и блокируется до отмены ctx либо ошибки сервера.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		if cerr := a.amqpCh.Close(); cerr != nil {
			a.logger.Error("failed to close amqp channel", sl.Err(cerr))
		}
		if cerr := a.amqpConn.Close(); cerr != nil {
			a.logger.Error("failed to close amqp connection", sl.Err(cerr))
		}
		if cerr := a.db.DB.Close(); cerr != nil {
			a.logger.Error("failed to close database", sl.Err(cerr))
		}
		return err
	}
}
