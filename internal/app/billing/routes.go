package billing

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/tutor-billing/internal/http/handlers/billingwebhook"
	"github.com/magabrotheeeer/tutor-billing/internal/http/handlers/health"
	"github.com/magabrotheeeer/tutor-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/tutor-billing/internal/metrics"
	"github.com/magabrotheeeer/tutor-billing/internal/storage"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, verifier billingwebhook.Verifier, d billingwebhook.Dispatcher, m *metrics.Metrics, db *storage.Storage) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.RateLimitMiddleware(logger))
			r.Post("/billing/webhook", billingwebhook.New(logger, verifier, d, m).ServeHTTP)
		})
	})

	r.Get("/health", health.New(logger, db).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
