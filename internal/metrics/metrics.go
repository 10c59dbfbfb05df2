// Package metrics регистрирует счётчики Prometheus для наблюдения
// за обработкой событий платёжного шлюза.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics хранит коллекторы подсистемы биллинга.
type Metrics struct {
	EventsReceived      *prometheus.CounterVec
	EventsProcessed     *prometheus.CounterVec
	IntegrityViolations prometheus.Counter
	HandlerDuration     *prometheus.HistogramVec
}

// New регистрирует коллекторы в reg и возвращает их.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_received_total",
			Help: "Количество принятых событий шлюза по типам.",
		}, []string{"type"}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_processed_total",
			Help: "Результаты обработки событий по типам и исходам.",
		}, []string{"type", "outcome"}),
		IntegrityViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_integrity_violations_total",
			Help: "Обнаруженные нарушения инвариантов данных (несколько ACTIVE-подписок и т.п.).",
		}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_webhook_handler_duration_seconds",
			Help:    "Длительность обработки события шлюза.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}
