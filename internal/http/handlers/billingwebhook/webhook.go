// Package billingwebhook реализует HTTP-обработчик приёма событий платёжного
// шлюза. Обработчик проверяет подпись тела, передаёт событие диспетчеру и
// отвечает кодом, управляющим повторами доставки на стороне шлюза.
package billingwebhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/tutor-billing/internal/dispatcher"
	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/http/response"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	"github.com/magabrotheeeer/tutor-billing/internal/metrics"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

// SignatureHeader — заголовок с HMAC-подписью тела события.
const SignatureHeader = "X-Gateway-Signature"

// Verifier проверяет подпись и разбирает событие.
type Verifier interface {
	Verify(body []byte, signature string) (*webhook.Event, error)
}

// Dispatcher обрабатывает проверенное событие и возвращает итог.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *webhook.Event) dispatcher.Outcome
}

// Handler принимает события платёжного шлюза.
type Handler struct {
	log        *slog.Logger
	verifier   Verifier
	dispatcher Dispatcher
	metrics    *metrics.Metrics
}

// New создает Handler. metrics может быть nil в тестах.
func New(log *slog.Logger, verifier Verifier, d Dispatcher, m *metrics.Metrics) *Handler {
	return &Handler{
		log:        log,
		verifier:   verifier,
		dispatcher: d,
		metrics:    m,
	}
}

// ServeHTTP godoc
// @Summary Принять событие платёжного шлюза
// @Description Проверяет HMAC-подпись тела и применяет событие к состоянию подписок. 200 — событие применено либо уже было применено, 400 — проблема данных, 500 — временная ошибка, шлюз должен повторить доставку.
// @Tags Billing
// @Accept  json
// @Produce  json
// @Param X-Gateway-Signature header string true "HMAC-SHA256 подпись тела, base64"
// @Success 200 {object} response.Response "Событие обработано"
// @Failure 400 {object} response.ErrorResponse "Некорректное событие или пробел локальных данных"
// @Failure 401 {object} response.ErrorResponse "Неверная подпись"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка, доставка будет повторена"
// @Router /billing/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billingwebhook"
	log := h.log.With(slog.String("op", op))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to read request body"))
		return
	}
	defer func() { _ = r.Body.Close() }()

	ev, err := h.verifier.Verify(body, r.Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAuthentication):
			log.Error("invalid or missing webhook signature")
			w.WriteHeader(http.StatusUnauthorized)
			render.JSON(w, r, response.Error("invalid signature"))
		case errors.Is(err, domain.ErrMalformedEvent):
			log.Error("malformed webhook event", sl.Err(err))
			w.WriteHeader(http.StatusBadRequest)
			render.JSON(w, r, response.Error("malformed event"))
		default:
			log.Error("failed to verify webhook event", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			render.JSON(w, r, response.Error("internal error"))
		}
		return
	}

	if h.metrics != nil {
		h.metrics.EventsReceived.WithLabelValues(ev.Type).Inc()
	}
	start := time.Now()
	outcome := h.dispatcher.Dispatch(r.Context(), ev)
	if h.metrics != nil {
		h.metrics.HandlerDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
		h.metrics.EventsProcessed.WithLabelValues(ev.Type, outcome.Action).Inc()
	}

	w.WriteHeader(outcome.Code)
	if outcome.Code == http.StatusOK {
		render.JSON(w, r, response.OK())
		return
	}
	render.JSON(w, r, response.Error(outcome.Action))
}
