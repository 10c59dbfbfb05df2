// Package dispatcher направляет проверенные события шлюза зарегистрированным
// обработчикам. Здесь — и только здесь — события одного клиента
// сериализуются, ограничивается время обработки, широко перехватываются
// паники и ошибки сопоставляются с HTTP-кодом ответа шлюзу.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/keylock"
	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	"github.com/magabrotheeeer/tutor-billing/internal/webhook"
)

// HandlerFunc — обработчик одного типа события.
type HandlerFunc func(ctx context.Context, ev *webhook.Event) error

// Outcome — итог обработки события для HTTP-ответа шлюзу.
type Outcome struct {
	Code   int
	Action string
}

// Dispatcher хранит реестр обработчиков по типу события.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	locks    *keylock.KeyLock
	timeout  time.Duration
	log      *slog.Logger
}

// New создает Dispatcher с таймаутом обработки одного события.
func New(timeout time.Duration, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		locks:    keylock.New(),
		timeout:  timeout,
		log:      log,
	}
}

// Register привязывает обработчик к типу события.
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.handlers[eventType] = h
}

// Dispatch обрабатывает одно событие и возвращает итог для ответа шлюзу.
//
// Обработка события выполняется под мьютексом клиента: два события одного
// клиента никогда не сверяются параллельно, события разных клиентов не
// мешают друг другу. Мьютекс освобождается на любом пути выхода, включая
// панику обработчика. Итог логируется ровно один раз.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *webhook.Event) (outcome Outcome) {
	start := time.Now()

	handler, ok := d.handlers[ev.Type]
	if !ok {
		outcome = Outcome{Code: http.StatusOK, Action: "unhandled_type"}
		d.logOutcome(ev, outcome, start, nil)
		return outcome
	}

	if ev.CustomerID != "" {
		d.locks.Lock(ev.CustomerID)
		defer d.locks.Unlock(ev.CustomerID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.run(ctx, handler, ev)
	outcome = mapOutcome(err)
	d.logOutcome(ev, outcome, start, err)
	return outcome
}

// run вызывает обработчик, превращая панику в ошибку: одно отравленное
// событие не должно ронять процесс, принимающий вебхуки.
func (d *Dispatcher) run(ctx context.Context, handler HandlerFunc, ev *webhook.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

func (d *Dispatcher) logOutcome(ev *webhook.Event, outcome Outcome, start time.Time, err error) {
	attrs := []any{
		slog.String("action", outcome.Action),
		slog.String("event_id", ev.ID),
		slog.String("event_type", ev.Type),
		slog.String("customer_id", ev.CustomerID),
		slog.Int("code", outcome.Code),
		slog.Duration("took", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, sl.Err(err))
		d.log.Error("event processing failed", attrs...)
		return
	}
	d.log.Info("event processed", attrs...)
}

// mapOutcome сопоставляет ошибку обработчика с HTTP-кодом ответа.
// 200 — полный либо идемпотентный успех, 400 — проблема данных (слепой
// повтор не поможет), 500 — повторяемая ошибка (шлюз повторит с backoff).
func mapOutcome(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Code: http.StatusOK, Action: "processed"}
	case errors.Is(err, domain.ErrUnresolvableCustomer):
		return Outcome{Code: http.StatusBadRequest, Action: "unresolvable_customer"}
	case errors.Is(err, domain.ErrMissingPrerequisite):
		return Outcome{Code: http.StatusBadRequest, Action: "missing_prerequisite"}
	case errors.Is(err, domain.ErrMalformedEvent):
		return Outcome{Code: http.StatusBadRequest, Action: "malformed_event"}
	case errors.Is(err, domain.ErrUnknownPlan):
		return Outcome{Code: http.StatusInternalServerError, Action: "unknown_plan"}
	case errors.Is(err, context.DeadlineExceeded):
		return Outcome{Code: http.StatusInternalServerError, Action: "handler_timeout"}
	default:
		return Outcome{Code: http.StatusInternalServerError, Action: "internal_error"}
	}
}
