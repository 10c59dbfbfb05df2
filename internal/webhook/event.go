// Package webhook описывает конверт события платёжного шлюза и его
// типизированные объекты данных, а также проверку подписи входящего тела.
package webhook

import (
	"time"
)

// Типы событий шлюза, которые обрабатывает подсистема.
// Остальные типы логируются и подтверждаются без обработки.
const (
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventPaymentIntentSucceeded  = "payment_intent.succeeded"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventCustomerCreated         = "customer.created"
	EventPromotionCodeCreated    = "promotion_code.created"
)

// Event — проверенное и разобранное событие шлюза. Все данные, нужные
// обработчикам, разбираются заранее и передаются по значению вниз:
// повторных обращений к шлюзу внутри обработчиков нет.
type Event struct {
	ID         string
	Type       string
	CustomerID string // Пусто для событий без привязки к клиенту (promotion_code.created)

	Invoice       *InvoiceObject
	PaymentIntent *PaymentIntentObject
	Subscription  *SubscriptionObject
	Customer      *CustomerObject
	PromotionCode *PromotionCodeObject
}

// InvoiceObject — объект инвойса из событий invoice.*.
type InvoiceObject struct {
	ID              string            `json:"id" validate:"required"`
	CustomerID      string            `json:"customer" validate:"required"`
	CustomerEmail   string            `json:"customer_email"`
	SubscriptionID  string            `json:"subscription"`
	PaymentIntentID string            `json:"payment_intent"`
	AmountPaid      int64             `json:"amount_paid"`
	Currency        string            `json:"currency"`
	PeriodEnd       int64             `json:"period_end"` // unix
	Lines           []InvoiceLineItem `json:"lines"`
	Metadata        map[string]string `json:"metadata"`
}

// InvoiceLineItem — строка инвойса с ценой из каталога шлюза.
type InvoiceLineItem struct {
	Description string `json:"description"`
	PriceID     string `json:"price"`
	Amount      int64  `json:"amount"`
}

// PriceID возвращает gateway price id первой строки инвойса.
func (i *InvoiceObject) PriceID() string {
	if len(i.Lines) == 0 {
		return ""
	}
	return i.Lines[0].PriceID
}

// PaymentIntentObject — объект разового списания (payment_intent.succeeded).
type PaymentIntentObject struct {
	ID         string            `json:"id" validate:"required"`
	CustomerID string            `json:"customer" validate:"required"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	CreatedAt  int64             `json:"created"` // unix
	Metadata   map[string]string `json:"metadata"`
}

// SubscriptionObject — объект подписки из событий customer.subscription.*.
type SubscriptionObject struct {
	ID                string `json:"id" validate:"required"`
	CustomerID        string `json:"customer" validate:"required"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"` // unix
	CanceledAt        int64  `json:"canceled_at"`        // unix, 0 если не отменена
	PriceID           string `json:"price"`
}

// PeriodEnd возвращает момент окончания оплаченного периода.
func (s *SubscriptionObject) PeriodEnd() time.Time {
	return time.Unix(s.CurrentPeriodEnd, 0).UTC()
}

// CustomerObject — объект клиента из события customer.created.
type CustomerObject struct {
	ID       string            `json:"id" validate:"required"`
	Email    string            `json:"email" validate:"required"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// PromotionCodeObject — объект промокода из события promotion_code.created.
type PromotionCodeObject struct {
	ID   string `json:"id" validate:"required"`
	Code string `json:"code" validate:"required"`
}
