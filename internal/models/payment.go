package models

import "time"

// Payment — неизменяемая запись об успешном списании. После создания
// строка никогда не мутируется; gateway_payment_id уникален и служит
// якорем идемпотентности при повторных доставках.
type Payment struct {
	ID               int
	GatewayPaymentID string // payment_intent id либо charge id из шлюза
	GatewayInvoiceID *string
	CustomerID       string
	Amount           int64 // Минорные единицы валюты
	Currency         string
	PaidAt           time.Time
}

// Invoice — неизменяемый инвойс, производный 1:1 от платежа.
type Invoice struct {
	ID        int
	PaymentID int
	Number    string // Сгенерированный номер вида INV-2026-000123
	Lines     []InvoiceLine
	IssuedAt  time.Time
}

// InvoiceLine — строка инвойса.
type InvoiceLine struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}
