package models

import "time"

// Статусы подписки. Жизненный цикл: ACTIVE -> CANCELLING -> ENDED,
// с возможной реактивацией обратно в ACTIVE с переиспользованием строки.
const (
	SubscriptionActive     = "ACTIVE"
	SubscriptionCancelling = "CANCELLING"
	SubscriptionEnded      = "ENDED"
)

// Plan — тарифный план из каталога. Каталог управляется вне этой подсистемы,
// здесь только чтение по gateway_price_id.
type Plan struct {
	ID             int
	Name           string
	GatewayPriceID string // ID цены в платёжном шлюзе
	DurationDays   int    // Длительность оплачиваемого периода в днях
	Amount         int64  // Стоимость в минорных единицах валюты
	Currency       string
	MaxChildren    int // Сколько детей может покрывать подписка
}

// Subscription — один логический жизненный цикл подписки клиента шлюза.
// Строка переиспользуется при продлении и реактивации, не дублируется.
type Subscription struct {
	ID                    int
	UserUID               string
	GatewayCustomerID     string
	GatewaySubscriptionID string
	PlanID                int
	Status                string
	AutoRenew             bool
	StartDate             time.Time
	NextPaymentDate       time.Time
	EndOfSubscriptionDate *time.Time // nil, пока подписка не завершена и не запланировано завершение
	CancelledAt           *time.Time
}

// CoveredChild связывает ребёнка с подпиской родителя. Строки не удаляются,
// а помечаются неактивными с проставленным ended_at.
type CoveredChild struct {
	ID             int
	SubscriptionID int
	ChildUID       string
	IsActive       bool
	EndedAt        *time.Time
}
