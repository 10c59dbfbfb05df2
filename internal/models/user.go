// Package models содержит доменные структуры биллинга: пользователей,
// подписки, платежи, инвойсы и записи токен-леджера. Структуры используются
// в бизнес-логике и при работе с хранилищем.
package models

import "time"

// Роли пользователей платформы.
const (
	RoleStudent = "STUDENT"
	RoleParent  = "PARENT"
)

// User представляет постоянного пользователя платформы.
// Создаётся обычной регистрацией либо промоушеном временной учётки
// после первого успешного платежа. Никогда не удаляется.
type User struct {
	UID                   string     // Уникальный идентификатор пользователя
	Email                 string     // Электронная почта, уникальна без учёта регистра
	Name                  string     // Отображаемое имя
	Role                  string     // STUDENT или PARENT
	ParentUID             *string    // UID родителя для детских учёток
	Grade                 *int       // Класс обучения (для студентов)
	Address               *string    // Адрес из метаданных чекаута
	ReferralCode          string     // Персональный реферальный код
	GatewayPromoID        *string    // ID промокода в шлюзе, привязанного к реферальному коду
	GatewayCustomerID     *string    // ID клиента в платёжном шлюзе
	RegistrationTokenHash string     // bcrypt-хэш токена завершения регистрации
	CreatedAt             time.Time
}

// TemporaryUser — плейсхолдер учётной записи, создаваемый на чекауте
// до первого платежа. Удаляется при промоушене в постоянного пользователя.
type TemporaryUser struct {
	GatewayCustomerID string    // Ключ: ID клиента в шлюзе
	Email             string
	Name              string
	Role              string            // Предполагаемая роль после промоушена
	Metadata          map[string]string // Сырые метаданные чекаута (grade, address, child uids...)
	CreatedAt         time.Time
}
