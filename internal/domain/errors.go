// Package domain содержит типизированные ошибки подсистемы биллинга.
// Низкоуровневые компоненты возвращают эти ошибки (обёрнутые через %w),
// а диспетчер сопоставляет их с HTTP-кодами ответа для платёжного шлюза.
package domain

import "errors"

var (
	// ErrAuthentication — подпись входящего события не прошла проверку.
	// Событие отклоняется без каких-либо побочных эффектов.
	ErrAuthentication = errors.New("webhook signature verification failed")

	// ErrMalformedEvent — тело события не разбирается в ожидаемый конверт
	// или типизированный объект данных.
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrUnresolvableCustomer — клиент шлюза не сопоставляется ни с одним
	// локальным пользователем и ни с одной временной учёткой.
	ErrUnresolvableCustomer = errors.New("gateway customer cannot be resolved to a local user")

	// ErrMissingPrerequisite — событие ссылается на сущность, которая обязана
	// существовать локально (например, подписка платящего клиента), но её нет.
	ErrMissingPrerequisite = errors.New("required local entity does not exist")

	// ErrUnknownPlan — цена из события не найдена в каталоге планов.
	// Ответ должен приглашать шлюз повторить доставку после исправления каталога.
	ErrUnknownPlan = errors.New("gateway price id does not match any plan")

	// ErrInsufficientTokens — списание привело бы к отрицательному балансу.
	ErrInsufficientTokens = errors.New("insufficient lesson token balance")
)
