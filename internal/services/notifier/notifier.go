// Package notifier публикует задания на почтовые уведомления в RabbitMQ.
// Публикация строго fire-and-forget: её сбой логируется вызывающей стороной
// и никогда не откатывает успешную сверку.
package notifier

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/tutor-billing/internal/models"
	"github.com/magabrotheeeer/tutor-billing/internal/rabbitmq"
)

// Channel покрывает методы amqp.Channel, нужные для публикации.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Notifier публикует задания в exchange notifications.
type Notifier struct {
	ch Channel
}

// New создает Notifier поверх открытого канала.
func New(ch Channel) *Notifier {
	return &Notifier{ch: ch}
}

// PublishRegistrationEmail ставит в очередь письмо о завершении регистрации.
func (n *Notifier) PublishRegistrationEmail(msg models.RegistrationEmail) error {
	const op = "notifier.PublishRegistrationEmail"
	return n.publish(op, rabbitmq.RegistrationRoutingKey, msg)
}

// PublishSubscriptionEnded ставит в очередь письмо о завершении подписки.
func (n *Notifier) PublishSubscriptionEnded(msg models.SubscriptionEndedEmail) error {
	const op = "notifier.PublishSubscriptionEnded"
	return n.publish(op, rabbitmq.SubscriptionEndedRoutingKey, msg)
}

func (n *Notifier) publish(op, routingKey string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = n.ch.Publish(
		"notifications",
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
