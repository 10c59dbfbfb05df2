package rabbitmq

// QueueConfig описывает очередь и её ключ маршрутизации.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// Имена очередей почтовых уведомлений.
const (
	RegistrationQueue      = "notifications.registration"
	SubscriptionEndedQueue = "notifications.subscription_ended"

	RegistrationRoutingKey      = "registration"
	SubscriptionEndedRoutingKey = "subscription_ended"
)

// GetNotificationQueues возвращает очереди уведомлений биллинга.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: RegistrationQueue, RoutingKey: RegistrationRoutingKey},
		{QueueName: SubscriptionEndedQueue, RoutingKey: SubscriptionEndedRoutingKey},
	}
}
