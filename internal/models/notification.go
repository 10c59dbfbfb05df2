package models

import "time"

// RegistrationEmail — задание на письмо о завершении регистрации,
// публикуемое в очередь уведомлений при промоушене временной учётки.
type RegistrationEmail struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	RegistrationToken string `json:"registration_token"`
	ReferralCode      string `json:"referral_code"`
}

// SubscriptionEndedEmail — задание на письмо о завершении подписки.
type SubscriptionEndedEmail struct {
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	EndDate time.Time `json:"end_date"`
}
