// Package sender рендерит и отправляет почтовые уведомления,
// потребляя задания из очередей RabbitMQ.
package sender

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magabrotheeeer/tutor-billing/internal/lib/sl"
	libsmtp "github.com/magabrotheeeer/tutor-billing/internal/lib/smtp"
	"github.com/magabrotheeeer/tutor-billing/internal/models"
)

// Transport описывает SMTP-транспорт для отправки писем.
type Transport interface {
	Connect() (libsmtp.Client, error)
	GetSMTPUser() string
}

// SenderService отправляет письма пользователям платформы.
type SenderService struct {
	transport Transport
	log       *slog.Logger
}

// NewSenderService создает новый экземпляр SenderService.
func NewSenderService(log *slog.Logger, transport Transport) *SenderService {
	return &SenderService{
		transport: transport,
		log:       log,
	}
}

// SendRegistrationEmail отправляет письмо о завершении регистрации
// с регистрационным токеном и реферальным кодом.
func (s *SenderService) SendRegistrationEmail(body []byte) error {
	var message models.RegistrationEmail
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal registration email job", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	to := []string{message.Email}
	subject := "Добро пожаловать! Завершите регистрацию"
	bodyText := fmt.Sprintf(`Здравствуйте, %s!

Оплата прошла успешно, для вас создана учётная запись.
Чтобы задать пароль и завершить регистрацию, перейдите по ссылке с токеном: %s

Ваш персональный реферальный код: %s`,
		message.Name, message.RegistrationToken, message.ReferralCode)

	return s.sendEmail(to, subject, bodyText)
}

// SendSubscriptionEndedEmail отправляет уведомление о завершении подписки.
func (s *SenderService) SendSubscriptionEndedEmail(body []byte) error {
	var message models.SubscriptionEndedEmail
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal subscription ended job", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	to := []string{message.Email}
	subject := "Ваша подписка завершена"
	bodyText := fmt.Sprintf(`Здравствуйте, %s!

Действие вашей подписки закончилось %s.
Чтобы продолжить занятия, оформите подписку заново в личном кабинете.`,
		message.Name, message.EndDate.Format("02.01.2006"))

	return s.sendEmail(to, subject, bodyText)
}

func (s *SenderService) sendEmail(to []string, subject, bodyText string) error {
	msg := strings.Join([]string{
		"From: " + s.transport.GetSMTPUser(),
		"To: " + strings.Join(to, ";"),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		bodyText,
	}, "\r\n")

	client, err := s.transport.Connect()
	if err != nil {
		s.log.Error("failed to connect to SMTP server", sl.Err(err))
		return err
	}
	defer client.Close()

	if err := client.Mail(s.transport.GetSMTPUser()); err != nil {
		s.log.Error("failed to set MAIL FROM", slog.String("from", s.transport.GetSMTPUser()), sl.Err(err))
		return err
	}

	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			s.log.Error("failed to set RCPT TO", slog.String("recipient", addr), sl.Err(err))
			return err
		}
	}

	wc, err := client.Data()
	if err != nil {
		s.log.Error("failed to get Data writer", sl.Err(err))
		return err
	}

	if _, err = wc.Write([]byte(msg)); err != nil {
		s.log.Error("failed to write email body", sl.Err(err))
		return err
	}

	if err = wc.Close(); err != nil {
		s.log.Error("failed to close Data writer", sl.Err(err))
		return err
	}

	if err = client.Quit(); err != nil {
		s.log.Error("failed to quit SMTP client", sl.Err(err))
		return err
	}

	s.log.Info("email sent successfully", slog.Any("to", to))
	return nil
}
