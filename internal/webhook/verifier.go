package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/tutor-billing/internal/domain"
)

// envelope — сырой конверт события шлюза.
type envelope struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verifier аутентифицирует тело вебхука и разбирает его в типизированное событие.
// Неаутентифицированные события не должны попадать в последующие стадии,
// поэтому проверка подписи выполняется до любого разбора JSON.
type Verifier struct {
	secret   string
	validate *validator.Validate
}

// NewVerifier создает Verifier с секретом подписи вебхука.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:   secret,
		validate: validator.New(),
	}
}

// Verify проверяет HMAC-подпись тела и разбирает событие.
// Возвращает domain.ErrAuthentication при несовпадении подписи и
// domain.ErrMalformedEvent, если тело не разбирается в конверт или
// типизированный объект данных.
func (v *Verifier) Verify(body []byte, signature string) (*Event, error) {
	const op = "webhook.Verify"

	if signature == "" || !v.checkSignature(body, signature) {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrAuthentication)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, domain.ErrMalformedEvent, err)
	}
	if err := v.validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, domain.ErrMalformedEvent, err)
	}

	ev := &Event{ID: env.ID, Type: env.Type}
	if err := v.decodeObject(ev, env.Data.Object); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ev, nil
}

// checkSignature сверяет HMAC-SHA256 от тела с подписью из заголовка.
// Сравнение константно по времени.
func (v *Verifier) checkSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(body)
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expectedSig), []byte(signature))
}

// Sign возвращает подпись тела; используется тестами и утилитами повторной отправки.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) decodeObject(ev *Event, raw json.RawMessage) error {
	decode := func(dst any) error {
		if len(raw) == 0 {
			return domain.ErrMalformedEvent
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
		}
		if err := v.validate.Struct(dst); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
		}
		return nil
	}

	switch ev.Type {
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var obj InvoiceObject
		if err := decode(&obj); err != nil {
			return err
		}
		ev.Invoice = &obj
		ev.CustomerID = obj.CustomerID
	case EventPaymentIntentSucceeded:
		var obj PaymentIntentObject
		if err := decode(&obj); err != nil {
			return err
		}
		ev.PaymentIntent = &obj
		ev.CustomerID = obj.CustomerID
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var obj SubscriptionObject
		if err := decode(&obj); err != nil {
			return err
		}
		ev.Subscription = &obj
		ev.CustomerID = obj.CustomerID
	case EventCustomerCreated:
		var obj CustomerObject
		if err := decode(&obj); err != nil {
			return err
		}
		ev.Customer = &obj
		ev.CustomerID = obj.ID
	case EventPromotionCodeCreated:
		var obj PromotionCodeObject
		if err := decode(&obj); err != nil {
			return err
		}
		ev.PromotionCode = &obj
	default:
		// Неизвестный тип: конверт валиден, объект не разбираем.
		// Диспетчер залогирует и подтвердит событие.
	}
	return nil
}
