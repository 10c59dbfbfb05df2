package models

import "time"

// Причины движения токенов в леджере.
const (
	TokenReasonSignupBonus = "signup_bonus"
	TokenReasonTokenPack   = "token_pack"
	TokenReasonLesson      = "lesson"
)

// TokenEntry — запись append-only леджера токенов уроков.
// Delta положительна для начислений и отрицательна для списаний.
// SourceRef — стабильная ссылка на источник (id события или платежа шлюза),
// уникальная в пределах пользователя: повторная доставка того же события
// обнаруживается по уже существующей записи с той же ссылкой.
type TokenEntry struct {
	ID        int
	UserUID   string
	Delta     int
	Reason    string
	SourceRef string
	CreatedAt time.Time
}
