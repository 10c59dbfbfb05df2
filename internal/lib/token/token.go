// Package token реализует выпуск и проверку токенов завершения регистрации.
// Токен выдаётся промоушеном временной учётки и отправляется пользователю
// в письме; по нему пользователь задаёт пароль и завершает регистрацию.
package token

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims описывает данные, хранящиеся в регистрационном токене.
type Claims struct {
	UserUID              string `json:"user_uid"`
	Email                string `json:"email"`
	jwt.RegisteredClaims        // Встроенные стандартные claims JWT (ExpiresAt, IssuedAt и пр.)
}

// Maker выпускает и парсит регистрационные токены, подписанные секретным ключом.
type Maker struct {
	secretKey string
	tokenTTL  time.Duration
}

// NewMaker создает Maker с секретным ключом и временем жизни токена.
func NewMaker(secretKey string, ttl time.Duration) *Maker {
	return &Maker{
		secretKey: secretKey,
		tokenTTL:  ttl,
	}
}

// Generate создает регистрационный токен для пользователя.
func (m *Maker) Generate(userUID, email string) (string, error) {
	const op = "token.Generate"
	claims := Claims{
		UserUID: userUID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return signed, nil
}

// Parse проверяет подпись и срок действия токена и возвращает его claims.
func (m *Maker) Parse(tokenStr string) (*Claims, error) {
	const op = "token.Parse"
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: invalid token", op)
	}
	return claims, nil
}

// Hash возвращает bcrypt-хэш токена для хранения в базе.
// В базе хранится только хэш: утечка таблицы не раскрывает сами токены.
// Токен предварительно сворачивается в SHA-256, так как bcrypt
// ограничен 72 байтами входа, а подписанный JWT длиннее.
func Hash(token string) (string, error) {
	const op = "token.Hash"
	digest := sha256.Sum256([]byte(token))
	hashed, err := bcrypt.GenerateFromPassword(digest[:], bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(hashed), nil
}

// CompareHash сравнивает bcrypt-хэш с предъявленным токеном.
func CompareHash(originalHash, presented string) error {
	const op = "token.CompareHash"
	digest := sha256.Sum256([]byte(presented))
	if err := bcrypt.CompareHashAndPassword([]byte(originalHash), digest[:]); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
