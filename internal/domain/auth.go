package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Скоупы оператора консоли
const (
	ScopeApprove = "approvals.decide"
	ScopeResume  = "components.resume"
	ScopeAdmin   = "admin"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "approvals.decide": true
	jwt.RegisteredClaims
}

// Has: admin разрешает все.
func (c *CustomClaims) Has(scope string) bool {
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator — человек, который решает по запросам и снимает паузы.
type Operator struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отправляем наружу
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
}
