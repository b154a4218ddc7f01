package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/infra/auth"
)

// Issuer — издатель токенов консоли.
const Issuer = "agentvault-console"

var ErrInvalidCredentials = errors.New("invalid credentials")

// OperatorProvider — источник операторов: Postgres или конфиг.
type OperatorProvider interface {
	GetOperator(ctx context.Context, username string) (*domain.Operator, error)
}

// StaticOperators — операторы из конфига (логин -> bcrypt-хэш), все с правами admin.
type StaticOperators map[string]*domain.Operator

func NewStaticOperators(hashes map[string]string) StaticOperators {
	out := make(StaticOperators, len(hashes))
	for name, hash := range hashes {
		out[name] = &domain.Operator{
			ID:           name,
			Username:     name,
			PasswordHash: hash,
			Scopes:       map[string]bool{domain.ScopeAdmin: true},
		}
	}
	return out
}

func (s StaticOperators) GetOperator(_ context.Context, username string) (*domain.Operator, error) {
	return s[username], nil
}

// AuthService выдает токены и (через BaseValidator) проверяет их.
type AuthService struct {
	*auth.BaseValidator
	repo       OperatorProvider
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	clock      clockwork.Clock
}

func NewAuthService(repo OperatorProvider, privateKey *rsa.PrivateKey, ttl time.Duration, clock clockwork.Clock) *AuthService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(&privateKey.PublicKey, Issuer),
		repo:          repo,
		privateKey:    privateKey,
		ttl:           ttl,
		clock:         clock,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	op, err := s.repo.GetOperator(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup operator: %w", err)
	}
	if op == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Claims со скоупами оператора
	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.CustomClaims{
		UserID: op.ID,
		Scopes: op.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 4. Подпись закрытым ключом (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
