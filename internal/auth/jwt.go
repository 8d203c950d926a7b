package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	ScopeService   = "service"
	ScopeSubscribe = "alerts:subscribe"
)

// Claims represents the JWT claims
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenManager mints and validates HS256 tokens.
type TokenManager struct {
	secretKey []byte
	expiry    time.Duration
	issuer    string
	now       func() time.Time
}

// NewTokenManager creates a token manager. An empty secret is replaced by
// a random one, so tokens only validate within this process.
func NewTokenManager(secret string, expiry time.Duration) *TokenManager {
	if secret == "" {
		randomBytes := make([]byte, 32)
		rand.Read(randomBytes)
		secret = hex.EncodeToString(randomBytes)
	}
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}

	return &TokenManager{
		secretKey: []byte(secret),
		expiry:    expiry,
		issuer:    "camwatch",
		now:       time.Now,
	}
}

// GenerateToken creates a token for subject with the given scope
func (m *TokenManager) GenerateToken(subject, scope string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.expiry)

	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token and returns its claims
func (m *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// TokenSource supplies the bearer token for an outbound request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed API key.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// ServiceTokens mints a fresh short-lived service token per request.
type ServiceTokens struct {
	Manager *TokenManager
	Subject string
}

func (s ServiceTokens) Token(context.Context) (string, error) {
	tok, _, err := s.Manager.GenerateToken(s.Subject, ScopeService)
	return tok, err
}
