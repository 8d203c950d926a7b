package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)

	tok, exp, err := m.GenerateToken("dashboard", ScopeSubscribe)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", claims.Subject)
	assert.Equal(t, ScopeSubscribe, claims.Scope)

	other := NewTokenManager("other", time.Minute)
	_, err = other.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, _, err := m.GenerateToken("svc", ScopeService)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestServiceTokensMintPerCall(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)
	src := ServiceTokens{Manager: m, Subject: "camwatch"}

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, ScopeService, claims.Scope)

	static, err := StaticToken("api-key").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api-key", static)
}

func TestAuthenticate(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)
	a := NewAuthenticator(true, m)
	tok, _, err := m.GenerateToken("dashboard", ScopeSubscribe)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/alerts?token="+tok, nil)
	claims, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", claims.Subject)

	r = httptest.NewRequest("GET", "/ws/alerts", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	_, err = a.Authenticate(r)
	assert.NoError(t, err)

	r = httptest.NewRequest("GET", "/ws/alerts", nil)
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)

	bad, _, _ := m.GenerateToken("x", "admin")
	r = httptest.NewRequest("GET", "/ws/alerts?token="+bad, nil)
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, ErrForbidden)

	claims, err = NewAuthenticator(false, m).Authenticate(httptest.NewRequest("GET", "/", nil))
	assert.NoError(t, err)
	assert.Nil(t, claims)
}
