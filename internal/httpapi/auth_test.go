package httpapi

import (
	"context"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"orderflow/backend/internal/apperr"
	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
)

const testSecret = "test-secret-key-with-enough-length-0001"

type userStoreStub struct {
	users map[string]domain.User
}

func (s *userStoreStub) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	user, ok := s.users[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newStubAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager(testSecret, time.Hour, &userStoreStub{users: map[string]domain.User{
		"ana@example.com": {
			ID: "usr-ana", Email: "ana@example.com", Role: domain.RoleCustomer, Active: true,
			PasswordHash: mustHashPassword(t, "correct-horse"),
		},
		"old@example.com": {
			ID: "usr-old", Email: "old@example.com", Role: domain.RoleCustomer, Active: false,
			PasswordHash: mustHashPassword(t, "correct-horse"),
		},
		"plain@example.com": {
			ID: "usr-plain", Email: "plain@example.com", Role: domain.RoleCustomer, Active: true,
			PasswordHash: "correct-horse",
		},
	}})
}

func TestLoginIssuesTokenCarryingUserAndRole(t *testing.T) {
	auth := newStubAuth(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Email: " ANA@example.com ", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, "usr-ana", resp.UserID)
	assert.Equal(t, domain.RoleCustomer, resp.Role)

	actor, err := auth.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{UserID: "usr-ana", Role: domain.RoleCustomer}, actor)
}

func TestLoginFailures(t *testing.T) {
	auth := newStubAuth(t)
	ctx := context.Background()

	_, err := auth.Login(ctx, domain.LoginRequest{Email: "ana@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = auth.Login(ctx, domain.LoginRequest{Email: "nobody@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = auth.Login(ctx, domain.LoginRequest{Email: "old@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	// Unhashed stored passwords never match.
	_, err = auth.Login(ctx, domain.LoginRequest{Email: "plain@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestParseTokenRejectsForeignAndExpiredTokens(t *testing.T) {
	auth := newStubAuth(t)

	other := NewAuthManager("another-secret-key-with-enough-length", time.Hour, &userStoreStub{})
	foreign, err := other.sign("usr-ana", domain.RoleAdmin, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = auth.ParseToken(foreign)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	expired, err := auth.sign("usr-ana", domain.RoleCustomer, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = auth.ParseToken(expired)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	unknownRole, err := auth.sign("usr-ana", "superuser", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = auth.ParseToken(unknownRole)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestParseTokenRejectsOtherSigningMethods(t *testing.T) {
	auth := newStubAuth(t)

	claims := workflowClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "usr-ana",
			Issuer:    tokenIssuer,
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleAdmin,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = auth.ParseToken(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}
