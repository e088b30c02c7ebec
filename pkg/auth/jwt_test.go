package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorfleet/tutorfleet/pkg/events"
)

const testSecret = "test-secret"

func TestVerifyValidToken(t *testing.T) {
	raw, err := Sign(testSecret, "u1", events.RoleStudent, time.Hour)
	require.NoError(t, err)

	claims, err := NewVerifier(testSecret).Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, events.RoleStudent, claims.Role)
}

func TestVerifyExpiredToken(t *testing.T) {
	raw, err := Sign(testSecret, "u1", events.RoleStudent, -time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret).Verify(raw)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyWrongSecret(t *testing.T) {
	raw, err := Sign("other-secret", "u1", events.RoleStudent, time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret).Verify(raw)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := NewVerifier(testSecret).Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsMissingUserID(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewVerifier(testSecret).Verify(raw)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret).Verify(raw)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFromAuthorizationHeader(t *testing.T) {
	assert.Equal(t, "abc", FromAuthorizationHeader("Bearer abc"))
	assert.Equal(t, "abc", FromAuthorizationHeader("bearer abc"))
	assert.Empty(t, FromAuthorizationHeader(""))
	assert.Empty(t, FromAuthorizationHeader("Basic abc"))
	assert.Empty(t, FromAuthorizationHeader("Bearer"))
}
