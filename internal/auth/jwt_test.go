package auth

import (
	"math"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
)

const testSecret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(sub any) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestNewTokenManager(t *testing.T) {
	tm, err := NewTokenManager(testSecret, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithm, tm.algorithm)

	_, err = NewTokenManager(testSecret, "RS256")
	assert.Error(t, err)

	_, err = NewTokenManager(testSecret, "nope")
	assert.Error(t, err)
}

func TestTokenManager_Authenticate(t *testing.T) {
	tm, err := NewTokenManager(testSecret, "HS256")
	require.NoError(t, err)

	t.Run("numeric subject", func(t *testing.T) {
		userID, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, validClaims(9)))
		require.NoError(t, err)
		assert.Equal(t, int64(9), userID)
	})

	t.Run("string subject", func(t *testing.T) {
		userID, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, validClaims("42")))
		require.NoError(t, err)
		assert.Equal(t, int64(42), userID)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := tm.Authenticate("")
		assert.ErrorIs(t, err, apperrors.ErrMissingToken)

		_, err = tm.Authenticate("   ")
		assert.ErrorIs(t, err, apperrors.ErrMissingToken)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := jwt.MapClaims{"sub": 9, "exp": time.Now().Add(-time.Minute).Unix()}
		_, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, claims))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("token without expiry", func(t *testing.T) {
		_, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": 9}))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, "other-secret", validClaims(9)))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("algorithm other than configured", func(t *testing.T) {
		_, err := tm.Authenticate(sign(t, jwt.SigningMethodHS512, testSecret, validClaims(9)))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("non-integer subject", func(t *testing.T) {
		_, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, validClaims("ana")))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)

		_, err = tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, validClaims(1.5)))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("subject outside int64 range", func(t *testing.T) {
		_, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, validClaims(float64(math.MaxInt64))))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)

		_, err = tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, validClaims(-math.Pow(2, 64))))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
		_, err := tm.Authenticate(sign(t, jwt.SigningMethodHS256, testSecret, claims))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.Authenticate("not.a.jwt")
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})
}

func TestSubjectToUserID_Bounds(t *testing.T) {
	id, err := subjectToUserID(float64(1 << 62))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<62), id)

	id, err = subjectToUserID(float64(math.MinInt64))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), id)

	_, err = subjectToUserID(math.Pow(2, 63))
	assert.Error(t, err)

	id, err = subjectToUserID("9223372036854775807")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), id)
}
