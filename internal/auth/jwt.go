package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
)

// DefaultAlgorithm is used when no signing algorithm is configured.
const DefaultAlgorithm = "HS256"

// TokenManager validates the bearer tokens presented at connection time
type TokenManager struct {
	secretKey []byte
	algorithm string
	parser    *jwt.Parser
}

var _ ports.Authenticator = (*TokenManager)(nil)

// NewTokenManager creates a token manager for an HMAC algorithm (HS256, HS384, HS512).
func NewTokenManager(secret, algorithm string) (*TokenManager, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}

	return &TokenManager{
		secretKey: []byte(secret),
		algorithm: algorithm,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{algorithm}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Authenticate verifies the token's signature and expiry and returns the
// subject as a user id.
func (tm *TokenManager) Authenticate(tokenString string) (int64, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return 0, apperrors.ErrMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := tm.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tm.secretKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}

	if !token.Valid {
		return 0, apperrors.ErrInvalidToken
	}

	userID, err := subjectToUserID(claims["sub"])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}
	return userID, nil
}

// subjectToUserID coerces the sub claim to an integer. Publishers encode it
// either as a JSON number or as a decimal string.
func subjectToUserID(sub any) (int64, error) {
	switch v := sub.(type) {
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("subject %v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("subject %q is not an integer", v)
		}
		return id, nil
	case nil:
		return 0, fmt.Errorf("subject claim is missing")
	default:
		return 0, fmt.Errorf("subject claim has unexpected type %T", sub)
	}
}
