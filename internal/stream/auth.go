package stream

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "reqwatch"

// ErrUnauthorized is reported when a subscriber presents a missing or invalid token
var ErrUnauthorized = errors.New("unauthorized")

// IssueToken signs a short-lived subscribe token with secret. A non-empty
// sessionID binds the token to that session identity.
func IssueToken(secret, sessionID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks presented against the configured secret. The secret
// itself is accepted, as is an HS256 token signed with it. An empty secret
// admits everyone.
func ValidateToken(secret, presented, sessionID string) error {
	if secret == "" {
		return nil
	}
	if presented == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1 {
		return nil
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(presented, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return ErrUnauthorized
	}
	if claims.Subject != "" && claims.Subject != sessionID {
		return ErrUnauthorized
	}
	return nil
}
