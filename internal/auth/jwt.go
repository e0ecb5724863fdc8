// Package auth issues and verifies gateway subscriber tokens.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	claimSubject = "sub"
	claimType    = "typ"

	subscriberTokenType = "gateway_subscriber"
)

// GenerateToken creates a signed HS256 JWT authorizing a gateway subscriber.
// Subject names the connecting client (e.g. "tui", "cli", a companion app id).
func GenerateToken(subject, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("auth secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: subject,
		claimType:    subscriberTokenType,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyToken parses a subscriber token and returns its subject.
func VerifyToken(raw, secret string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("token is required")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	if claimString(claims, claimType) != subscriberTokenType {
		return "", fmt.Errorf("unexpected token type")
	}
	subject := claimString(claims, claimSubject)
	if subject == "" {
		return "", fmt.Errorf("token subject missing")
	}
	return subject, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	value, ok := claims[key]
	if !ok {
		return ""
	}
	str, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(str)
}
