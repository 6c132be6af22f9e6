package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const subscribeScope = "registry:subscribe"

var ErrBadSubscribeToken = errors.New("invalid subscribe token")

type subscribeClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// IssueSubscribeToken mints the time-boxed credential a client presents
// to open a registry subscription. It is bound to one user and is never
// refreshed mid-session; expiry ends delivery until the client
// resubscribes with a fresh token.
func IssueSubscribeToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, subscribeClaims{
		Scope: subscribeScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign subscribe token: %w", err)
	}
	return signed, nil
}

// ParseSubscribeToken returns the user id the token is scoped to.
func ParseSubscribeToken(secret []byte, tokenString string) (string, error) {
	var claims subscribeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSubscribeToken
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrBadSubscribeToken
	}
	if claims.Scope != subscribeScope || claims.Subject == "" {
		return "", ErrBadSubscribeToken
	}
	return claims.Subject, nil
}
