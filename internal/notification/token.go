package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/soko-payments/internal"
)

// TokenVerifier checks subscriber tokens: HS256 JWTs whose subject is the
// user id (or the operator channel id).
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), now: time.Now}
}

// Issue signs a subscriber token for subject.
func (v *TokenVerifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify returns the subject of a valid token.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	if len(v.secret) == 0 {
		return "", internal.NewUnauthorizedError("notification tokens are not configured", internal.ErrCodeInvalidToken)
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", internal.NewUnauthorizedError("Token expired", internal.ErrCodeInvalidToken)
		}
		return "", internal.ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return "", internal.ErrInvalidToken
	}
	return claims.Subject, nil
}
