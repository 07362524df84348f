// Package authtest signs tokens for tests of packages that sit behind the verifier.
package authtest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"stockwire.com/internal/notify/auth"
)

const Secret = "test-secret"

// Token signs an HS256 token for sub that expires after ttl (negative ttl gives an expired token).
func Token(t testing.TB, sub, email, role string, ttl time.Duration) string {
	t.Helper()
	return TokenWithSecret(t, Secret, sub, email, role, ttl)
}

func TokenWithSecret(t testing.TB, secret, sub, email, role string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := auth.Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// Verifier returns a verifier that accepts tokens from Token.
func Verifier(t testing.TB) *auth.JWTVerifier {
	t.Helper()
	v, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: Secret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}
