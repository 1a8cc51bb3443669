// Package auth issues short-lived access tokens and rotates 7-day refresh
// tokens in families. Reuse of a rotated refresh token burns its whole
// family, which is the standard defense against stolen-token replay.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/planware/syncd/server/apperr"
)

const (
	// AccessTTL keeps the blast radius of a leaked access token small.
	AccessTTL = 15 * time.Minute
	// RefreshTTL bounds how long a session survives without activity.
	RefreshTTL = 7 * 24 * time.Hour
)

// Claims is the access-token payload.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// signAccess mints an HS256 access token for the user.
func signAccess(secret []byte, userID, email, role string, now time.Time) (string, error) {
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTTL)),
			Issuer:    "syncd",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccess parses and validates an access token. Only HS256 is
// accepted.
func VerifyAccess(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid access token", err)
	}
	if !token.Valid {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid access token")
	}
	return claims, nil
}

// HashToken is how refresh tokens are stored: only the SHA-256 digest ever
// touches the database.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
