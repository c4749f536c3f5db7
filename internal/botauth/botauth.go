// Package botauth issues the short-lived bot-identity token the Bridge uses
// to join the cloud SFU (spec §4.8, §1 "cryptographic token issuance ...
// external collaborator"). In production this token server lives outside
// the core; this package is the self-contained dev/demo issuer so
// cmd/relayd can start a Bridge without a real deployment.
package botauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims asserts the bot's hidden, subscribe-only grant (spec §4.8).
type Claims struct {
	RoomID   string `json:"roomId"`
	Identity string `json:"identity"`
	Hidden   bool   `json:"hidden"`
	// SubscribeOnly marks the grant as subscribe-only (no publishing).
	SubscribeOnly bool `json:"subscribeOnly"`
	jwt.RegisteredClaims
}

// Issuer signs short-lived bot tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer. ttl is the token lifetime (the bot reconnects
// and re-mints as needed; there is no refresh-token path here).
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// botIdentityPrefix distinguishes the bot's participant identity from any
// user identity sharing the same room, so the cloud SFU and other
// participants never confuse the two (spec §4.8).
const botIdentityPrefix = "relay-bot-"

// Mint signs a token asserting a hidden, subscribe-only bot identity scoped
// to roomID.
func (i *Issuer) Mint(roomID string) (token string, identity string, err error) {
	identity = botIdentityPrefix + roomID
	now := time.Now()
	claims := Claims{
		RoomID:   roomID,
		Identity: identity,
		Hidden:   true,
		SubscribeOnly: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := signed.SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("botauth: sign token: %w", err)
	}
	return tokenString, identity, nil
}

// Validate parses and verifies a bot token, returning its claims. Used only
// by tests and by any demo component standing in for the cloud SFU's own
// token verification.
func (i *Issuer) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("botauth: parse token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("botauth: invalid token claims")
	}
	return claims, nil
}
