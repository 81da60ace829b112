// Package auth verifies the HMAC-signed bearer tokens presented at channel
// join time.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nmxmxh/channel-gateway/pkg/errors"
)

// Claims is the identity extracted from a validated join token.
type Claims struct {
	// ID is the external identity used for presence tracking.
	ID string
	// Channel is the topic the token was minted for. The verifier does not
	// compare it to the join topic; callers may choose whether to check.
	Channel string
	// ExpiresAt is the token expiry.
	ExpiresAt time.Time
}

// Verify parses and validates an HMAC-SHA256 token carrying {id, channel, exp}.
func Verify(tokenStr, secret string) (Claims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, errors.Wrap(errors.ErrBadToken, err.Error())
	}
	if !token.Valid {
		return Claims{}, errors.ErrBadToken
	}
	id := toString(claims["id"])
	if id == "" {
		return Claims{}, errors.Wrap(errors.ErrBadToken, "missing id claim")
	}
	return Claims{
		ID:        id,
		Channel:   toString(claims["channel"]),
		ExpiresAt: toTime(claims["exp"]),
	}, nil
}

// Mint signs a token for the given identity and channel. Used by tests and by
// the token-minting endpoint one layer up.
func Mint(id, channel, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":      id,
		"channel": channel,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// Helper to convert interface{} to string.
func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Helper to convert a JWT numeric date to time.Time.
func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	}
	return time.Time{}
}
