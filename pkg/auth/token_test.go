package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/channel-gateway/pkg/errors"
)

const testSecret = "test-secret-key"

func TestVerify(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		token, err := Mint("alice", "room:lobby", testSecret, time.Hour)
		require.NoError(t, err)

		claims, err := Verify(token, testSecret)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.ID)
		assert.Equal(t, "room:lobby", claims.Channel)
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := Mint("alice", "room:lobby", testSecret, -time.Minute)
		require.NoError(t, err)

		_, err = Verify(token, testSecret)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBadToken))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := Mint("alice", "room:lobby", "other-secret", time.Hour)
		require.NoError(t, err)

		_, err = Verify(token, testSecret)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBadToken))
	})

	t.Run("unsigned token rejected", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"id":  "alice",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		tokenStr, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = Verify(tokenStr, testSecret)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBadToken))
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := Verify("not.a.token", testSecret)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBadToken))
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := Verify("", testSecret)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBadToken))
	})

	t.Run("missing id claim", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"channel": "room:lobby",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})
		tokenStr, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = Verify(tokenStr, testSecret)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBadToken))
	})

	t.Run("channel claim optional", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"id":  "alice",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		tokenStr, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		claims, err := Verify(tokenStr, testSecret)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.ID)
		assert.Empty(t, claims.Channel)
	})
}
