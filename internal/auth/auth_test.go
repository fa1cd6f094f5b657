package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpulse/pkg/types"
)

const secret = "test-secret-0123456789"

func sign(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestVerifier_Authenticate(t *testing.T) {
	v := NewVerifier(secret, "")

	token, err := SignToken(secret, "", types.Principal{UserID: "t-01", Role: "teacher"}, time.Hour)
	require.NoError(t, err)

	p, err := v.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "t-01", p.UserID)
	assert.Equal(t, "teacher", p.Role)

	p, err = v.Authenticate("Bearer " + token)
	require.NoError(t, err, "bearer prefix is tolerated")
	assert.Equal(t, "t-01", p.UserID)
}

func TestVerifier_SubjectFallback(t *testing.T) {
	v := NewVerifier(secret, "")
	token := sign(t, jwt.MapClaims{"sub": "s-9", "exp": time.Now().Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(secret))

	p, err := v.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "s-9", p.UserID)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier(secret, "school")
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", sign(t, jwt.MapClaims{"user_id": "u1", "iss": "school", "exp": future}, jwt.SigningMethodHS256, []byte("another-secret-xxxxxx")), ErrInvalidToken},
		{"expired", sign(t, jwt.MapClaims{"user_id": "u1", "iss": "school", "exp": time.Now().Add(-time.Minute).Unix()}, jwt.SigningMethodHS256, []byte(secret)), ErrInvalidToken},
		{"no expiry", sign(t, jwt.MapClaims{"user_id": "u1", "iss": "school"}, jwt.SigningMethodHS256, []byte(secret)), ErrInvalidToken},
		{"wrong issuer", sign(t, jwt.MapClaims{"user_id": "u1", "iss": "other", "exp": future}, jwt.SigningMethodHS256, []byte(secret)), ErrInvalidToken},
		{"refresh token", sign(t, jwt.MapClaims{"user_id": "u1", "iss": "school", "exp": future, "type": "refresh"}, jwt.SigningMethodHS256, []byte(secret)), ErrInvalidClaims},
		{"bad user id", sign(t, jwt.MapClaims{"user_id": "a b", "iss": "school", "exp": future}, jwt.SigningMethodHS256, []byte(secret)), ErrInvalidClaims},
		{"hs512", sign(t, jwt.MapClaims{"user_id": "u1", "iss": "school", "exp": future}, jwt.SigningMethodHS512, []byte(secret)), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Authenticate(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
