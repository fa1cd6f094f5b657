package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Verifier authenticates HS256 tokens minted by the school identity service
type Verifier struct {
	secret []byte
	issuer string
}

var _ interfaces.Authenticator = (*Verifier)(nil)

// NewVerifier creates a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Authenticate parses token and returns the principal it names
func (v *Verifier) Authenticate(token string) (*types.Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}

	// Refresh tokens must never open a realtime session
	if tokenType, exists := claims["type"]; exists && tokenType == "refresh" {
		return nil, fmt.Errorf("%w: refresh token", ErrInvalidClaims)
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if !types.IsValidUserID(userID) {
		return nil, fmt.Errorf("%w: user id", ErrInvalidClaims)
	}

	role, _ := claims["role"].(string)
	return &types.Principal{UserID: userID, Role: role}, nil
}

// SignToken mints a token the Verifier accepts. Production tokens come from
// the identity service; this backs tooling and tests.
func SignToken(secret, issuer string, p types.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": p.UserID,
		"role":    p.Role,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
