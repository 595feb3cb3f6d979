package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator validates admin bearer tokens and returns parsed claims.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// NewValidator returns a Validator checking HMAC-signed tokens against
// secret. Tokens must carry Audience and the given issuer.
func NewValidator(secret, issuer string) (Validator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &localValidator{secret: []byte(secret), issuer: issuer}, nil
}

type localValidator struct {
	secret []byte
	issuer string
}

func (v *localValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithAudience(Audience), jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("jwt validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid jwt token")
	}
	return claims.Copy(), nil
}

// IssueToken signs a token that NewValidator(secret, issuer) accepts. It is
// used by the CLI to mint operator tokens.
func IssueToken(secret, issuer, subject string, ttl time.Duration, scopes ...string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret must not be empty")
	}
	now := time.Now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}
