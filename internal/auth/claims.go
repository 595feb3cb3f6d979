package auth

import "github.com/golang-jwt/jwt/v5"

// Audience is the audience every admin token must carry.
const Audience = "sni-relay-admin"

// Claims represents the JWT payload expected from admin API callers.
type Claims struct {
	// Scopes limits what the bearer may read. Empty means everything.
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant scope.
func (c *Claims) Allows(scope string) bool {
	if c == nil {
		return false
	}
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of claims to avoid sharing state across goroutines.
func (c *Claims) Copy() *Claims {
	if c == nil {
		return nil
	}
	copyClaims := *c
	if len(c.Scopes) > 0 {
		copyClaims.Scopes = append([]string{}, c.Scopes...)
	}
	if len(c.Audience) > 0 {
		copyClaims.Audience = append(jwt.ClaimStrings{}, c.Audience...)
	}
	return &copyClaims
}
