package idp

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims represents the claims carried by an access token issued by the identity provider
type Claims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email"`
	Tenant   string   `json:"tenant"`
	Groups   []string `json:"groups"`
	TokenUse string   `json:"token_use"`
}

// validateCustomClaims checks the claims the JWT library does not know about
func validateCustomClaims(claims *Claims) error {
	if claims.Subject == "" {
		return fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	// Refresh tokens are never accepted where an access token is expected
	if claims.TokenUse != "" && claims.TokenUse != "access" {
		return fmt.Errorf("invalid token_use: %s", claims.TokenUse)
	}

	return nil
}

// toPrincipal converts verified claims into a request principal
func toPrincipal(claims *Claims, channel Channel) *Principal {
	p := &Principal{
		AccountID:   claims.Subject,
		Email:       claims.Email,
		Application: claims.Issuer,
		Tenant:      claims.Tenant,
		Channel:     channel,
		TokenGroups: claims.Groups,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p
}
