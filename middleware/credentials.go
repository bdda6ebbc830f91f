package middleware

import (
	"net/http"
	"strings"

	"github.com/upb/authgate/idp"
)

const (
	// AccessTokenCookieName holds the access token issued at login
	AccessTokenCookieName = "access_token"
	// RefreshTokenCookieName holds the refresh token issued at login
	RefreshTokenCookieName = "refresh_token"
)

// ExtractCredential selects the effective credential of a request.
// Precedence: Authorization Bearer header, access_token cookie, refresh_token cookie.
// Malformed headers count as no credential.
func ExtractCredential(r *http.Request) (idp.Credential, bool) {
	if token := extractBearerToken(r); token != "" {
		return idp.Credential{Token: token, Channel: idp.ChannelHeaderBearer}, true
	}
	if token := cookieValue(r, AccessTokenCookieName); token != "" {
		return idp.Credential{Token: token, Channel: idp.ChannelCookieAccess}, true
	}
	if token := cookieValue(r, RefreshTokenCookieName); token != "" {
		return idp.Credential{Token: token, Channel: idp.ChannelCookieRefresh}, true
	}
	return idp.Credential{}, false
}

// RefreshFallback returns the refresh_token cookie credential of a request whose
// effective credential is the access_token cookie. A browser whose access token
// expired keeps its session this way.
func RefreshFallback(r *http.Request, primary idp.Credential) (idp.Credential, bool) {
	if primary.Channel != idp.ChannelCookieAccess {
		return idp.Credential{}, false
	}
	if token := cookieValue(r, RefreshTokenCookieName); token != "" {
		return idp.Credential{Token: token, Channel: idp.ChannelCookieRefresh}, true
	}
	return idp.Credential{}, false
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
