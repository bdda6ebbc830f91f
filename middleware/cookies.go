package middleware

import (
	"fmt"
	"net/http"

	"github.com/upb/authgate/idp"
)

// expiredCookieFormat is matched byte for byte by existing clients;
// http.SetCookie would format the attributes and date differently
const expiredCookieFormat = "%s=; path=/; expires=Thu, 01-Jan-1970 00:00:00 GMT; HttpOnly"

// CookieOptions controls the attributes of issued token cookies
type CookieOptions struct {
	Secure bool
	// RefreshMaxAge bounds the refresh_token cookie; zero makes it a session cookie
	RefreshMaxAge int
}

// SetTokenCookies stores a token pair in the access_token and refresh_token cookies.
// The refresh cookie is only written when the pair carries a refresh token.
func SetTokenCookies(w http.ResponseWriter, tokens *idp.TokenResponse, opts CookieOptions) {
	SetAccessTokenCookie(w, tokens, opts)
	if tokens.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     RefreshTokenCookieName,
			Value:    tokens.RefreshToken,
			Path:     "/",
			MaxAge:   opts.RefreshMaxAge,
			HttpOnly: true,
			Secure:   opts.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// SetAccessTokenCookie stores an access token in the access_token cookie
func SetAccessTokenCookie(w http.ResponseWriter, tokens *idp.TokenResponse, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookieName,
		Value:    tokens.AccessToken,
		Path:     "/",
		MaxAge:   tokens.ExpiresIn,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ExpireTokenCookies emits exactly one invalidation header per token cookie
func ExpireTokenCookies(w http.ResponseWriter) {
	h := w.Header()
	h.Add("Set-Cookie", fmt.Sprintf(expiredCookieFormat, AccessTokenCookieName))
	h.Add("Set-Cookie", fmt.Sprintf(expiredCookieFormat, RefreshTokenCookieName))
}
