package routes

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authgate/app"
	"github.com/upb/authgate/config"
	"github.com/upb/authgate/idp"
	"go.uber.org/zap/zaptest"
)

const (
	chromeAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	testKid      = "routes-kid"
	testPassword = "Changeme123!!"
)

// fakeIdP serves a JWKS and an OAuth2 token endpoint. Accounts whose email
// starts with "admin" are in the adminIT group.
type fakeIdP struct {
	*httptest.Server
	key *rsa.PrivateKey
	t   *testing.T
}

func newFakeIdP(t *testing.T) *fakeIdP {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIdP{key: key, t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", f.serveJWKS)
	mux.HandleFunc("/oauth/token", f.serveToken)
	mux.HandleFunc("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIdP) serveJWKS(w http.ResponseWriter, r *http.Request) {
	pub := f.key.PublicKey
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(idp.JWKS{Keys: []idp.JWK{{
		Kid: testKid,
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
}

func (f *fakeIdP) serveToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	var email string
	switch r.PostForm.Get("grant_type") {
	case "password":
		if r.PostForm.Get("password") != testPassword {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		email = r.PostForm.Get("username")
	case "refresh_token":
		var ok bool
		email, ok = strings.CutPrefix(r.PostForm.Get("refresh_token"), "refresh:")
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(idp.TokenResponse{
		AccessToken:  f.accessToken(email, time.Hour),
		RefreshToken: "refresh:" + email,
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	})
}

func (f *fakeIdP) accessToken(email string, ttl time.Duration) string {
	now := time.Now()
	claims := &idp.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    f.URL,
			Subject:   f.URL + "/accounts/" + email,
			Audience:  jwt.ClaimStrings{"authgate"},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:    email,
		TokenUse: "access",
	}
	if strings.HasPrefix(email, "admin") {
		claims.Groups = []string{"adminIT"}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(f.key)
	require.NoError(f.t, err)
	return signed
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeIdP) {
	provider := newFakeIdP(t)

	cfg := config.Defaults()
	cfg.Environment = "test"
	cfg.IdP.Issuer = provider.URL
	cfg.IdP.Audience = "authgate"
	cfg.IdP.JWKSURL = provider.URL + "/jwks"
	cfg.IdP.TokenURL = provider.URL + "/oauth/token"
	cfg.IdP.RevokeURL = provider.URL + "/oauth/revoke"
	cfg.IdP.Leeway = 0
	cfg.Application = config.ApplicationConfig{
		Href:       "https://api.example.com/v1/applications/app123",
		TenantHref: "https://api.example.com/v1/tenants/tenant456",
		Name:       "My Application",
	}
	cfg.CORS.AllowedOrigins = []string{"http://localhost:3000"}

	deps, err := app.NewDependencies(context.Background(), &cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ts := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(ts.Close)
	return ts, provider
}

// noRedirectClient returns redirects to the caller instead of following them
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func do(t *testing.T, method, target, accept string, setup func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if setup != nil {
		setup(req)
	}
	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func cookie(name, value string) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func TestApplicationContextRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		path string
		want string
	}{
		{"/application", "https://api.example.com/v1/applications/app123"},
		{"/client", "https://api.example.com/v1/tenants/tenant456"},
		{"/config", "My Application"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := do(t, http.MethodGet, ts.URL+tt.path, "", nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func TestProtectedRoute(t *testing.T) {
	ts, provider := newTestServer(t)
	token := provider.accessToken("user@example.com", time.Hour)

	t.Run("anonymous browser is redirected to login", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/protected", chromeAccept, nil)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login?"))
		assert.Equal(t, "/login?next=/protected", resp.Header.Get("Location"))
	})

	t.Run("anonymous json client gets 401", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/protected", "application/json", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, `Bearer realm="authgate"`, resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("bearer token", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/protected", "application/json", bearer(token))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("access token cookie", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/protected", chromeAccept, cookie("access_token", token))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("refresh token cookie", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/protected", chromeAccept, cookie("refresh_token", "refresh:user@example.com"))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var names []string
		for _, c := range resp.Cookies() {
			names = append(names, c.Name)
		}
		assert.ElementsMatch(t, []string{"access_token", "refresh_token"}, names)
	})

	t.Run("expired access cookie falls back to refresh cookie", func(t *testing.T) {
		expired := provider.accessToken("user@example.com", -time.Minute)
		resp := do(t, http.MethodGet, ts.URL+"/protected", chromeAccept, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "access_token", Value: expired})
			r.AddCookie(&http.Cookie{Name: "refresh_token", Value: "refresh:user@example.com"})
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("invalid bearer token", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/protected", "application/json", bearer("not-a-jwt"))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestRequireGroupRoute(t *testing.T) {
	ts, provider := newTestServer(t)
	admin := provider.accessToken("admin@example.com", time.Hour)
	user := provider.accessToken("user@example.com", time.Hour)

	t.Run("member is allowed", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/requireGroup", chromeAccept, bearer(admin))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("non member browser is redirected", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/requireGroup", chromeAccept, cookie("access_token", user))
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/login?next=/requireGroup", resp.Header.Get("Location"))
	})

	t.Run("non member json client gets 401", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/requireGroup", "application/json", bearer(user))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("anonymous", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/requireGroup", "application/json", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestTokenAndLogoutFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	form := url.Values{
		"grant_type": {"password"},
		"username":   {"user@example.com"},
		"password":   {testPassword},
	}
	resp, err := http.PostForm(ts.URL+"/oauth/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokens map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
	accessToken, _ := tokens["access_token"].(string)
	refreshToken, _ := tokens["refresh_token"].(string)
	require.NotEmpty(t, accessToken)
	require.NotEmpty(t, refreshToken)

	withCookies := func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "access_token", Value: accessToken})
		r.AddCookie(&http.Cookie{Name: "refresh_token", Value: refreshToken})
	}
	wantCookies := []string{
		"access_token=; path=/; expires=Thu, 01-Jan-1970 00:00:00 GMT; HttpOnly",
		"refresh_token=; path=/; expires=Thu, 01-Jan-1970 00:00:00 GMT; HttpOnly",
	}

	t.Run("browser logout", func(t *testing.T) {
		resp := do(t, http.MethodPost, ts.URL+"/logout", chromeAccept, withCookies)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, wantCookies, resp.Header.Values("Set-Cookie"))
	})

	t.Run("json logout", func(t *testing.T) {
		resp := do(t, http.MethodPost, ts.URL+"/logout", "application/json", withCookies)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, wantCookies, resp.Header.Values("Set-Cookie"))
	})

	t.Run("bad password", func(t *testing.T) {
		bad := url.Values{"grant_type": {"password"}, "username": {"user@example.com"}, "password": {"nope"}}
		resp, err := http.PostForm(ts.URL+"/oauth/token", bad)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLoginRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	t.Run("login page is html for browsers", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/login", chromeAccept, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
	})

	t.Run("login sets cookies and redirects", func(t *testing.T) {
		form := url.Values{"login": {"user@example.com"}, "password": {testPassword}, "next": {"/protected"}}
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/login", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", chromeAccept)

		resp, err := noRedirectClient().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/protected", resp.Header.Get("Location"))
		assert.Len(t, resp.Cookies(), 2)
	})

	t.Run("me reports the caller", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/me", "application/json", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, false, body["authenticated"])
	})
}

func TestOperationalRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	t.Run("healthz", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	})

	t.Run("readyz checks the identity provider", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/readyz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		checks := body["checks"].(map[string]interface{})
		assert.Equal(t, "healthy", checks["identity_provider"])
	})

	t.Run("metrics", func(t *testing.T) {
		do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
		resp := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("request id is echoed", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/healthz", "", func(r *http.Request) {
			r.Header.Set("X-Request-ID", "abc-123")
		})
		assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
	})

	t.Run("not found", func(t *testing.T) {
		resp := do(t, http.MethodGet, ts.URL+"/nonexistent", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("cors preflight", func(t *testing.T) {
		resp := do(t, http.MethodOptions, ts.URL+"/protected", "", func(r *http.Request) {
			r.Header.Set("Origin", "http://localhost:3000")
			r.Header.Set("Access-Control-Request-Method", "GET")
			r.Header.Set("Access-Control-Request-Headers", "Authorization")
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}
