package auth

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/upb/authgate/idp"
	"github.com/upb/authgate/middleware"
	"github.com/upb/authgate/utils"
	"go.uber.org/zap"
)

const (
	grantTypePassword     = "password"
	grantTypeRefreshToken = "refresh_token"

	revokeTimeout = 5 * time.Second
)

// TokenExchanger performs OAuth2 grants against the identity provider
type TokenExchanger interface {
	PasswordGrant(ctx context.Context, username, password string) (*idp.TokenResponse, error)
	RefreshGrant(ctx context.Context, refreshToken string) (*idp.TokenResponse, error)
	Revoke(ctx context.Context, token, tokenTypeHint string) error
}

// TokenValidator validates access tokens and returns the principal they identify
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*idp.Principal, error)
}

// Options configures the auth handler
type Options struct {
	LoginPath       string
	LogoutRedirect  string
	ApplicationName string
	Cookies         middleware.CookieOptions
}

// Handler serves the login, logout and token endpoints
type Handler struct {
	exchanger TokenExchanger
	validator TokenValidator
	opts      Options
	logger    *zap.Logger
}

// NewHandler creates a new auth handler
func NewHandler(exchanger TokenExchanger, validator TokenValidator, opts Options, logger *zap.Logger) *Handler {
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.LogoutRedirect == "" {
		opts.LogoutRedirect = "/"
	}
	return &Handler{
		exchanger: exchanger,
		validator: validator,
		opts:      opts,
		logger:    logger,
	}
}

// TokenRequest is the form accepted by the token endpoint
type TokenRequest struct {
	GrantType    string `validate:"required,oneof=password refresh_token"`
	Username     string `validate:"required_if=GrantType password"`
	Password     string `validate:"required_if=GrantType password"`
	RefreshToken string `validate:"required_if=GrantType refresh_token"`
}

// LoginRequest carries the credentials posted to the login endpoint
type LoginRequest struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
	Next     string `json:"next,omitempty"`
}

// AccountSummary is returned to JSON clients after a successful login
type AccountSummary struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email,omitempty"`
}

// LoginForm describes the login form to JSON clients
type LoginForm struct {
	Application string   `json:"application,omitempty"`
	Action      string   `json:"action"`
	Method      string   `json:"method"`
	Fields      []string `json:"fields"`
	Next        string   `json:"next,omitempty"`
}

// HandleLogout clears the token cookies. The refresh token, if any, is revoked
// at the identity provider on a best-effort basis.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	if cookie, err := r.Cookie(middleware.RefreshTokenCookieName); err == nil && cookie.Value != "" {
		ctx, cancel := context.WithTimeout(r.Context(), revokeTimeout)
		if err := h.exchanger.Revoke(ctx, cookie.Value, grantTypeRefreshToken); err != nil {
			h.logger.Warn("refresh token revocation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
		cancel()
	}

	middleware.ExpireTokenCookies(w)

	if middleware.NegotiateRequest(r) == middleware.MediaTypeJSON {
		_ = utils.WriteJSON(w, http.StatusOK, nil)
		return
	}
	http.Redirect(w, r, h.opts.LogoutRedirect, http.StatusFound)
}

// HandleToken implements the password and refresh_token grants of POST /oauth/token
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		_ = utils.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", "Malformed form body")
		return
	}

	req := TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		RefreshToken: r.PostForm.Get("refresh_token"),
	}

	if req.GrantType != "" && req.GrantType != grantTypePassword && req.GrantType != grantTypeRefreshToken {
		_ = utils.WriteOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		_ = utils.WriteOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var (
		tokens *idp.TokenResponse
		err    error
	)
	switch req.GrantType {
	case grantTypePassword:
		tokens, err = h.exchanger.PasswordGrant(r.Context(), req.Username, req.Password)
	case grantTypeRefreshToken:
		tokens, err = h.exchanger.RefreshGrant(r.Context(), req.RefreshToken)
	}

	if err != nil {
		h.writeGrantError(w, r, req.GrantType, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	_ = utils.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) writeGrantError(w http.ResponseWriter, r *http.Request, grantType string, err error) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	switch {
	case errors.Is(err, idp.ErrUpstreamUnavailable):
		h.logger.Error("token grant failed",
			zap.String("request_id", requestID),
			zap.String("grant_type", grantType),
			zap.Error(err))
		_ = utils.WriteOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "Identity provider unavailable")
	case errors.Is(err, idp.ErrInvalidCredential):
		h.logger.Info("token grant rejected",
			zap.String("request_id", requestID),
			zap.String("grant_type", grantType))
		_ = utils.WriteOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
	default:
		h.logger.Error("token grant failed",
			zap.String("request_id", requestID),
			zap.String("grant_type", grantType),
			zap.Error(err))
		_ = utils.WriteOAuthError(w, http.StatusInternalServerError, "server_error", "")
	}
}

// HandleLoginPage renders the login form, or describes it to JSON clients
func (h *Handler) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := SafeNext(r.URL.Query().Get("next"))

	if middleware.NegotiateRequest(r) == middleware.MediaTypeJSON {
		_ = utils.WriteJSON(w, http.StatusOK, LoginForm{
			Application: h.opts.ApplicationName,
			Action:      h.opts.LoginPath,
			Method:      http.MethodPost,
			Fields:      []string{"login", "password"},
			Next:        next,
		})
		return
	}

	h.renderLoginPage(w, http.StatusOK, loginPageData{Next: next})
}

// HandleLogin exchanges posted credentials for tokens and stores them in cookies
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	mediaType := middleware.NegotiateRequest(r)
	requestID := middleware.GetRequestIDFromContext(r.Context())

	req, err := decodeLoginRequest(r)
	if err != nil {
		h.loginFailed(w, mediaType, http.StatusBadRequest, req, "Malformed login request")
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		h.loginFailed(w, mediaType, http.StatusBadRequest, req, "Login and password are required")
		return
	}

	tokens, err := h.exchanger.PasswordGrant(r.Context(), req.Login, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, idp.ErrUpstreamUnavailable):
		h.logger.Error("login failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "")
		return
	default:
		h.logger.Info("login rejected",
			zap.String("request_id", requestID),
			zap.Error(err))
		h.loginFailed(w, mediaType, http.StatusUnauthorized, req, "Invalid username or password")
		return
	}

	middleware.SetTokenCookies(w, tokens, h.opts.Cookies)

	if mediaType == middleware.MediaTypeHTML {
		http.Redirect(w, r, SafeNext(req.Next), http.StatusFound)
		return
	}

	summary := AccountSummary{}
	if h.validator != nil {
		principal, err := h.validator.ValidateToken(r.Context(), tokens.AccessToken)
		if err != nil {
			h.logger.Warn("issued token did not validate",
				zap.String("request_id", requestID),
				zap.Error(err))
		} else {
			summary.AccountID = principal.AccountID
			summary.Email = principal.Email
		}
	}
	_ = utils.WriteJSON(w, http.StatusOK, summary)
}

// loginFailed answers a failed login. Browsers get the form again with the
// error; JSON clients get the given status.
func (h *Handler) loginFailed(w http.ResponseWriter, mediaType middleware.MediaType, status int, req LoginRequest, message string) {
	if mediaType == middleware.MediaTypeJSON {
		if status == http.StatusUnauthorized {
			_ = utils.WriteUnauthorized(w, "", message)
			return
		}
		_ = utils.WriteBadRequest(w, message, nil)
		return
	}
	h.renderLoginPage(w, http.StatusOK, loginPageData{
		Next:  SafeNext(req.Next),
		Login: req.Login,
		Error: message,
	})
}

func decodeLoginRequest(r *http.Request) (LoginRequest, error) {
	var req LoginRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Login = r.PostForm.Get("login")
		if req.Login == "" {
			req.Login = r.PostForm.Get("username")
		}
		req.Password = r.PostForm.Get("password")
		req.Next = r.PostForm.Get("next")
	}

	if req.Next == "" {
		req.Next = r.URL.Query().Get("next")
	}
	return req, nil
}

// SafeNext returns next when it is a local path, "/" otherwise
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return next
}

type loginPageData struct {
	Application string
	Action      string
	Next        string
	Login       string
	Error       string
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Log in{{if .Application}} to {{.Application}}{{end}}</title></head>
<body>
<h1>Log in{{if .Application}} to {{.Application}}{{end}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="next" value="{{.Next}}">
<label>Email or username <input type="text" name="login" value="{{.Login}}" required></label>
<label>Password <input type="password" name="password" required></label>
<button type="submit">Log in</button>
</form>
</body>
</html>
`))

func (h *Handler) renderLoginPage(w http.ResponseWriter, status int, data loginPageData) {
	data.Application = h.opts.ApplicationName
	data.Action = h.opts.LoginPath

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginPage.Execute(w, data); err != nil {
		h.logger.Error("failed to render login page", zap.Error(err))
	}
}
