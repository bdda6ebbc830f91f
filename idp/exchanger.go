package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TokenResponse represents the OAuth2 token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// OAuthError is an error answer from the token or revocation endpoint
type OAuthError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s (status %d): %s", e.Code, e.Status, e.Description)
	}
	return fmt.Sprintf("oauth error %s (status %d)", e.Code, e.Status)
}

// Unwrap classifies the answer: client errors reject the credential, anything
// else means the provider is not usable right now
func (e *OAuthError) Unwrap() error {
	if e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized {
		return ErrInvalidCredential
	}
	return ErrUpstreamUnavailable
}

// ExchangerConfig holds the OAuth2 endpoints of the identity provider
type ExchangerConfig struct {
	TokenURL     string
	RevokeURL    string
	ClientID     string
	ClientSecret string
	HTTPTimeout  time.Duration
}

// Exchanger talks to the identity provider's OAuth2 token endpoints
type Exchanger struct {
	cfg        ExchangerConfig
	httpClient *http.Client
}

// NewExchanger creates a new token exchanger
func NewExchanger(cfg ExchangerConfig) *Exchanger {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Exchanger{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// PasswordGrant authenticates an account with its login and password
func (e *Exchanger) PasswordGrant(ctx context.Context, username, password string) (*TokenResponse, error) {
	return e.tokenRequest(ctx, url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	})
}

// RefreshGrant exchanges a refresh token for a new access token
func (e *Exchanger) RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return e.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// Revoke asks the provider to revoke a token (RFC 7009). Providers without a
// revocation endpoint are treated as a no-op.
func (e *Exchanger) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	if e.cfg.RevokeURL == "" {
		return nil
	}

	data := url.Values{"token": {token}}
	if tokenTypeHint != "" {
		data.Set("token_type_hint", tokenTypeHint)
	}

	resp, body, err := e.post(ctx, e.cfg.RevokeURL, data)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseOAuthError(resp.StatusCode, body)
	}
	return nil
}

func (e *Exchanger) tokenRequest(ctx context.Context, data url.Values) (*TokenResponse, error) {
	if e.cfg.TokenURL == "" {
		return nil, fmt.Errorf("%w: token endpoint not configured", ErrUpstreamUnavailable)
	}

	resp, body, err := e.post(ctx, e.cfg.TokenURL, data)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseOAuthError(resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: parse token response: %v", ErrUpstreamUnavailable, err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in response", ErrUpstreamUnavailable)
	}

	return &tokenResp, nil
}

func (e *Exchanger) post(ctx context.Context, endpoint string, data url.Values) (*http.Response, []byte, error) {
	// Public clients identify themselves in the form body
	if e.cfg.ClientSecret == "" && e.cfg.ClientID != "" {
		data.Set("client_id", e.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if e.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(e.cfg.ClientID), url.QueryEscape(e.cfg.ClientSecret))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: token request failed: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read token response: %v", ErrUpstreamUnavailable, err)
	}

	return resp, body, nil
}

func parseOAuthError(status int, body []byte) error {
	oauthErr := &OAuthError{Status: status}
	if err := json.Unmarshal(body, oauthErr); err != nil || oauthErr.Code == "" {
		oauthErr.Code = http.StatusText(status)
	}
	return oauthErr
}
