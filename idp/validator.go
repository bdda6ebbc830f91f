package idp

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidIssuer is returned when the token issuer is not the configured application
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrInvalidAudience is returned when the token audience is invalid
	ErrInvalidAudience = errors.New("invalid audience")
)

var tracer = otel.Tracer("github.com/upb/authgate/idp")

// JWKS represents the JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// RefreshExchanger trades a refresh token for a fresh token pair
type RefreshExchanger interface {
	RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Validator verifies access tokens against the identity provider's JWKS and
// resolves refresh tokens through the token endpoint
type Validator struct {
	issuer     string
	audience   string
	jwksURL    string
	leeway     time.Duration
	httpClient *http.Client
	exchanger  RefreshExchanger

	// Cached JWKS and its parsed keys, replaced together on every fetch
	jwksCache    *JWKS
	keyCache     map[string]*rsa.PublicKey
	jwksCacheExp time.Time
	jwksCacheTTL time.Duration
	lastForced   time.Time
	minRefetch   time.Duration
	cacheMu      sync.RWMutex

	// Serializes JWKS fetches
	fetchMu sync.Mutex
}

// Config holds configuration for Validator
type Config struct {
	Issuer      string
	Audience    string
	JWKSURL     string
	Leeway      time.Duration
	CacheTTL    time.Duration
	// MinRefetch bounds how often an unknown kid may bypass the cache TTL
	MinRefetch  time.Duration
	HTTPTimeout time.Duration
}

// NewValidator creates a new token validator. exchanger may be nil, in which
// case refresh token credentials are always rejected.
func NewValidator(config Config, exchanger RefreshExchanger) *Validator {
	if config.CacheTTL == 0 {
		config.CacheTTL = 1 * time.Hour
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 10 * time.Second
	}
	if config.MinRefetch == 0 {
		config.MinRefetch = 30 * time.Second
	}

	return &Validator{
		issuer:       config.Issuer,
		audience:     config.Audience,
		jwksURL:      config.JWKSURL,
		leeway:       config.Leeway,
		exchanger:    exchanger,
		jwksCacheTTL: config.CacheTTL,
		minRefetch:   config.MinRefetch,
		httpClient: &http.Client{
			Timeout:   config.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Validate resolves a credential into a principal. Refresh tokens are exchanged
// for a new access token first. Errors wrap either ErrInvalidCredential or
// ErrUpstreamUnavailable.
func (v *Validator) Validate(ctx context.Context, cred Credential) (*Principal, error) {
	ctx, span := tracer.Start(ctx, "idp.Validate",
		trace.WithAttributes(attribute.String("authgate.credential.channel", string(cred.Channel))))
	defer span.End()

	var (
		principal *Principal
		err       error
	)
	if cred.IsRefresh() {
		principal, err = v.refresh(ctx, cred.Token)
	} else {
		principal, err = v.validateAccessToken(ctx, cred.Token, cred.Channel)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential rejected")
		return nil, err
	}
	return principal, nil
}

// ValidateToken validates a bearer access token
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Principal, error) {
	return v.validateAccessToken(ctx, tokenString, ChannelHeaderBearer)
}

func (v *Validator) validateAccessToken(ctx context.Context, tokenString string, channel Channel) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		return v.getPublicKey(ctx, kid)
	}, jwt.WithLeeway(v.leeway))

	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, ErrTokenExpired)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: %w: expected %s, got %s", ErrInvalidCredential, ErrInvalidIssuer, v.issuer, claims.Issuer)
	}

	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, ErrInvalidAudience)
	}

	if err := validateCustomClaims(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return toPrincipal(claims, channel), nil
}

// refresh exchanges a refresh token and validates the access token it yields
func (v *Validator) refresh(ctx context.Context, refreshToken string) (*Principal, error) {
	if v.exchanger == nil {
		return nil, fmt.Errorf("%w: refresh tokens are not accepted", ErrInvalidCredential)
	}

	tokens, err := v.exchanger.RefreshGrant(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	principal, err := v.validateAccessToken(ctx, tokens.AccessToken, ChannelCookieRefresh)
	if err != nil {
		return nil, err
	}

	// Some providers rotate refresh tokens, others hand the old one back implicitly
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	principal.Refreshed = tokens
	return principal, nil
}

// FetchJWKS returns the identity provider's JWKS, fetching it when the
// cached copy has expired
func (v *Validator) FetchJWKS(ctx context.Context) (*JWKS, error) {
	v.cacheMu.RLock()
	if v.jwksCache != nil && time.Now().Before(v.jwksCacheExp) {
		defer v.cacheMu.RUnlock()
		return v.jwksCache, nil
	}
	v.cacheMu.RUnlock()

	return v.refreshJWKS(ctx, false)
}

// refreshJWKS downloads the key set and replaces the cached keys. Unless
// force is set, a key set another caller fetched meanwhile is reused.
func (v *Validator) refreshJWKS(ctx context.Context, force bool) (*JWKS, error) {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	if !force {
		v.cacheMu.RLock()
		if v.jwksCache != nil && time.Now().Before(v.jwksCacheExp) {
			defer v.cacheMu.RUnlock()
			return v.jwksCache, nil
		}
		v.cacheMu.RUnlock()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks: status code %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("%w: failed to decode JWKS: %v", ErrUpstreamUnavailable, err)
	}

	// Keys that cannot be used for RS256 are left out of the key cache
	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for i := range jwks.Keys {
		key, err := jwkToRSAPublicKey(&jwks.Keys[i])
		if err != nil {
			continue
		}
		keys[jwks.Keys[i].Kid] = key
	}

	v.cacheMu.Lock()
	v.jwksCache = &jwks
	v.keyCache = keys
	v.jwksCacheExp = time.Now().Add(v.jwksCacheTTL)
	v.cacheMu.Unlock()

	return &jwks, nil
}

// getPublicKey retrieves the public key for a given kid. An unknown kid in a
// fresh key set triggers one refetch per minRefetch, so rotated keys are
// picked up before the TTL runs out.
func (v *Validator) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, fresh := v.lookupKey(kid)
	if fresh {
		if key != nil {
			return key, nil
		}
		if !v.allowForcedRefetch() {
			return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
		}
	}

	if _, err := v.refreshJWKS(ctx, fresh); err != nil {
		return nil, err
	}

	if key, _ := v.lookupKey(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

// lookupKey reads the key cache. fresh is false when the cache is empty or
// expired, in which case no key is returned.
func (v *Validator) lookupKey(kid string) (key *rsa.PublicKey, fresh bool) {
	v.cacheMu.RLock()
	defer v.cacheMu.RUnlock()
	if v.jwksCache == nil || !time.Now().Before(v.jwksCacheExp) {
		return nil, false
	}
	return v.keyCache[kid], true
}

func (v *Validator) allowForcedRefetch() bool {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	if !v.lastForced.IsZero() && time.Since(v.lastForced) < v.minRefetch {
		return false
	}
	v.lastForced = time.Now()
	return true
}

// Ping checks that the JWKS endpoint is reachable. Used by readiness checks.
func (v *Validator) Ping(ctx context.Context) error {
	_, err := v.FetchJWKS(ctx)
	return err
}

func jwkToRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	if jwk.Kty != "" && jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e*256 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

func containsAudience(audiences jwt.ClaimStrings, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}
