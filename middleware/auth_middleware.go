package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/upb/authgate/idp"
	"github.com/upb/authgate/observability"
	"github.com/upb/authgate/utils"
	"go.uber.org/zap"
)

// TokenValidator defines the interface for validating credentials
type TokenValidator interface {
	// Validate validates a credential and returns the principal it identifies
	Validate(ctx context.Context, cred idp.Credential) (*idp.Principal, error)
}

// Options configures an AuthMiddleware
type Options struct {
	// Groups resolves group memberships; nil trusts the groups claim of the token
	Groups idp.GroupSource
	// Redirects are the browser destinations for denied requests
	Redirects RedirectTargets
	// Cookies controls cookies re-issued after a refresh exchange
	Cookies CookieOptions
	// Realm is advertised in the WWW-Authenticate challenge of 401 responses
	Realm string
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	validator TokenValidator
	opts      Options
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, opts Options, logger *zap.Logger) *AuthMiddleware {
	if opts.Realm == "" {
		opts.Realm = "authgate"
	}
	return &AuthMiddleware{
		validator: validator,
		opts:      opts,
		logger:    logger,
	}
}

// RequireAuth returns a middleware enforcing req. Allowed requests reach next
// with the principal in their context. Denied requests are redirected to the
// login page or answered with 401, depending on the negotiated media type.
// Identity provider outages yield 503.
func (m *AuthMiddleware) RequireAuth(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)
			mediaType := NegotiateRequest(r)

			principal, channel, err := m.resolve(ctx, r)
			if err != nil {
				m.unavailable(w, requestID, "validate", err)
				return
			}

			decision, err := Evaluate(ctx, principal, req, m.opts.Groups)
			if err != nil {
				m.unavailable(w, requestID, "group_lookup", err)
				return
			}

			outcome := SelectOutcome(decision, mediaType, r, m.opts.Redirects)
			observability.AuthDecisionsTotal.
				WithLabelValues(channelLabel(channel), decision.String(), outcome.Kind.String()).
				Inc()

			switch outcome.Kind {
			case OutcomePassThrough:
				m.logger.Debug("access allowed",
					zap.String("request_id", requestID),
					zap.String("requirement", req.String()),
					zap.String("sub", principal.AccountID),
					zap.String("channel", string(channel)))

				if principal.Refreshed != nil {
					SetTokenCookies(w, principal.Refreshed, m.opts.Cookies)
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))

			case OutcomeUnauthorized:
				m.logger.Info("access denied",
					zap.String("request_id", requestID),
					zap.String("requirement", req.String()),
					zap.String("decision", decision.String()),
					zap.String("media_type", string(mediaType)))
				_ = utils.WriteUnauthorized(w, m.opts.Realm, denyMessage(decision))

			case OutcomeRedirect:
				m.logger.Info("access denied, redirecting",
					zap.String("request_id", requestID),
					zap.String("requirement", req.String()),
					zap.String("decision", decision.String()),
					zap.String("location", outcome.Location))
				http.Redirect(w, r, outcome.Location, outcome.Status)
			}
		})
	}
}

// RequireAuthenticated requires any authenticated principal
func (m *AuthMiddleware) RequireAuthenticated(next http.Handler) http.Handler {
	return m.RequireAuth(Requirement{})(next)
}

// RequireGroup requires membership in the named group
func (m *AuthMiddleware) RequireGroup(name string) func(http.Handler) http.Handler {
	return m.RequireAuth(RequireGroupMembership(name))
}

// Authenticate resolves the principal when the request carries a valid
// credential but never denies. Handlers read it with PrincipalFromContext.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		principal, _, err := m.resolve(ctx, r)
		if err != nil {
			m.logger.Warn("identity provider unavailable, continuing anonymously",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if principal == nil {
			next.ServeHTTP(w, r)
			return
		}

		if principal.Refreshed != nil {
			SetTokenCookies(w, principal.Refreshed, m.opts.Cookies)
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
	})
}

// resolve validates the effective credential of r. A missing or rejected
// credential yields a nil principal and no error; only identity provider
// failures are returned. When the access_token cookie is rejected, the
// refresh_token cookie is tried before giving up.
func (m *AuthMiddleware) resolve(ctx context.Context, r *http.Request) (*idp.Principal, idp.Channel, error) {
	cred, ok := ExtractCredential(r)
	if !ok {
		return nil, "", nil
	}

	principal, err := m.validate(ctx, cred)
	if err == nil {
		return principal, cred.Channel, nil
	}
	if errors.Is(err, idp.ErrUpstreamUnavailable) {
		return nil, cred.Channel, err
	}

	m.logger.Warn("credential rejected",
		zap.String("request_id", GetRequestIDFromContext(ctx)),
		zap.String("channel", string(cred.Channel)),
		zap.Bool("expired", errors.Is(err, idp.ErrTokenExpired)),
		zap.Error(err))

	fallback, ok := RefreshFallback(r, cred)
	if !ok {
		return nil, cred.Channel, nil
	}

	principal, err = m.validate(ctx, fallback)
	if err == nil {
		return principal, fallback.Channel, nil
	}
	if errors.Is(err, idp.ErrUpstreamUnavailable) {
		return nil, fallback.Channel, err
	}

	m.logger.Warn("credential rejected",
		zap.String("request_id", GetRequestIDFromContext(ctx)),
		zap.String("channel", string(fallback.Channel)),
		zap.Error(err))
	return nil, fallback.Channel, nil
}

func (m *AuthMiddleware) validate(ctx context.Context, cred idp.Credential) (*idp.Principal, error) {
	start := time.Now()
	principal, err := m.validator.Validate(ctx, cred)

	result := "valid"
	switch {
	case errors.Is(err, idp.ErrUpstreamUnavailable):
		result = "upstream_error"
	case err != nil:
		result = "invalid"
	}
	observability.TokenValidationDuration.
		WithLabelValues(string(cred.Channel), result).
		Observe(time.Since(start).Seconds())

	return principal, err
}

func (m *AuthMiddleware) unavailable(w http.ResponseWriter, requestID, operation string, err error) {
	observability.UpstreamFailuresTotal.WithLabelValues(operation).Inc()
	m.logger.Error("identity provider unavailable",
		zap.String("request_id", requestID),
		zap.String("operation", operation),
		zap.Error(err))
	_ = utils.WriteServiceUnavailable(w, "")
}

func denyMessage(d Decision) string {
	if d == DecisionDenyForbidden {
		return "Insufficient permissions"
	}
	return "Missing or invalid credentials"
}

func channelLabel(c idp.Channel) string {
	if c == "" {
		return "none"
	}
	return string(c)
}
