package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/upb/authgate/idp"
)

// Requirement is what a route demands of the caller. The zero value only
// requires an authenticated principal.
type Requirement struct {
	Group string
}

// RequireGroupMembership returns a requirement for membership in the named group
func RequireGroupMembership(name string) Requirement {
	return Requirement{Group: name}
}

func (r Requirement) String() string {
	if r.Group == "" {
		return "authenticated"
	}
	return "group:" + r.Group
}

// Decision is the outcome of evaluating a requirement, before HTTP translation
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDenyUnauthenticated
	DecisionDenyForbidden
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDenyUnauthenticated:
		return "deny_unauthenticated"
	case DecisionDenyForbidden:
		return "deny_forbidden"
	default:
		return "unknown"
	}
}

// Evaluate decides whether principal satisfies req. A nil principal is
// unauthenticated. Group lookup failures are returned as errors and never
// turned into a deny.
func Evaluate(ctx context.Context, principal *idp.Principal, req Requirement, groups idp.GroupSource) (Decision, error) {
	if principal == nil {
		return DecisionDenyUnauthenticated, nil
	}
	if req.Group == "" {
		return DecisionAllow, nil
	}

	ok, err := principal.HasGroup(ctx, groups, req.Group)
	if err != nil {
		return DecisionDenyForbidden, err
	}
	if !ok {
		return DecisionDenyForbidden, nil
	}
	return DecisionAllow, nil
}

// OutcomeKind is the HTTP-level result of a decision
type OutcomeKind int

const (
	OutcomePassThrough OutcomeKind = iota
	OutcomeUnauthorized
	OutcomeRedirect
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePassThrough:
		return "pass_through"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Outcome is what the middleware does with the request
type Outcome struct {
	Kind     OutcomeKind
	Status   int
	Location string
}

// RedirectTargets configures where browsers are sent when access is denied
type RedirectTargets struct {
	// LoginPath receives unauthenticated browsers, with the original request in ?next=
	LoginPath string
	// ForbiddenPath receives browsers lacking a required group; empty means LoginPath
	ForbiddenPath string
}

// SelectOutcome maps a decision and the negotiated media type to an outcome.
// Only whether access was denied matters, not why: browsers are redirected and
// API clients get 401.
func SelectOutcome(d Decision, mt MediaType, r *http.Request, targets RedirectTargets) Outcome {
	if d == DecisionAllow {
		return Outcome{Kind: OutcomePassThrough, Status: http.StatusOK}
	}

	if mt == MediaTypeJSON {
		return Outcome{Kind: OutcomeUnauthorized, Status: http.StatusUnauthorized}
	}

	location := LoginRedirectURL(targets.LoginPath, r.URL.RequestURI())
	if d == DecisionDenyForbidden && targets.ForbiddenPath != "" {
		location = targets.ForbiddenPath
	}
	return Outcome{Kind: OutcomeRedirect, Status: http.StatusFound, Location: location}
}

// LoginRedirectURL builds the login location carrying the original request URI.
// Slashes are legal in a query and are kept readable: /login?next=/protected
func LoginRedirectURL(loginPath, next string) string {
	if loginPath == "" {
		loginPath = "/login"
	}
	sep := "?"
	if strings.Contains(loginPath, "?") {
		sep = "&"
	}
	return loginPath + sep + "next=" + strings.ReplaceAll(url.QueryEscape(next), "%2F", "/")
}
