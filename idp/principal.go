package idp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidCredential is returned when a token is malformed, expired, revoked
	// or was not issued for this application
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrTokenExpired is returned together with ErrInvalidCredential for expired tokens
	ErrTokenExpired = errors.New("token expired")

	// ErrUpstreamUnavailable is returned when the identity provider could not be
	// reached or answered with a server error. It says nothing about the credential.
	ErrUpstreamUnavailable = errors.New("identity provider unavailable")
)

// Channel identifies the transport a token arrived on
type Channel string

const (
	ChannelHeaderBearer  Channel = "header-bearer"
	ChannelCookieAccess  Channel = "cookie-access"
	ChannelCookieRefresh Channel = "cookie-refresh"
)

// Credential is a raw token together with the channel it was read from
type Credential struct {
	Token   string
	Channel Channel
}

// IsRefresh reports whether the credential is a refresh token
func (c Credential) IsRefresh() bool {
	return c.Channel == ChannelCookieRefresh
}

// GroupSource resolves the group memberships of an account
type GroupSource interface {
	GroupsForAccount(ctx context.Context, accountID string) ([]string, error)
}

// Principal is the identity resolved from a validated credential.
// It lives for a single request and is never shared between requests.
type Principal struct {
	AccountID   string
	Email       string
	Application string
	Tenant      string
	Channel     Channel
	IssuedAt    time.Time
	ExpiresAt   time.Time

	// TokenGroups holds the groups carried in the token itself, if any
	TokenGroups []string

	// Refreshed is set when the principal was obtained by exchanging a refresh
	// token; it carries the new token pair so the caller can re-issue cookies
	Refreshed *TokenResponse

	groupsMu     sync.Mutex
	groups       []string
	groupsLoaded bool
}

// Groups returns the principal's groups, fetching them from src on first use.
// A nil src falls back to the groups carried in the token. Failed lookups are
// not cached so a later call may retry.
func (p *Principal) Groups(ctx context.Context, src GroupSource) ([]string, error) {
	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()

	if p.groupsLoaded {
		return p.groups, nil
	}

	if src == nil {
		p.groups = p.TokenGroups
		p.groupsLoaded = true
		return p.groups, nil
	}

	groups, err := src.GroupsForAccount(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: group lookup: %w", ErrUpstreamUnavailable, err)
	}

	p.groups = groups
	p.groupsLoaded = true
	return p.groups, nil
}

// HasGroup reports whether the principal belongs to the named group
func (p *Principal) HasGroup(ctx context.Context, src GroupSource, name string) (bool, error) {
	groups, err := p.Groups(ctx, src)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g == name {
			return true, nil
		}
	}
	return false, nil
}
