package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/upb/authgate/auth"
	"github.com/upb/authgate/config"
	"github.com/upb/authgate/idp"
	"github.com/upb/authgate/middleware"
	"github.com/upb/authgate/repositories/cache"
	"github.com/upb/authgate/repositories/postgres"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB
	Redis  *redis.Client

	// Repository Factory, nil when no group directory is configured
	RepoFactory *postgres.RepositoryFactory

	// Groups resolves memberships for group requirements. Nil means the
	// groups claim of the token is trusted.
	Groups idp.GroupSource

	// Memberships writes the group directory, nil without a database
	Memberships *MembershipAdmin

	// Identity provider
	Validator *idp.Validator
	Exchanger *idp.Exchanger

	// Auth
	authHandler    *auth.Handler
	AuthMiddleware *middleware.AuthMiddleware
}

// AuthHandler returns the auth handler for route wiring
func (d *Dependencies) AuthHandler() *auth.Handler {
	return d.authHandler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Initialize the group directory (optional)
	if err := deps.initGroups(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize group directory: %w", err)
	}

	// Initialize identity provider clients and auth
	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.Bool("group_directory", deps.Groups != nil),
		zap.Bool("group_cache", deps.Redis != nil))
	return deps, nil
}

// initGroups connects the Postgres group directory and, when Redis is
// configured, puts the membership cache in front of it
func (d *Dependencies) initGroups(ctx context.Context, cfg *config.Config) error {
	if cfg.Database == nil {
		d.Logger.Info("no group directory configured, using token groups")
		if cfg.Redis.Addr != "" {
			d.Logger.Warn("redis configured without a group directory, ignoring")
		}
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(ctx, *cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	repos := factory.NewRepositories()
	d.Groups = repos.Groups

	if cfg.Redis.Addr == "" {
		d.Memberships = NewMembershipAdmin(repos.Groups, nil, d.Logger)
		return nil
	}

	client, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		// The directory still answers without the cache
		d.Logger.Warn("group cache unavailable, querying the directory directly",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		d.Memberships = NewMembershipAdmin(repos.Groups, nil, d.Logger)
		return nil
	}
	d.Redis = client
	groupCache := cache.NewGroupCache(client, repos.Groups, cfg.Redis.GroupCacheTTL, d.Logger)
	d.Groups = groupCache
	d.Memberships = NewMembershipAdmin(repos.Groups, groupCache, d.Logger)
	d.Logger.Info("group cache enabled",
		zap.String("addr", cfg.Redis.Addr),
		zap.Duration("ttl", cfg.Redis.GroupCacheTTL))
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	d.Exchanger = idp.NewExchanger(idp.ExchangerConfig{
		TokenURL:     cfg.IdP.TokenURL,
		RevokeURL:    cfg.IdP.RevokeURL,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		HTTPTimeout:  cfg.IdP.HTTPTimeout,
	})

	d.Validator = idp.NewValidator(idp.Config{
		Issuer:      cfg.IdP.Issuer,
		Audience:    cfg.IdP.Audience,
		JWKSURL:     cfg.IdP.JWKSURL,
		Leeway:      cfg.IdP.Leeway,
		CacheTTL:    cfg.IdP.JWKSCacheTTL,
		MinRefetch:  cfg.IdP.JWKSMinRefetch,
		HTTPTimeout: cfg.IdP.HTTPTimeout,
	}, d.Exchanger)

	cookies := middleware.CookieOptions{
		Secure:        cfg.Cookies.Secure,
		RefreshMaxAge: int(cfg.Cookies.RefreshMaxAge.Seconds()),
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Validator, middleware.Options{
		Groups: d.Groups,
		Redirects: middleware.RedirectTargets{
			LoginPath:     cfg.Routes.LoginPath,
			ForbiddenPath: cfg.Routes.ForbiddenRedirect,
		},
		Cookies: cookies,
	}, d.Logger)

	d.authHandler = auth.NewHandler(d.Exchanger, d.Validator, auth.Options{
		LoginPath:       cfg.Routes.LoginPath,
		LogoutRedirect:  cfg.Routes.LogoutRedirect,
		ApplicationName: cfg.Application.Name,
		Cookies:         cookies,
	}, d.Logger)

	d.Logger.Info("auth initialized",
		zap.String("issuer", cfg.IdP.Issuer),
		zap.String("required_group", cfg.Routes.RequiredGroup))
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
