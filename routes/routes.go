package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/authgate/app"
	"github.com/upb/authgate/handlers"
	"github.com/upb/authgate/middleware"
	"github.com/upb/authgate/observability"
	"github.com/upb/authgate/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	}
	if cfg.Observability.MetricsEnabled {
		r.Use(observability.MetricsMiddleware)
	}

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "WWW-Authenticate"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	health := handlers.NewHealthHandler(readinessChecks(deps), deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)
	if cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Application context
	appCtx := handlers.NewContextHandler(handlers.ApplicationContext{
		Href:       cfg.Application.Href,
		TenantHref: cfg.Application.TenantHref,
		Name:       cfg.Application.Name,
	})
	r.Get("/application", appCtx.HandleApplication)
	r.Get("/client", appCtx.HandleClient)
	r.Get("/config", appCtx.HandleConfig)

	// Login, logout and token endpoints
	authHandler := deps.AuthHandler()
	r.Get(cfg.Routes.LoginPath, authHandler.HandleLoginPage)
	r.Post(cfg.Routes.LoginPath, authHandler.HandleLogin)
	r.Post("/logout", authHandler.HandleLogout)
	r.Post("/oauth/token", authHandler.HandleToken)

	// Protected routes
	protected := handlers.NewProtectedHandler(deps.Groups, deps.Logger)
	r.With(deps.AuthMiddleware.RequireAuthenticated).Get("/protected", protected.HandleProtected)
	r.With(deps.AuthMiddleware.RequireGroup(cfg.Routes.RequiredGroup)).Get("/requireGroup", protected.HandleRequireGroup)
	r.With(deps.AuthMiddleware.Authenticate).Get("/me", protected.HandleMe)

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusNotFound, "endpoint not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}

// readinessChecks lists the dependencies /readyz verifies. Optional
// dependencies that are not configured are left out.
func readinessChecks(deps *app.Dependencies) map[string]handlers.Checker {
	checks := make(map[string]handlers.Checker)
	if deps.Validator != nil {
		checks["identity_provider"] = handlers.CheckerFunc(deps.Validator.Ping)
	}
	if deps.DB != nil {
		checks["database"] = deps.DB
	}
	if deps.Redis != nil {
		client := deps.Redis
		checks["group_cache"] = handlers.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return checks
}
