package handlers

import (
	"net/http"

	"github.com/upb/authgate/utils"
)

// ApplicationContext identifies the application the gateway protects
type ApplicationContext struct {
	Href       string
	TenantHref string
	Name       string
}

// ContextHandler exposes the configured application context as plain text
type ContextHandler struct {
	app ApplicationContext
}

// NewContextHandler creates a new ContextHandler
func NewContextHandler(app ApplicationContext) *ContextHandler {
	return &ContextHandler{app: app}
}

// HandleApplication handles GET /application
func (h *ContextHandler) HandleApplication(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteText(w, http.StatusOK, h.app.Href)
}

// HandleClient handles GET /client and returns the tenant href
func (h *ContextHandler) HandleClient(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteText(w, http.StatusOK, h.app.TenantHref)
}

// HandleConfig handles GET /config and returns the application name
func (h *ContextHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteText(w, http.StatusOK, h.app.Name)
}
