package handlers

import (
	"net/http"

	"github.com/upb/authgate/idp"
	"github.com/upb/authgate/middleware"
	"github.com/upb/authgate/utils"
	"go.uber.org/zap"
)

// PrincipalResponse describes the caller of /me
type PrincipalResponse struct {
	Authenticated bool     `json:"authenticated"`
	AccountID     string   `json:"account_id,omitempty"`
	Email         string   `json:"email,omitempty"`
	Channel       string   `json:"channel,omitempty"`
	Groups        []string `json:"groups,omitempty"`
}

// ProtectedHandler serves the sample routes guarded by the auth middleware
type ProtectedHandler struct {
	groups idp.GroupSource
	logger *zap.Logger
}

// NewProtectedHandler creates a new ProtectedHandler. groups may be nil, in
// which case /me reports the groups carried by the token.
func NewProtectedHandler(groups idp.GroupSource, logger *zap.Logger) *ProtectedHandler {
	return &ProtectedHandler{groups: groups, logger: logger}
}

// HandleProtected handles GET /protected
func (h *ProtectedHandler) HandleProtected(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteText(w, http.StatusOK, "OK")
}

// HandleRequireGroup handles GET /requireGroup
func (h *ProtectedHandler) HandleRequireGroup(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteText(w, http.StatusOK, "OK")
}

// HandleMe handles GET /me. It never denies: anonymous callers get
// {"authenticated": false}.
func (h *ProtectedHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteJSON(w, http.StatusOK, PrincipalResponse{})
		return
	}

	groups, err := principal.Groups(r.Context(), h.groups)
	if err != nil {
		h.logger.Error("failed to resolve groups",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("sub", principal.AccountID),
			zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "")
		return
	}

	_ = utils.WriteJSON(w, http.StatusOK, PrincipalResponse{
		Authenticated: true,
		AccountID:     principal.AccountID,
		Email:         principal.Email,
		Channel:       string(principal.Channel),
		Groups:        groups,
	})
}
