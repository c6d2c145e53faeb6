package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/sandbox-browser/internal/ctxmgr"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// ContextHandler serves persisted browser contexts
type ContextHandler struct {
	contexts *ctxmgr.Manager
}

// NewContextHandler creates a context handler
func NewContextHandler(contexts *ctxmgr.Manager) *ContextHandler {
	return &ContextHandler{contexts: contexts}
}

// CreateContext handles POST /v1/contexts
func (h *ContextHandler) CreateContext(w http.ResponseWriter, r *http.Request) {
	var req models.CreateContextRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = getProjectID(r)
	}

	c, err := h.contexts.CreateContext(req.ProjectID)
	respond(w, http.StatusCreated, c, err)
}

// GetContext handles GET /v1/contexts/{id}
func (h *ContextHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.contexts.GetContext(mux.Vars(r)["id"])
	respond(w, http.StatusOK, c, err)
}

// DeleteContext handles DELETE /v1/contexts/{id}. Sessions already
// restored from the context are unaffected.
func (h *ContextHandler) DeleteContext(w http.ResponseWriter, r *http.Request) {
	err := h.contexts.DeleteContext(mux.Vars(r)["id"])
	respond(w, http.StatusNoContent, nil, err)
}
