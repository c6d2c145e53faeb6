package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/ctxmgr"
	"github.com/shehryarbajwa/sandbox-browser/internal/proxy"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/session"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr *session.Manager
	browser    runtime.Manager
	proxy      *proxy.Server
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, browser runtime.Manager, debug *proxy.Server, logger *zap.Logger) *Handler {
	return &Handler{
		sessionMgr: sessionMgr,
		browser:    browser,
		proxy:      debug,
		logger:     logger,
	}
}

// actionResponse is the wire form of runtime.ActionResult
type actionResponse struct {
	runtime.ActionResult
	Kind runtime.Kind `json:"kind,omitempty"`
}

type actionFunc func(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.sessionMgr.CreateSession(r.Context(), req)
	respond(w, http.StatusCreated, session, err)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionMgr.GetSession(mux.Vars(r)["id"])
	respond(w, http.StatusOK, session, err)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	status := models.SessionStatus(r.URL.Query().Get("status"))

	sessions := h.sessionMgr.ListSessions(projectID, status)
	if sessions == nil {
		sessions = []*models.Session{}
	}

	writeJSON(w, http.StatusOK, sessions)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.sessionMgr.DeleteSession(r.Context(), mux.Vars(r)["id"])
	respond(w, http.StatusNoContent, nil, err)
}

// GetDebugURL handles GET /v1/sessions/{id}/debug
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionMgr.GetSession(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	resp := map[string]string{
		"debuggerUrl": fmt.Sprintf("ws://%s/v1/sessions/%s/ws", r.Host, session.ID),
		"sessionId":   session.ID,
		"status":      string(session.Status),
	}
	if session.Status == models.StatusRunning {
		if endpoint, err := h.proxy.Target(r.Context(), session); err == nil {
			resp["wsEndpoint"] = endpoint
		} else {
			h.logger.Debug("no public devtools endpoint", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type timeoutRequest struct {
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

func (t timeoutRequest) apply(opts runtime.ActionOptions) runtime.ActionOptions {
	if t.TimeoutMs > 0 {
		opts.Timeout = time.Duration(t.TimeoutMs) * time.Millisecond
	}
	return opts
}

// Attach handles POST /v1/sessions/{id}/attach
func (h *Handler) Attach(w http.ResponseWriter, r *http.Request) {
	var req timeoutRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.Attach(ctx, hd, req.apply(opts))
	})
}

// Navigate handles POST /v1/sessions/{id}/navigate
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		timeoutRequest
		URL       string `json:"url"`
		WaitUntil string `json:"waitUntil,omitempty"`
	}
	if !decodeRequired(w, r, &req) {
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.Navigate(ctx, hd, req.URL, runtime.NavigateOptions{
			ActionOptions: req.apply(opts),
			WaitUntil:     req.WaitUntil,
		})
	})
}

type clickRequest struct {
	timeoutRequest
	Button     string `json:"button,omitempty"`
	ClickCount int    `json:"clickCount,omitempty"`
}

func (c clickRequest) options(opts runtime.ActionOptions) runtime.ClickOptions {
	return runtime.ClickOptions{ActionOptions: c.apply(opts), Button: c.Button, ClickCount: c.ClickCount}
}

// Click handles POST /v1/sessions/{id}/click
func (h *Handler) Click(w http.ResponseWriter, r *http.Request) {
	var req struct {
		clickRequest
		Selector string `json:"selector"`
	}
	if !decodeRequired(w, r, &req) {
		return
	}
	if req.Selector == "" {
		http.Error(w, "selector is required", http.StatusBadRequest)
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.Click(ctx, hd, req.Selector, req.options(opts))
	})
}

// ClickAt handles POST /v1/sessions/{id}/click-at
func (h *Handler) ClickAt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		clickRequest
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if !decodeRequired(w, r, &req) {
		return
	}
	if req.X == nil || req.Y == nil {
		http.Error(w, "x and y are required", http.StatusBadRequest)
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.ClickAt(ctx, hd, *req.X, *req.Y, req.options(opts))
	})
}

// Scroll handles POST /v1/sessions/{id}/scroll
func (h *Handler) Scroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		timeoutRequest
		DeltaX int `json:"deltaX"`
		DeltaY int `json:"deltaY"`
	}
	if !decodeRequired(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.Scroll(ctx, hd, req.DeltaX, req.DeltaY, req.apply(opts))
	})
}

// Type handles POST /v1/sessions/{id}/type
func (h *Handler) Type(w http.ResponseWriter, r *http.Request) {
	var req struct {
		timeoutRequest
		Selector string `json:"selector"`
		Text     string `json:"text"`
		DelayMs  int    `json:"delayMs,omitempty"`
		Clear    bool   `json:"clear,omitempty"`
	}
	if !decodeRequired(w, r, &req) {
		return
	}
	if req.Selector == "" {
		http.Error(w, "selector is required", http.StatusBadRequest)
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.Type(ctx, hd, req.Selector, req.Text, runtime.TypeOptions{
			ActionOptions: req.apply(opts),
			Delay:         time.Duration(req.DelayMs) * time.Millisecond,
			Clear:         req.Clear,
		})
	})
}

// ExtractContent handles POST /v1/sessions/{id}/extract
func (h *Handler) ExtractContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		timeoutRequest
		Selector string `json:"selector,omitempty"`
		Format   string `json:"format,omitempty"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.ExtractContent(ctx, hd, runtime.ExtractOptions{
			ActionOptions: req.apply(opts),
			Selector:      req.Selector,
			Format:        req.Format,
		})
	})
}

// Screenshot handles POST /v1/sessions/{id}/screenshot
func (h *Handler) Screenshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		timeoutRequest
		FullPage bool   `json:"fullPage,omitempty"`
		Format   string `json:"format,omitempty"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.Screenshot(ctx, hd, runtime.ScreenshotOptions{
			ActionOptions: req.apply(opts),
			FullPage:      req.FullPage,
			Format:        req.Format,
		})
	})
}

// Download handles POST /v1/sessions/{id}/download
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	var req struct {
		timeoutRequest
		URL      string `json:"url"`
		FileName string `json:"fileName,omitempty"`
	}
	if !decodeRequired(w, r, &req) {
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.Download(ctx, hd, req.URL, runtime.DownloadOptions{
			ActionOptions: req.apply(opts),
			FileName:      req.FileName,
		})
	})
}

// SaveState handles POST /v1/sessions/{id}/state/save
func (h *Handler) SaveState(w http.ResponseWriter, r *http.Request) {
	var req timeoutRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.SaveState(ctx, hd, req.apply(opts))
	})
}

// RestoreState handles POST /v1/sessions/{id}/state/restore. Without a
// state in the body the handle's saved state file is restored.
func (h *Handler) RestoreState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		timeoutRequest
		State json.RawMessage `json:"state,omitempty"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	h.run(w, r, func(ctx context.Context, hd models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
		return h.browser.RestoreState(ctx, hd, req.State, req.apply(opts))
	})
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, fn actionFunc) {
	id := mux.Vars(r)["id"]
	res, err := h.sessionMgr.Do(r.Context(), id, fn)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
		if res.Kind == runtime.KindApplication {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, actionResponse{ActionResult: res, Kind: res.Kind})
}

// statusFor maps manager errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, ctxmgr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrConcurrencyLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func decodeRequired(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// decodeOptional accepts an empty body
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// respond writes v with status, or the mapped error
func respond(w http.ResponseWriter, status int, v any, err error) {
	switch {
	case err != nil:
		http.Error(w, err.Error(), statusFor(err))
	case v == nil:
		w.WriteHeader(status)
	default:
		writeJSON(w, status, v)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
