// Package session owns the browser sessions behind the HTTP API. Each
// session holds the durable copy of its browser handle, and calls for one
// session are serialized.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/sandbox-browser/internal/ctxmgr"
	"github.com/shehryarbajwa/sandbox-browser/internal/metrics"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/tier"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

var (
	// ErrNotFound is returned for unknown session ids
	ErrNotFound = errors.New("session not found")
	// ErrNotRunning is returned for calls on a finished session
	ErrNotRunning = errors.New("session is not running")
	// ErrConcurrencyLimit is returned when a project has no free slot
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
)

// Config controls session lifecycle
type Config struct {
	MaxConcurrentPerProject int64
	DefaultTimeout          int
	MinTimeout              int
	MaxTimeout              int
	// IdleAfter is how long a ready handle may go unused before it is
	// marked idle.
	IdleAfter time.Duration
	// EndTimeout bounds the cleanup of a timed out session.
	EndTimeout time.Duration
}

// DefaultConfig returns the documented session limits
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerProject: 5,
		DefaultTimeout:          3600,
		MinTimeout:              60,
		MaxTimeout:              21600,
		IdleAfter:               5 * time.Minute,
		EndTimeout:              2 * time.Minute,
	}
}

// Deps are the collaborators of the manager. Contexts and Metrics are
// optional.
type Deps struct {
	Browser  runtime.Manager
	Tiers    *tier.Manager
	Contexts *ctxmgr.Manager
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// entry guards one session. mu is held for the whole of every browser call.
type entry struct {
	mu      sync.Mutex
	session models.Session
	timer   *time.Timer
}

// Manager handles all session operations
type Manager struct {
	sessions    sync.Map // sessionID -> *entry
	concurrency map[string]*semaphore.Weighted
	mu          sync.RWMutex

	cfg      Config
	browser  runtime.Manager
	tiers    *tier.Manager
	contexts *ctxmgr.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a new session manager
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = DefaultConfig().EndTimeout
	}
	return &Manager{
		concurrency: make(map[string]*semaphore.Weighted),
		cfg:         cfg,
		browser:     deps.Browser,
		tiers:       deps.Tiers,
		contexts:    deps.Contexts,
		metrics:     deps.Metrics,
		logger:      deps.Logger.Named("session"),
		now:         time.Now,
	}
}

// CreateSession provisions a sandbox, starts a browser in it and restores
// the requested context
func (m *Manager) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ProjectID == "" {
		return nil, errors.New("projectId is required")
	}
	if req.Timeout == 0 {
		req.Timeout = m.cfg.DefaultTimeout
	}
	if req.Timeout < m.cfg.MinTimeout || req.Timeout > m.cfg.MaxTimeout {
		return nil, fmt.Errorf("timeout must be between %d and %d seconds", m.cfg.MinTimeout, m.cfg.MaxTimeout)
	}
	if req.ContextID != "" {
		if m.contexts == nil {
			return nil, errors.New("contexts are not enabled")
		}
		if _, err := m.contexts.GetContext(req.ContextID); err != nil {
			return nil, err
		}
	}

	if err := m.acquireSlot(req.ProjectID); err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	targetTier := m.tiers.Route(req.Tier)
	logger := m.logger.With(
		zap.String("session_id", sessionID),
		zap.String("project_id", req.ProjectID),
		zap.String("tier", string(targetTier)))

	sb, err := m.tiers.Provision(ctx, targetTier, sessionID)
	if err != nil {
		m.releaseSlot(req.ProjectID)
		return nil, fmt.Errorf("failed to provision sandbox: %w", err)
	}

	opts := runtime.ActionOptions{SessionID: sessionID, OrganizationID: req.OrganizationID}
	discovery := m.tiers.Discovery(targetTier)
	created := m.browser.Create(ctx, runtime.CreateOptions{
		ActionOptions: opts,
		SandboxID:     sb.ID(),
		Provider:      req.Provider,
		HandleID:      sessionID,
		Headless:      req.Headless,
		Discovery:     &discovery,
	})
	if !created.Success {
		m.releaseSandbox(targetTier, sb.ID(), logger)
		m.releaseSlot(req.ProjectID)
		return nil, fmt.Errorf("failed to start browser: %s", created.Error)
	}
	handle := *created.Handle

	if req.ContextID != "" {
		handle = m.restoreContext(ctx, handle, req.ContextID, opts, logger)
	}

	now := m.now().UTC()
	e := &entry{session: models.Session{
		ID:             sessionID,
		ProjectID:      req.ProjectID,
		OrganizationID: req.OrganizationID,
		Status:         models.StatusRunning,
		Tier:           string(targetTier),
		StartedAt:      now,
		ExpiresAt:      now.Add(time.Duration(req.Timeout) * time.Second),
		Timeout:        req.Timeout,
		ContextID:      req.ContextID,
		Handle:         handle,
	}}
	m.sessions.Store(sessionID, e)

	e.mu.Lock()
	e.timer = time.AfterFunc(time.Duration(req.Timeout)*time.Second, func() { m.handleTimeout(sessionID) })
	session := e.session
	e.mu.Unlock()

	m.updateActive()
	logger.Info("session created",
		zap.String("provider", string(handle.Provider)),
		zap.String("sandbox_id", handle.SandboxID))
	return &session, nil
}

func (m *Manager) restoreContext(ctx context.Context, h models.BrowserHandle, contextID string, opts runtime.ActionOptions, logger *zap.Logger) models.BrowserHandle {
	state, err := m.contexts.LoadState(contextID)
	if errors.Is(err, ctxmgr.ErrNoData) {
		return h
	}
	if err != nil {
		logger.Warn("failed to load context", zap.String("context_id", contextID), zap.Error(err))
		return h
	}
	res := m.browser.RestoreState(ctx, h, state, opts)
	if !res.Success {
		logger.Warn("failed to restore context", zap.String("context_id", contextID), zap.String("error", res.Error))
		return h
	}
	return *res.Handle
}

// GetSession retrieves a copy of a session
func (m *Manager) GetSession(id string) (*models.Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	session := e.session
	return &session, nil
}

// ListSessions returns all sessions for a project, optionally filtered by
// status
func (m *Manager) ListSessions(projectID string, status models.SessionStatus) []*models.Session {
	var sessions []*models.Session

	m.sessions.Range(func(_, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		session := e.session
		e.mu.Unlock()

		if projectID != "" && session.ProjectID != projectID {
			return true
		}
		if status != "" && session.Status != status {
			return true
		}
		sessions = append(sessions, &session)
		return true
	})

	return sessions
}

// Do runs fn against the session's handle. Calls for one session run one at
// a time, and the handle fn returns replaces the stored one.
func (m *Manager) Do(ctx context.Context, id string, fn func(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult) (runtime.ActionResult, error) {
	e, err := m.entry(id)
	if err != nil {
		return runtime.ActionResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != models.StatusRunning {
		return runtime.ActionResult{}, fmt.Errorf("%s: %w", id, ErrNotRunning)
	}
	res := fn(ctx, e.session.Handle, m.options(&e.session))
	if res.Handle != nil {
		e.session.Handle = *res.Handle
	}
	return res, nil
}

// DeleteSession saves the session context, destroys the browser and
// releases the sandbox
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	return m.end(ctx, id, models.StatusCompleted)
}

// handleTimeout ends a session whose timeout elapsed
func (m *Manager) handleTimeout(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EndTimeout)
	defer cancel()

	if err := m.end(ctx, id, models.StatusTimedOut); err != nil && !errors.Is(err, ErrNotRunning) {
		m.logger.Warn("failed to end timed out session", zap.String("session_id", id), zap.Error(err))
	}
}

func (m *Manager) end(ctx context.Context, id string, status models.SessionStatus) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != models.StatusRunning {
		return fmt.Errorf("%s: %w", id, ErrNotRunning)
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	s := &e.session
	logger := m.logger.With(zap.String("session_id", id), zap.String("status", string(status)))
	opts := m.options(s)

	if s.ContextID != "" && m.contexts != nil {
		m.saveContext(ctx, s, opts, logger)
	}

	destroyed := m.browser.Destroy(ctx, s.Handle, opts)
	if destroyed.Handle != nil {
		s.Handle = *destroyed.Handle
	}
	m.releaseSandbox(tier.Tier(s.Tier), s.Handle.SandboxID, logger)

	s.Status = status
	m.releaseSlot(s.ProjectID)
	if m.metrics != nil {
		m.metrics.RecordSessionEnd(string(status))
	}
	m.updateActive()
	logger.Info("session ended")
	return nil
}

func (m *Manager) saveContext(ctx context.Context, s *models.Session, opts runtime.ActionOptions, logger *zap.Logger) {
	res := m.browser.SaveState(ctx, s.Handle, opts)
	if !res.Success {
		logger.Warn("failed to save context", zap.String("context_id", s.ContextID), zap.String("error", res.Error))
		return
	}
	s.Handle = *res.Handle

	data, ok := res.Data.(runtime.StateData)
	if !ok || len(data.State) == 0 {
		logger.Warn("save returned no state", zap.String("context_id", s.ContextID))
		return
	}
	if err := m.contexts.SaveState(s.ContextID, json.RawMessage(data.State)); err != nil {
		logger.Warn("failed to persist context", zap.String("context_id", s.ContextID), zap.Error(err))
	}
}

// SweepIdle marks ready handles unused for IdleAfter as idle. Sessions with
// a call in flight are skipped.
func (m *Manager) SweepIdle() int {
	if m.cfg.IdleAfter <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleAfter)
	swept := 0

	m.sessions.Range(func(_, value any) bool {
		e := value.(*entry)
		if !e.mu.TryLock() {
			return true
		}
		defer e.mu.Unlock()

		h := e.session.Handle
		if e.session.Status == models.StatusRunning && h.Status == models.HandleReady && h.LastUsedAt.Before(cutoff) {
			e.session.Handle = models.UpdateStatus(h, models.HandleIdle)
			swept++
		}
		return true
	})

	if swept > 0 {
		m.logger.Debug("handles marked idle", zap.Int("count", swept))
	}
	return swept
}

// Run sweeps idle handles every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIdle()
		}
	}
}

// Shutdown ends every running session
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.ListSessions("", models.StatusRunning) {
		if err := m.DeleteSession(ctx, s.ID); err != nil && !errors.Is(err, ErrNotRunning) {
			m.logger.Warn("failed to end session on shutdown", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

func (m *Manager) entry(id string) (*entry, error) {
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return value.(*entry), nil
}

func (m *Manager) options(s *models.Session) runtime.ActionOptions {
	return runtime.ActionOptions{SessionID: s.ID, OrganizationID: s.OrganizationID}
}

func (m *Manager) releaseSandbox(t tier.Tier, sandboxID string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EndTimeout)
	defer cancel()

	if err := m.tiers.Release(ctx, t, sandboxID); err != nil {
		logger.Warn("failed to release sandbox", zap.String("sandbox_id", sandboxID), zap.Error(err))
	}
}

// acquireSlot tries to acquire a concurrency slot for the project
func (m *Manager) acquireSlot(projectID string) error {
	m.mu.Lock()
	sem, exists := m.concurrency[projectID]
	if !exists {
		sem = semaphore.NewWeighted(m.cfg.MaxConcurrentPerProject)
		m.concurrency[projectID] = sem
	}
	m.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("project %s: %w", projectID, ErrConcurrencyLimit)
	}
	return nil
}

// releaseSlot releases a concurrency slot for the project
func (m *Manager) releaseSlot(projectID string) {
	m.mu.RLock()
	sem := m.concurrency[projectID]
	m.mu.RUnlock()

	if sem != nil {
		sem.Release(1)
	}
}

func (m *Manager) updateActive() {
	if m.metrics != nil {
		m.metrics.SetSessionsActive(len(m.ListSessions("", models.StatusRunning)))
	}
}
