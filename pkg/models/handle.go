package models

import (
	"errors"
	"fmt"
	"path"
	"time"
)

// Provider identifies which orchestration strategy owns a browser session
type Provider string

const (
	// ProviderPlaywright drives the browser through generated playwright scripts
	// executed inside the sandbox.
	ProviderPlaywright Provider = "playwright"
	// ProviderCDP drives the browser directly over the DevTools protocol.
	ProviderCDP Provider = "cdp"
)

// Valid reports whether p is one of the known providers
func (p Provider) Valid() bool {
	return p == ProviderPlaywright || p == ProviderCDP
}

// HandleStatus is the lifecycle state of a browser handle
type HandleStatus string

const (
	HandleCreating HandleStatus = "creating"
	HandleReady    HandleStatus = "ready"
	HandleIdle     HandleStatus = "idle"
	HandleExpired  HandleStatus = "expired"
)

// Valid reports whether s is one of the known statuses
func (s HandleStatus) Valid() bool {
	switch s {
	case HandleCreating, HandleReady, HandleIdle, HandleExpired:
		return true
	}
	return false
}

// Usable reports whether actions may be issued against a handle in this status
func (s HandleStatus) Usable() bool {
	return s == HandleReady || s == HandleIdle
}

// CanTransition reports whether a handle may move from one status to another.
// Statuses only move forward, except ready and idle which may toggle.
// Expired is terminal.
func CanTransition(from, to HandleStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case HandleCreating:
		return to == HandleReady || to == HandleExpired
	case HandleReady:
		return to == HandleIdle || to == HandleExpired
	case HandleIdle:
		return to == HandleReady || to == HandleExpired
	}
	return false
}

// DefaultStateDir is where session state lives inside the sandbox unless a
// handle is created with an explicit state file path.
const DefaultStateDir = "/tmp/browser-sessions"

// BrowserHandle identifies one browser session. It is the only value callers
// persist, so its JSON shape must stay stable. Handles are never modified in
// place; the Update* functions return changed copies.
type BrowserHandle struct {
	ID            string       `json:"id"`
	Provider      Provider     `json:"provider"`
	SandboxID     string       `json:"sandboxId"`
	Status        HandleStatus `json:"status"`
	CurrentURL    string       `json:"currentUrl"`
	DebugPort     int          `json:"debugPort"`
	WSEndpoint    string       `json:"wsEndpoint"`
	StateFilePath string       `json:"stateFilePath"`
	CreatedAt     time.Time    `json:"createdAt"`
	LastUsedAt    time.Time    `json:"lastUsedAt"`
}

// HandleOptions are the optional fields accepted by NewHandle
type HandleOptions struct {
	Status        HandleStatus
	CurrentURL    string
	DebugPort     int
	WSEndpoint    string
	StateFilePath string
	Now           time.Time
}

// NewHandle builds a handle in the creating state unless opts says otherwise
func NewHandle(id string, provider Provider, sandboxID string, opts HandleOptions) BrowserHandle {
	status := opts.Status
	if status == "" {
		status = HandleCreating
	}
	stateFile := opts.StateFilePath
	if stateFile == "" {
		stateFile = DefaultStateFilePath(id)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	return BrowserHandle{
		ID:            id,
		Provider:      provider,
		SandboxID:     sandboxID,
		Status:        status,
		CurrentURL:    opts.CurrentURL,
		DebugPort:     opts.DebugPort,
		WSEndpoint:    opts.WSEndpoint,
		StateFilePath: stateFile,
		CreatedAt:     now,
		LastUsedAt:    now,
	}
}

// DefaultStateFilePath returns the per-handle state file path
func DefaultStateFilePath(id string) string {
	return path.Join(DefaultStateDir, id, "state.json")
}

// UpdateStatus returns a copy of h with its status replaced
func UpdateStatus(h BrowserHandle, status HandleStatus) BrowserHandle {
	h.Status = status
	return h
}

// UpdateURL returns a copy of h with its current URL replaced
func UpdateURL(h BrowserHandle, url string) BrowserHandle {
	h.CurrentURL = url
	return h
}

// UpdateLastUsed returns a copy of h with its last-used timestamp replaced
func UpdateLastUsed(h BrowserHandle, at time.Time) BrowserHandle {
	h.LastUsedAt = at.UTC()
	return h
}

// UpdateEndpoint returns a copy of h with its transport coordinates replaced
func UpdateEndpoint(h BrowserHandle, debugPort int, wsEndpoint string) BrowserHandle {
	h.DebugPort = debugPort
	h.WSEndpoint = wsEndpoint
	return h
}

// Validate checks the invariants a persisted handle must satisfy
func (h BrowserHandle) Validate() error {
	var errs []error
	if h.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if h.SandboxID == "" {
		errs = append(errs, errors.New("sandboxId is required"))
	}
	if !h.Provider.Valid() {
		errs = append(errs, fmt.Errorf("unknown provider %q", h.Provider))
	}
	if !h.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", h.Status))
	}
	if h.Status.Usable() && h.WSEndpoint == "" {
		errs = append(errs, fmt.Errorf("wsEndpoint is required when status is %s", h.Status))
	}
	return errors.Join(errs...)
}
