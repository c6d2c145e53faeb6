package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusRunning   SessionStatus = "RUNNING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusError     SessionStatus = "ERROR"
	StatusTimedOut  SessionStatus = "TIMED_OUT"
)

// Session is the API-facing record of one sandboxed browser. It owns the
// durable copy of the browser handle.
type Session struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"projectId"`
	OrganizationID string        `json:"organizationId,omitempty"`
	Status         SessionStatus `json:"status"`
	Tier           string        `json:"tier"`
	StartedAt      time.Time     `json:"startedAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	Timeout        int           `json:"timeout"`
	ContextID      string        `json:"contextId,omitempty"`
	Handle         BrowserHandle `json:"handle"`
	Error          string        `json:"error,omitempty"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	ProjectID      string   `json:"projectId"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Provider       Provider `json:"provider,omitempty"`
	Tier           string   `json:"tier,omitempty"`
	Timeout        int      `json:"timeout,omitempty"`
	ContextID      string   `json:"contextId,omitempty"`
	Headless       *bool    `json:"headless,omitempty"`
}
