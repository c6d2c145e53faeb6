package models

import "time"

// Context is a persisted browser state snapshot (cookies and storage) that
// sessions can restore on creation and write back on deletion.
type Context struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	HasData   bool      `json:"hasData"`
	DataPath  string    `json:"-"`
}

// CreateContextRequest is the payload for creating a context
type CreateContextRequest struct {
	ProjectID string `json:"projectId"`
}
