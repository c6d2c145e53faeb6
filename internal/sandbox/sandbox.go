// Package sandbox describes the execution environment hosting the browser.
//
// A sandbox is reachable only through command execution, file transfer and
// optional preview URLs for published ports. The browser runtime never
// creates or deletes sandboxes; Provisioner exists for the session layer.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a sandbox or a file inside it does not exist
	ErrNotFound = errors.New("not found")
	// ErrNoPreview is returned when a port has no externally reachable URL
	ErrNoPreview = errors.New("no preview url for port")
)

// ExecOptions bounds a single command execution
type ExecOptions struct {
	Timeout time.Duration
}

// ExecResult is the outcome of a finished command
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout followed by stderr
func (r ExecResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Sandbox is the exec and file-transfer surface of one sandbox
type Sandbox interface {
	ID() string
	// Exec runs command with /bin/sh -c. A non-zero exit code is not an error.
	Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)
	// WriteFile creates or replaces path, creating parent directories.
	WriteFile(ctx context.Context, path string, content []byte) error
	// ReadFile returns the file content encoded as standard base64.
	ReadFile(ctx context.Context, path string) (string, error)
	// PreviewURL returns the external URL for a sandbox port, if any.
	PreviewURL(port int) (string, bool)
}

// Resolver looks up a sandbox by id
type Resolver interface {
	Get(ctx context.Context, id string) (Sandbox, error)
}

// Provisioner creates and removes sandboxes
type Provisioner interface {
	Resolver
	Provision(ctx context.Context, sessionID string) (Sandbox, error)
	Release(ctx context.Context, id string) error
}
