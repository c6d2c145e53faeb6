// Package sandboxtest provides an in-memory sandbox for tests.
package sandboxtest

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
)

// ExecFunc answers one Exec call. Returning handled=false falls through to
// the next handler and finally to the default response (exit 0, no output).
type ExecFunc func(ctx context.Context, command string) (res sandbox.ExecResult, handled bool, err error)

// Fake is a thread-safe in-memory sandbox
type Fake struct {
	id string

	mu       sync.Mutex
	files    map[string][]byte
	previews map[int]string
	handlers []ExecFunc
	execs    []string
	writes   []string
	gone     bool
}

// New returns an empty fake sandbox
func New(id string) *Fake {
	return &Fake{
		id:       id,
		files:    make(map[string][]byte),
		previews: make(map[int]string),
	}
}

// ID returns the sandbox id
func (f *Fake) ID() string { return f.id }

// OnExec registers a handler. Handlers run in registration order and the
// first one that claims the command answers it.
func (f *Fake) OnExec(fn ExecFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fn)
}

// Respond answers every command containing substr with res
func (f *Fake) Respond(substr string, res sandbox.ExecResult) {
	f.OnExec(func(_ context.Context, cmd string) (sandbox.ExecResult, bool, error) {
		if strings.Contains(cmd, substr) {
			return res, true, nil
		}
		return sandbox.ExecResult{}, false, nil
	})
}

// SetPreview exposes port at url
func (f *Fake) SetPreview(port int, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews[port] = url
}

// PutFile stores content at path
func (f *Fake) PutFile(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), content...)
}

// File returns the content at path
func (f *Fake) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	return content, ok
}

// Execs returns every command run so far
func (f *Fake) Execs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execs...)
}

// Writes returns the paths written through WriteFile, in order
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// ExecsContaining returns the commands containing substr
func (f *Fake) ExecsContaining(substr string) []string {
	var out []string
	for _, cmd := range f.Execs() {
		if strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

// Kill makes every later call fail as if the sandbox had been deleted
func (f *Fake) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = true
}

func (f *Fake) Exec(ctx context.Context, cmd string, _ sandbox.ExecOptions) (sandbox.ExecResult, error) {
	f.mu.Lock()
	if f.gone {
		f.mu.Unlock()
		return sandbox.ExecResult{}, fmt.Errorf("sandbox %s: %w", f.id, sandbox.ErrNotFound)
	}
	f.execs = append(f.execs, cmd)
	handlers := append([]ExecFunc(nil), f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		if res, handled, err := h(ctx, cmd); handled {
			return res, err
		}
	}
	return sandbox.ExecResult{}, nil
}

func (f *Fake) WriteFile(_ context.Context, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone {
		return fmt.Errorf("sandbox %s: %w", f.id, sandbox.ErrNotFound)
	}
	f.files[path] = append([]byte(nil), content...)
	f.writes = append(f.writes, path)
	return nil
}

func (f *Fake) ReadFile(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone {
		return "", fmt.Errorf("sandbox %s: %w", f.id, sandbox.ErrNotFound)
	}
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, sandbox.ErrNotFound)
	}
	return base64.StdEncoding.EncodeToString(content), nil
}

func (f *Fake) PreviewURL(port int) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.previews[port]
	return u, ok
}

// Resolver serves fakes by id
type Resolver struct {
	mu        sync.Mutex
	sandboxes map[string]*Fake
	pulls     int
	pullErr   error
}

// NewResolver returns a resolver holding the given fakes
func NewResolver(fakes ...*Fake) *Resolver {
	r := &Resolver{sandboxes: make(map[string]*Fake)}
	for _, f := range fakes {
		r.sandboxes[f.id] = f
	}
	return r
}

// Get returns the fake registered under id
func (r *Resolver) Get(_ context.Context, id string) (sandbox.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrNotFound)
	}
	return f, nil
}

// Provision creates a new fake named after the session
func (r *Resolver) Provision(_ context.Context, sessionID string) (sandbox.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := New("sbx-" + sessionID)
	r.sandboxes[f.id] = f
	return f, nil
}

// Release forgets the fake registered under id
func (r *Resolver) Release(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.sandboxes[id]; ok {
		f.Kill()
		delete(r.sandboxes, id)
	}
	return nil
}

// Fake returns the fake registered under id
func (r *Resolver) Fake(id string) *Fake {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sandboxes[id]
}

// EnsureImage counts image checks and returns the error set by FailPulls
func (r *Resolver) EnsureImage(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls++
	return r.pullErr
}

// FailPulls makes EnsureImage return err
func (r *Resolver) FailPulls(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullErr = err
}

// Pulls returns how often EnsureImage was called
func (r *Resolver) Pulls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}
