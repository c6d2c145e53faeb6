package runtime

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the process-local state providers keep per handle: the
// persistent command server port, installed script digests and open
// attachments such as DevTools connections. It starts empty after a
// restart; providers must be able to re-derive every entry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	logger  *zap.Logger
}

type registryEntry struct {
	serverPort  int
	scripts     map[string]string
	attachments map[string]any
}

// NewRegistry returns an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		logger:  logger.Named("registry"),
	}
}

func (r *Registry) entry(handleID string) *registryEntry {
	e, ok := r.entries[handleID]
	if !ok {
		e = &registryEntry{
			scripts:     make(map[string]string),
			attachments: make(map[string]any),
		}
		r.entries[handleID] = e
	}
	return e
}

// ServerPort returns the cached command server port for a handle
func (r *Registry) ServerPort(handleID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handleID]
	if !ok || e.serverPort == 0 {
		return 0, false
	}
	return e.serverPort, true
}

// SetServerPort caches the command server port for a handle
func (r *Registry) SetServerPort(handleID string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(handleID).serverPort = port
}

// ClearServerPort drops the cached port so the next call re-derives it
func (r *Registry) ClearServerPort(handleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[handleID]; ok {
		e.serverPort = 0
	}
}

// ScriptInstalled reports whether name was installed with digest
func (r *Registry) ScriptInstalled(handleID, name, digest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handleID]
	return ok && e.scripts[name] == digest
}

// MarkScript records that name was installed with digest
func (r *Registry) MarkScript(handleID, name, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(handleID).scripts[name] = digest
}

// Attachment returns the value stored under key
func (r *Registry) Attachment(handleID, key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handleID]
	if !ok {
		return nil, false
	}
	v, ok := e.attachments[key]
	return v, ok
}

// SetAttachment stores v under key, closing any value it replaces
func (r *Registry) SetAttachment(handleID, key string, v any) {
	r.mu.Lock()
	e := r.entry(handleID)
	old, had := e.attachments[key]
	e.attachments[key] = v
	r.mu.Unlock()

	if had {
		r.close(handleID, key, old)
	}
}

// DropAttachment removes and closes the value stored under key
func (r *Registry) DropAttachment(handleID, key string) {
	r.mu.Lock()
	var (
		old any
		had bool
	)
	if e, ok := r.entries[handleID]; ok {
		old, had = e.attachments[key]
		delete(e.attachments, key)
	}
	r.mu.Unlock()

	if had {
		r.close(handleID, key, old)
	}
}

// Forget drops everything known about a handle and closes its attachments
func (r *Registry) Forget(handleID string) {
	r.mu.Lock()
	e, ok := r.entries[handleID]
	delete(r.entries, handleID)
	r.mu.Unlock()

	if !ok {
		return
	}
	for key, v := range e.attachments {
		r.close(handleID, key, v)
	}
}

// Len returns the number of handles with state
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) close(handleID, key string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		r.logger.Warn("failed to close attachment",
			zap.String("handle_id", handleID),
			zap.String("key", key),
			zap.Error(err))
	}
}
