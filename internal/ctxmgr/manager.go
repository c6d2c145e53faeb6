// Package ctxmgr persists browser state snapshots ("contexts") that
// sessions restore on creation and write back on deletion.
package ctxmgr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

var (
	// ErrNotFound is returned for unknown context ids
	ErrNotFound = errors.New("context not found")
	// ErrNoData is returned when a context has never been saved
	ErrNoData = errors.New("context has no saved data")
)

const (
	metaSuffix  = ".meta.json"
	stateSuffix = ".json.gz"
)

// Manager handles context persistence. Each context is a metadata file and
// an optional gzip-compressed JSON snapshot in the store directory.
type Manager struct {
	contexts  sync.Map // contextID -> *models.Context
	storePath string
	mu        sync.Mutex
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a context manager and loads the contexts already in
// storePath
func NewManager(storePath string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(storePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	m := &Manager{
		storePath: storePath,
		logger:    logger.Named("contexts"),
		now:       time.Now,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	entries, err := os.ReadDir(m.storePath)
	if err != nil {
		return fmt.Errorf("failed to read storage directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.storePath, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		var c models.Context
		if err := json.Unmarshal(raw, &c); err != nil {
			m.logger.Warn("skipping unreadable context", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if c.HasData {
			c.DataPath = m.statePath(c.ID)
		}
		m.contexts.Store(c.ID, &c)
	}
	return nil
}

// CreateContext creates a new empty context
func (m *Manager) CreateContext(projectID string) (*models.Context, error) {
	if projectID == "" {
		return nil, errors.New("projectId is required")
	}

	now := m.now()
	c := &models.Context{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.writeMeta(c); err != nil {
		return nil, err
	}
	m.contexts.Store(c.ID, c)
	m.logger.Info("context created", zap.String("context_id", c.ID), zap.String("project_id", projectID))
	return copyOf(c), nil
}

// GetContext retrieves a context by ID
func (m *Manager) GetContext(id string) (*models.Context, error) {
	value, ok := m.contexts.Load(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return copyOf(value.(*models.Context)), nil
}

// DeleteContext removes a context and its data
func (m *Manager) DeleteContext(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contexts.Load(id); !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	for _, file := range []string{m.statePath(id), m.metaPath(id)} {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete context data: %w", err)
		}
	}
	m.contexts.Delete(id)
	m.logger.Info("context deleted", zap.String("context_id", id))
	return nil
}

// SaveState compresses and stores a browser state snapshot
func (m *Manager) SaveState(id string, state json.RawMessage) error {
	if !json.Valid(state) {
		return errors.New("state is not valid JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.contexts.Load(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(state); err != nil {
		return fmt.Errorf("failed to compress state: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress state: %w", err)
	}
	if err := writeAtomic(m.statePath(id), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	c := copyOf(value.(*models.Context))
	c.HasData = true
	c.DataPath = m.statePath(id)
	c.UpdatedAt = m.now()
	if err := m.writeMeta(c); err != nil {
		return err
	}
	m.contexts.Store(id, c)

	m.logger.Debug("context state saved",
		zap.String("context_id", id),
		zap.Int("size", len(state)),
		zap.Int("compressed", buf.Len()))
	return nil
}

// LoadState returns the saved snapshot of a context
func (m *Manager) LoadState(id string) (json.RawMessage, error) {
	c, err := m.GetContext(id)
	if err != nil {
		return nil, err
	}
	if !c.HasData {
		return nil, fmt.Errorf("%s: %w", id, ErrNoData)
	}

	file, err := os.Open(c.DataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNoData)
		}
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress state: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress state: %w", err)
	}
	return raw, nil
}

func (m *Manager) statePath(id string) string {
	return filepath.Join(m.storePath, id+stateSuffix)
}

func (m *Manager) metaPath(id string) string {
	return filepath.Join(m.storePath, id+metaSuffix)
}

func (m *Manager) writeMeta(c *models.Context) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := writeAtomic(m.metaPath(c.ID), raw); err != nil {
		return fmt.Errorf("failed to write context metadata: %w", err)
	}
	return nil
}

func writeAtomic(file string, data []byte) error {
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}

func copyOf(c *models.Context) *models.Context {
	out := *c
	return &out
}
