// Package browser routes runtime operations to the provider that owns each
// handle
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/metrics"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// Manager implements runtime.Manager over a fixed set of providers. It
// applies handle guards, contains provider panics and records metrics.
type Manager struct {
	variants        map[models.Provider]runtime.Manager
	defaultProvider models.Provider
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

var _ runtime.Manager = (*Manager)(nil)

// NewManager creates a router. defaultProvider must be one of variants.
func NewManager(defaultProvider models.Provider, variants map[models.Provider]runtime.Manager, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if _, ok := variants[defaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", defaultProvider)
	}
	return &Manager{
		variants:        variants,
		defaultProvider: defaultProvider,
		metrics:         m,
		logger:          logger.Named("browser"),
	}, nil
}

// Providers lists the configured providers
func (m *Manager) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(m.variants))
	for p := range m.variants {
		out = append(out, p)
	}
	return out
}

// Create starts a browser with the requested provider, or the default one
func (m *Manager) Create(ctx context.Context, opts runtime.CreateOptions) runtime.ActionResult {
	provider := opts.Provider
	if provider == "" {
		provider = m.defaultProvider
	}
	pending := models.BrowserHandle{ID: opts.HandleID, Provider: provider, SandboxID: opts.SandboxID}
	opts.Provider = provider
	return m.call(runtime.OpCreate, pending, false, func(v runtime.Manager) runtime.ActionResult {
		return v.Create(ctx, opts)
	})
}

// Attach re-establishes a handle after a restart
func (m *Manager) Attach(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	return m.call(runtime.OpAttach, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Attach(ctx, h, opts)
	})
}

// Navigate loads url
func (m *Manager) Navigate(ctx context.Context, h models.BrowserHandle, url string, opts runtime.NavigateOptions) runtime.ActionResult {
	return m.call(runtime.OpNavigate, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Navigate(ctx, h, url, opts)
	})
}

// Click clicks an element
func (m *Manager) Click(ctx context.Context, h models.BrowserHandle, selector string, opts runtime.ClickOptions) runtime.ActionResult {
	return m.call(runtime.OpClick, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Click(ctx, h, selector, opts)
	})
}

// ClickAt clicks at coordinates
func (m *Manager) ClickAt(ctx context.Context, h models.BrowserHandle, x, y float64, opts runtime.ClickOptions) runtime.ActionResult {
	return m.call(runtime.OpClickAt, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.ClickAt(ctx, h, x, y, opts)
	})
}

// Scroll scrolls the page
func (m *Manager) Scroll(ctx context.Context, h models.BrowserHandle, deltaX, deltaY int, opts runtime.ActionOptions) runtime.ActionResult {
	return m.call(runtime.OpScroll, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Scroll(ctx, h, deltaX, deltaY, opts)
	})
}

// Type types text into an element
func (m *Manager) Type(ctx context.Context, h models.BrowserHandle, selector, text string, opts runtime.TypeOptions) runtime.ActionResult {
	return m.call(runtime.OpType, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Type(ctx, h, selector, text, opts)
	})
}

// ExtractContent returns page content
func (m *Manager) ExtractContent(ctx context.Context, h models.BrowserHandle, opts runtime.ExtractOptions) runtime.ActionResult {
	return m.call(runtime.OpExtract, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.ExtractContent(ctx, h, opts)
	})
}

// Screenshot captures the page
func (m *Manager) Screenshot(ctx context.Context, h models.BrowserHandle, opts runtime.ScreenshotOptions) runtime.ActionResult {
	return m.call(runtime.OpScreenshot, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Screenshot(ctx, h, opts)
	})
}

// Download fetches a file through the browser
func (m *Manager) Download(ctx context.Context, h models.BrowserHandle, url string, opts runtime.DownloadOptions) runtime.ActionResult {
	return m.call(runtime.OpDownload, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Download(ctx, h, url, opts)
	})
}

// SaveState snapshots cookies and storage
func (m *Manager) SaveState(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	return m.call(runtime.OpSaveState, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.SaveState(ctx, h, opts)
	})
}

// RestoreState loads a snapshot
func (m *Manager) RestoreState(ctx context.Context, h models.BrowserHandle, state json.RawMessage, opts runtime.ActionOptions) runtime.ActionResult {
	return m.call(runtime.OpRestoreState, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.RestoreState(ctx, h, state, opts)
	})
}

// Destroy tears the browser down. Handles of unknown providers are still
// reported expired.
func (m *Manager) Destroy(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	if _, ok := m.variants[h.Provider]; !ok {
		return runtime.Expired(h)
	}
	return m.call(runtime.OpDestroy, h, true, func(v runtime.Manager) runtime.ActionResult {
		return v.Destroy(ctx, h, opts)
	})
}

func (m *Manager) call(op string, h models.BrowserHandle, guard bool, fn func(runtime.Manager) runtime.ActionResult) (res runtime.ActionResult) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordAction(op, string(h.Provider), res.Success, string(res.Kind), time.Since(start))
		}
	}()

	if guard {
		if err := runtime.Guard(op, h); err != nil {
			return runtime.Fail(m.logger, op, h, err)
		}
	}
	v, ok := m.variants[h.Provider]
	if !ok {
		return runtime.Fail(m.logger, op, h,
			runtime.Application(op, fmt.Sprintf("unknown browser provider %q", h.Provider)))
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("browser provider panicked",
				zap.String("op", op),
				zap.String("handle_id", h.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res = runtime.Fail(m.logger, op, h, runtime.Dispatch(op, fmt.Errorf("provider panic: %v", r)))
		}
	}()
	return fn(v)
}
