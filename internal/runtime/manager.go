// Package runtime defines the browser runtime contract shared by every
// provider, together with the machinery providers use to implement it:
// readiness discovery, DevTools probing, large-payload offload and the
// per-handle registry.
package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// Manager drives a browser living inside a sandbox. Every method returns an
// ActionResult and never panics; failures are reported with Success=false.
// Calls for one handle must not overlap.
type Manager interface {
	Create(ctx context.Context, opts CreateOptions) ActionResult
	Attach(ctx context.Context, h models.BrowserHandle, opts ActionOptions) ActionResult
	Navigate(ctx context.Context, h models.BrowserHandle, url string, opts NavigateOptions) ActionResult
	Click(ctx context.Context, h models.BrowserHandle, selector string, opts ClickOptions) ActionResult
	ClickAt(ctx context.Context, h models.BrowserHandle, x, y float64, opts ClickOptions) ActionResult
	Scroll(ctx context.Context, h models.BrowserHandle, deltaX, deltaY int, opts ActionOptions) ActionResult
	Type(ctx context.Context, h models.BrowserHandle, selector, text string, opts TypeOptions) ActionResult
	ExtractContent(ctx context.Context, h models.BrowserHandle, opts ExtractOptions) ActionResult
	Screenshot(ctx context.Context, h models.BrowserHandle, opts ScreenshotOptions) ActionResult
	Download(ctx context.Context, h models.BrowserHandle, url string, opts DownloadOptions) ActionResult
	SaveState(ctx context.Context, h models.BrowserHandle, opts ActionOptions) ActionResult
	// RestoreState loads state into the browser. A nil state restores the
	// snapshot stored at the handle's state file path.
	RestoreState(ctx context.Context, h models.BrowserHandle, state json.RawMessage, opts ActionOptions) ActionResult
	// Destroy is best effort and idempotent. The returned handle is always
	// expired, even when the sandbox is already gone.
	Destroy(ctx context.Context, h models.BrowserHandle, opts ActionOptions) ActionResult
}

// ActionOptions is the options bag every operation accepts
type ActionOptions struct {
	// SessionID and OrganizationID attribute uploaded artifacts. Uploads are
	// skipped unless both are set.
	SessionID      string
	OrganizationID string
	// Timeout bounds the browser side of the action. Zero selects the
	// per-action default.
	Timeout time.Duration
}

// CreateOptions configures a new browser
type CreateOptions struct {
	ActionOptions

	SandboxID string
	Provider  models.Provider
	// HandleID defaults to a fresh uuid.
	HandleID      string
	Headless      *bool
	DebugPort     int
	StateFilePath string
	// Discovery overrides the provider's discovery timing.
	Discovery *DiscoveryConfig
}

// IsHeadless resolves the headless flag, defaulting to true
func (o CreateOptions) IsHeadless() bool {
	return o.Headless == nil || *o.Headless
}

// Navigation wait conditions
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
)

// NavigateOptions configures Navigate
type NavigateOptions struct {
	ActionOptions
	WaitUntil string
}

// ClickOptions configures Click and ClickAt
type ClickOptions struct {
	ActionOptions
	Button     string
	ClickCount int
}

// TypeOptions configures Type
type TypeOptions struct {
	ActionOptions
	Delay time.Duration
	// Clear replaces the field value instead of appending keystrokes.
	Clear bool
}

// Content formats
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// ExtractOptions configures ExtractContent
type ExtractOptions struct {
	ActionOptions
	Selector string
	Format   string
}

// Image formats
const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

// ScreenshotOptions configures Screenshot
type ScreenshotOptions struct {
	ActionOptions
	FullPage bool
	Format   string
}

// DownloadOptions configures Download
type DownloadOptions struct {
	ActionOptions
	FileName string
}

// NavigateData is returned by Navigate
type NavigateData struct {
	CurrentURL string `json:"currentUrl"`
	Title      string `json:"title,omitempty"`
}

// PageData is returned by Attach, Click, ClickAt and Type
type PageData struct {
	CurrentURL string `json:"currentUrl,omitempty"`
}

// ScrollData is returned by Scroll
type ScrollData struct {
	CurrentURL string `json:"currentUrl,omitempty"`
	ScrollX    int    `json:"scrollX"`
	ScrollY    int    `json:"scrollY"`
}

// ContentData is returned by ExtractContent
type ContentData struct {
	CurrentURL  string `json:"currentUrl,omitempty"`
	Title       string `json:"title,omitempty"`
	Format      string `json:"format"`
	Content     string `json:"content"`
	ContentFile string `json:"contentFile"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Size        int    `json:"size"`
	// Truncated is set when Content holds only a prefix of the file.
	Truncated bool `json:"truncated,omitempty"`
}

// ScreenshotData is returned by Screenshot
type ScreenshotData struct {
	File   string `json:"file"`
	URL    string `json:"url,omitempty"`
	Format string `json:"format"`
	Size   int    `json:"size"`
}

// DownloadData is returned by Download
type DownloadData struct {
	File        string `json:"file"`
	FileName    string `json:"fileName"`
	Size        int    `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	SourceURL   string `json:"sourceUrl"`
}

// StateData is returned by SaveState and RestoreState
type StateData struct {
	StateFile string          `json:"stateFile"`
	State     json.RawMessage `json:"state,omitempty"`
}

// Guard rejects handles that op may not act on. Creating handles are only
// accepted by Attach, and expired handles only by Destroy.
func Guard(op string, h models.BrowserHandle) error {
	switch {
	case op == OpDestroy:
		return nil
	case h.Status == models.HandleExpired:
		return &Error{Kind: KindApplication, Op: op, Err: ErrHandleExpired}
	case h.Status == models.HandleCreating && op != OpAttach:
		return &Error{Kind: KindApplication, Op: op, Err: ErrHandleNotReady}
	case !h.Status.Valid():
		return &Error{Kind: KindApplication, Op: op, Err: ErrHandleNotReady}
	}
	return nil
}

// Operation names used in errors, logs and metrics
const (
	OpCreate       = "create"
	OpAttach       = "attach"
	OpNavigate     = "navigate"
	OpClick        = "click"
	OpClickAt      = "click_at"
	OpScroll       = "scroll"
	OpType         = "type"
	OpExtract      = "extract_content"
	OpScreenshot   = "screenshot"
	OpDownload     = "download"
	OpSaveState    = "save_state"
	OpRestoreState = "restore_state"
	OpDestroy      = "destroy"
)

// DefaultTimeouts are the per-action browser timeouts used when the caller
// passes none.
var DefaultTimeouts = map[string]time.Duration{
	OpAttach:       10 * time.Second,
	OpNavigate:     30 * time.Second,
	OpClick:        10 * time.Second,
	OpClickAt:      10 * time.Second,
	OpScroll:       10 * time.Second,
	OpType:         10 * time.Second,
	OpExtract:      60 * time.Second,
	OpScreenshot:   30 * time.Second,
	OpDownload:     120 * time.Second,
	OpSaveState:    15 * time.Second,
	OpRestoreState: 15 * time.Second,
	OpDestroy:      15 * time.Second,
}

// DefaultSafetyMargin is added to an action timeout to get the exec timeout
const DefaultSafetyMargin = 15 * time.Second

// ActionTimeout returns the browser timeout for op
func ActionTimeout(op string, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if d, ok := DefaultTimeouts[op]; ok {
		return d
	}
	return 30 * time.Second
}

// ExecTimeout returns how long the exec channel may block for op
func ExecTimeout(op string, requested, margin time.Duration) time.Duration {
	return ActionTimeout(op, requested) + margin
}
