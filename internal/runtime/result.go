package runtime

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// ActionResult is the uniform outcome of every Manager operation
type ActionResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Kind classifies failures. It is empty on success.
	Kind Kind `json:"-"`
	// Handle is the updated handle. It is set on success and by Destroy.
	Handle *models.BrowserHandle `json:"handle,omitempty"`
}

// Succeed returns a successful result carrying the updated handle
func Succeed(h models.BrowserHandle, data any) ActionResult {
	return ActionResult{Success: true, Data: data, Handle: &h}
}

// Fail converts err into a failed result. Infrastructure failures are
// logged at error level with their diagnostics; application failures are
// expected and logged at debug.
func Fail(logger *zap.Logger, op string, h models.BrowserHandle, err error) ActionResult {
	kind := KindOf(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("handle_id", h.ID),
		zap.String("sandbox_id", h.SandboxID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	}
	var de *DiscoveryError
	if errors.As(err, &de) {
		fields = append(fields, de.Fields()...)
	}

	if kind.Infrastructure() {
		logger.Error("browser operation failed", fields...)
	} else {
		logger.Debug("browser operation rejected", fields...)
	}
	return ActionResult{Success: false, Error: err.Error(), Kind: kind}
}

// Expired returns the result of Destroy: always successful, always expired
func Expired(h models.BrowserHandle) ActionResult {
	return Succeed(models.UpdateStatus(h, models.HandleExpired), nil)
}

// Touch records a successful action on h: idle handles become ready again,
// a non-empty url replaces the cached one and the last-used time moves.
func Touch(h models.BrowserHandle, url string, now time.Time) models.BrowserHandle {
	if h.Status == models.HandleIdle {
		h = models.UpdateStatus(h, models.HandleReady)
	}
	if url != "" && url != "about:blank" && url != h.CurrentURL {
		h = models.UpdateURL(h, url)
	}
	return models.UpdateLastUsed(h, now)
}
