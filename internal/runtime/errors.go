package runtime

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrHandleNotReady is returned for actions on a handle still creating
	ErrHandleNotReady = errors.New("browser handle is not ready")
	// ErrHandleExpired is returned for actions on a destroyed handle
	ErrHandleExpired = errors.New("browser handle is expired")
)

// Kind classifies a failed operation
type Kind string

const (
	// KindDiscovery means the browser never became ready
	KindDiscovery Kind = "discovery"
	// KindDispatch means the exec channel or transport failed before the
	// browser side produced a response
	KindDispatch Kind = "dispatch"
	// KindParse means output arrived but held no usable response
	KindParse Kind = "parse"
	// KindApplication means the browser side ran and reported a failure
	KindApplication Kind = "application"
)

// Infrastructure reports whether failures of this kind need investigation
func (k Kind) Infrastructure() bool {
	return k == KindDiscovery || k == KindDispatch || k == KindParse
}

// Error is a classified operation failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindApplication {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatch wraps err as a dispatch failure of op
func Dispatch(op string, err error) error {
	return &Error{Kind: KindDispatch, Op: op, Err: err}
}

// Parse wraps err as a parse failure of op
func Parse(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

// Application reports a failure the browser side returned for op
func Application(op, message string) error {
	if message == "" {
		message = "operation failed"
	}
	return &Error{Kind: KindApplication, Op: op, Err: errors.New(message)}
}

// KindOf returns the kind of err. Unclassified errors count as dispatch
// failures.
func KindOf(err error) Kind {
	var de *DiscoveryError
	if errors.As(err, &de) {
		return KindDiscovery
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDispatch
}

// DiscoveryError is the diagnostic bundle of a browser that never became
// ready. It holds everything needed to debug startup without a shell in the
// sandbox.
type DiscoveryError struct {
	SandboxID string
	Port      int
	PublicURL string
	ExitCode  int
	Stdout    string
	Stderr    string
	LogTail   string
	// Marker is the failure marker found in the log, if any.
	Marker string
	Cause  error
}

func (e *DiscoveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "browser in sandbox %s did not become ready on port %d", e.SandboxID, e.Port)
	if e.PublicURL != "" {
		fmt.Fprintf(&b, " (public url %s)", e.PublicURL)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	fmt.Fprintf(&b, "; launcher exit code %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "; stdout: %s", excerpt(s, 500))
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "; stderr: %s", excerpt(s, 500))
	}
	if s := strings.TrimSpace(e.LogTail); s != "" {
		fmt.Fprintf(&b, "; log tail: %s", excerpt(s, 1000))
	}
	return b.String()
}

func (e *DiscoveryError) Unwrap() error { return e.Cause }

// Fields returns the diagnostics as log fields
func (e *DiscoveryError) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("port", e.Port),
		zap.String("public_url", e.PublicURL),
		zap.Int("exit_code", e.ExitCode),
		zap.String("stdout", excerpt(e.Stdout, 2000)),
		zap.String("stderr", excerpt(e.Stderr, 2000)),
		zap.String("log_tail", e.LogTail),
		zap.String("marker", e.Marker),
	}
}

// excerpt keeps the last n bytes of s
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
