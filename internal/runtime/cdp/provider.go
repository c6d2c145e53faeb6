// Package cdp drives a chromium launched directly in the sandbox over the
// DevTools protocol. Discovery reads chromium's own DevToolsActivePort file
// and actions run through chromedp against the debug port's preview URL.
package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/command"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

const tabKey = "cdp-tab"

// ActivePortFile is the file chromium writes into its user data dir once
// the debug port is listening
const ActivePortFile = "DevToolsActivePort"

// ChromiumMarkers are chromium log fragments that mean it will not start
var ChromiumMarkers = []string{
	"error while loading shared libraries",
	"Running as root without --no-sandbox is not supported",
	"Missing X server or $DISPLAY",
	"cannot open display",
	"Failed to launch",
}

// Config controls how chromium is launched
type Config struct {
	Chromium         string
	RunDir           string
	WorkspaceRoot    string
	DebugPort        int
	ConnectTimeout   time.Duration
	SafetyMargin     time.Duration
	MaxInlineContent int
	Discovery        runtime.DiscoveryConfig
	// ExtraFlags are appended to the chromium command line.
	ExtraFlags []string
}

// DefaultConfig returns the launch settings used by the default image
func DefaultConfig() Config {
	return Config{
		Chromium:         "chromium",
		RunDir:           "/tmp/browser-runtime/cdp",
		WorkspaceRoot:    "/workspace",
		DebugPort:        9222,
		ConnectTimeout:   30 * time.Second,
		SafetyMargin:     runtime.DefaultSafetyMargin,
		MaxInlineContent: 512 * 1024,
		Discovery:        runtime.DefaultDiscovery(),
	}
}

// Deps are the collaborators a provider needs
type Deps struct {
	Sandboxes  sandbox.Resolver
	Registry   *runtime.Registry
	Discoverer *runtime.Discoverer
	Probe      *runtime.Probe
	Offloader  *runtime.Offloader
	Logger     *zap.Logger
}

// Provider implements runtime.Manager over chromedp
type Provider struct {
	cfg        Config
	sandboxes  sandbox.Resolver
	registry   *runtime.Registry
	discoverer *runtime.Discoverer
	probe      *runtime.Probe
	offload    *runtime.Offloader
	dial       dialer
	logger     *zap.Logger
	now        func() time.Time
}

var _ runtime.Manager = (*Provider)(nil)

// New builds a provider
func New(cfg Config, deps Deps) *Provider {
	logger := deps.Logger.Named("cdp")
	return &Provider{
		cfg:        cfg,
		sandboxes:  deps.Sandboxes,
		registry:   deps.Registry,
		discoverer: deps.Discoverer,
		probe:      deps.Probe,
		offload:    deps.Offloader,
		dial:       dialChromedp(logger, cfg.ConnectTimeout),
		logger:     logger,
		now:        time.Now,
	}
}

func (p *Provider) profileDir(handleID string) string {
	return path.Join(p.cfg.RunDir, handleID, "profile")
}

// Create launches chromium in the sandbox and waits for its debug port
func (p *Provider) Create(ctx context.Context, opts runtime.CreateOptions) runtime.ActionResult {
	id := opts.HandleID
	if id == "" {
		id = uuid.New().String()
	}
	port := opts.DebugPort
	if port == 0 {
		port = p.cfg.DebugPort
	}
	pending := models.NewHandle(id, models.ProviderCDP, opts.SandboxID, models.HandleOptions{
		DebugPort:     port,
		StateFilePath: opts.StateFilePath,
		Now:           p.now(),
	})

	sb, err := p.sandboxes.Get(ctx, opts.SandboxID)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpCreate, pending, runtime.Dispatch(runtime.OpCreate, err))
	}
	if _, ok := sb.PreviewURL(port); !ok {
		return runtime.Fail(p.logger, runtime.OpCreate, pending,
			runtime.Dispatch(runtime.OpCreate, fmt.Errorf("debug port %d: %w", port, sandbox.ErrNoPreview)))
	}

	profile := p.profileDir(id)
	infoFile := path.Join(profile, ActivePortFile)
	logFile := path.Join(p.cfg.RunDir, id, "chromium.log")
	prepare := command.Pipeline(
		command.New("mkdir", "-p", profile, p.cfg.WorkspaceRoot, path.Dir(pending.StateFilePath)),
		command.New("rm", "-f", infoFile),
	)
	if res, err := sb.Exec(ctx, prepare, sandbox.ExecOptions{Timeout: 30 * time.Second}); err != nil || res.ExitCode != 0 {
		if err == nil {
			err = fmt.Errorf("exit code %d: %s", res.ExitCode, res.Combined())
		}
		return runtime.Fail(p.logger, runtime.OpCreate, pending, runtime.Dispatch(runtime.OpCreate, err))
	}

	discovery := p.cfg.Discovery
	if opts.Discovery != nil {
		discovery = *opts.Discovery
	}
	launch := command.New(p.cfg.Chromium, p.flags(port, profile, opts.IsHeadless())...).LogTo(logFile).Detach()
	ep, err := p.discoverer.Run(ctx, sb, runtime.LaunchSpec{
		Command:    launch.String(),
		InfoFile:   infoFile,
		LogFile:    logFile,
		DebugPort:  port,
		DecodeInfo: DecodeActivePort,
		Markers:    ChromiumMarkers,
	}, discovery)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpCreate, pending, err)
	}

	h := models.UpdateStatus(models.UpdateEndpoint(pending, ep.DebugPort, ep.WSEndpoint), models.HandleReady)
	p.restoreSaved(ctx, sb, h)
	p.logger.Info("browser created",
		zap.String("handle_id", h.ID),
		zap.String("sandbox_id", h.SandboxID),
		zap.String("session_id", opts.SessionID),
		zap.Int("debug_port", h.DebugPort))
	return runtime.Succeed(h, ep)
}

func (p *Provider) flags(port int, profile string, headless bool) []string {
	flags := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--remote-debugging-address=0.0.0.0",
		"--remote-allow-origins=*",
		"--user-data-dir=" + profile,
		"--no-first-run",
		"--no-default-browser-check",
		"--no-sandbox",
		"--disable-dev-shm-usage",
	}
	if headless {
		flags = append(flags, "--headless=new")
	}
	flags = append(flags, p.cfg.ExtraFlags...)
	return append(flags, "about:blank")
}

// restoreSaved loads cookies from an existing state file into a fresh
// browser. A missing or unreadable file is not an error.
func (p *Provider) restoreSaved(ctx context.Context, sb sandbox.Sandbox, h models.BrowserHandle) {
	raw, err := readSandboxFile(ctx, sb, h.StateFilePath)
	if err != nil {
		return
	}
	cookies, err := decodeState(raw)
	if err != nil || len(cookies) == 0 {
		return
	}
	t, err := p.tab(ctx, sb, h)
	if err == nil {
		err = t.setCookies(ctx, cookies)
	}
	if err != nil {
		p.logger.Warn("failed to restore saved state", zap.String("handle_id", h.ID), zap.Error(err))
	}
}

// Attach probes the debug port of an existing browser and marks the handle
// ready if it answers
func (p *Provider) Attach(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	sb, err := p.sandboxes.Get(ctx, h.SandboxID)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpAttach, h, runtime.Dispatch(runtime.OpAttach, err))
	}

	port := h.DebugPort
	if port == 0 {
		port = p.cfg.DebugPort
	}
	res, err := p.probe.Version(ctx, sb, port, p.cfg.Discovery)
	if err != nil {
		public, _ := sb.PreviewURL(port)
		return runtime.Fail(p.logger, runtime.OpAttach, h, &runtime.DiscoveryError{
			SandboxID: h.SandboxID,
			Port:      port,
			PublicURL: public,
			Cause:     err,
		})
	}

	if res.WSEndpoint != h.WSEndpoint {
		p.registry.DropAttachment(h.ID, tabKey)
	}
	h = models.UpdateEndpoint(h, port, res.WSEndpoint)
	if h.Status == models.HandleCreating {
		h = models.UpdateStatus(h, models.HandleReady)
	}
	h = runtime.Touch(h, "", p.now())
	return runtime.Succeed(h, runtime.PageData{CurrentURL: h.CurrentURL})
}

// Destroy closes the DevTools connection and kills chromium. It never fails.
func (p *Provider) Destroy(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	defer p.registry.Forget(h.ID)

	sb, err := p.sandboxes.Get(ctx, h.SandboxID)
	if err != nil {
		p.logger.Debug("sandbox already gone", zap.String("handle_id", h.ID), zap.Error(err))
		return runtime.Expired(h)
	}

	timeout := runtime.ExecTimeout(runtime.OpDestroy, opts.Timeout, 0)
	if _, err := sb.Exec(ctx, command.KillMatching(path.Join(p.cfg.RunDir, h.ID)), sandbox.ExecOptions{Timeout: timeout}); err != nil {
		p.logger.Debug("cleanup failed", zap.String("handle_id", h.ID), zap.Error(err))
	}
	return runtime.Expired(h)
}

// tab returns the cached page connection for h, opening one through the
// debug port's preview URL when needed. A new connection is a new page, so
// it is sent back to the handle's current URL.
func (p *Provider) tab(ctx context.Context, sb sandbox.Sandbox, h models.BrowserHandle) (tab, error) {
	if v, ok := p.registry.Attachment(h.ID, tabKey); ok {
		return v.(tab), nil
	}

	preview, ok := sb.PreviewURL(h.DebugPort)
	if !ok {
		return nil, fmt.Errorf("debug port %d: %w", h.DebugPort, sandbox.ErrNoPreview)
	}
	ws, err := runtime.PublicWSEndpoint(preview, h.WSEndpoint)
	if err != nil {
		return nil, err
	}
	t, err := p.dial(ctx, ws)
	if err != nil {
		return nil, err
	}
	if h.CurrentURL != "" {
		if _, err := t.navigate(ctx, h.CurrentURL, runtime.WaitLoad); err != nil {
			p.logger.Warn("failed to restore page after reconnect",
				zap.String("handle_id", h.ID),
				zap.String("url", h.CurrentURL),
				zap.Error(err))
		}
	}
	p.registry.SetAttachment(h.ID, tabKey, t)
	return t, nil
}

// DecodeActivePort parses chromium's DevToolsActivePort file: the port on
// the first line and the browser target path on the second
func DecodeActivePort(content []byte) (runtime.Endpoint, error) {
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) < 2 {
		return runtime.Endpoint{}, errors.New("DevToolsActivePort is incomplete")
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || port <= 0 {
		return runtime.Endpoint{}, fmt.Errorf("invalid port in DevToolsActivePort: %q", lines[0])
	}
	target := strings.TrimSpace(lines[1])
	if !strings.HasPrefix(target, "/devtools/browser/") {
		return runtime.Endpoint{}, fmt.Errorf("invalid target in DevToolsActivePort: %q", target)
	}
	return runtime.Endpoint{
		WSEndpoint: fmt.Sprintf("ws://127.0.0.1:%d%s", port, target),
		DebugPort:  port,
	}, nil
}

func readSandboxFile(ctx context.Context, sb sandbox.Sandbox, file string) ([]byte, error) {
	encoded, err := sb.ReadFile(ctx, file)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
}
