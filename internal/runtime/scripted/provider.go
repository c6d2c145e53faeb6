// Package scripted drives a playwright browser inside a sandbox by writing
// one generated script per action into the sandbox and executing it with a
// single JSON argument. Content extraction goes through a persistent
// command server started on demand.
package scripted

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/command"
	"github.com/shehryarbajwa/sandbox-browser/internal/protocol"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// Config controls where scripts live in the sandbox and how they run
type Config struct {
	Python        string
	ScriptDir     string
	RunDir        string
	WorkspaceRoot string
	DebugPort     int
	ServerPort    int
	// ServerStartWait bounds how long a freshly started command server may
	// take to answer its health check.
	ServerStartWait time.Duration
	SafetyMargin    time.Duration
	// MaxInlineContent caps the extracted text returned in the result. The
	// full content stays available through the file and uploaded URL.
	MaxInlineContent int
	Discovery        runtime.DiscoveryConfig
}

// DefaultConfig returns the sandbox layout used by the default image
func DefaultConfig() Config {
	return Config{
		Python:           "python3",
		ScriptDir:        "/tmp/browser-runtime/scripts",
		RunDir:           "/tmp/browser-runtime/run",
		WorkspaceRoot:    "/workspace",
		DebugPort:        9222,
		ServerPort:       8888,
		ServerStartWait:  15 * time.Second,
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
	// HTTP is used for the public transport to the command server.
	HTTP *resty.Client
}

// Provider implements runtime.Manager with generated playwright scripts
type Provider struct {
	cfg        Config
	scripts    *Library
	sandboxes  sandbox.Resolver
	registry   *runtime.Registry
	discoverer *runtime.Discoverer
	probe      *runtime.Probe
	offload    *runtime.Offloader
	http       *resty.Client
	logger     *zap.Logger
	now        func() time.Time
}

var _ runtime.Manager = (*Provider)(nil)

// New builds a provider
func New(cfg Config, deps Deps) (*Provider, error) {
	lib, err := NewLibrary()
	if err != nil {
		return nil, fmt.Errorf("failed to generate scripts: %w", err)
	}
	client := deps.HTTP
	if client == nil {
		client = resty.New().SetTimeout(2 * time.Minute)
	}

	return &Provider{
		cfg:        cfg,
		scripts:    lib,
		sandboxes:  deps.Sandboxes,
		registry:   deps.Registry,
		discoverer: deps.Discoverer,
		probe:      deps.Probe,
		offload:    deps.Offloader,
		http:       client,
		logger:     deps.Logger.Named("scripted"),
		now:        time.Now,
	}, nil
}

func (p *Provider) runDir(handleID string) string {
	return path.Join(p.cfg.RunDir, handleID)
}

// Create launches a browser in the sandbox and waits until it is reachable
func (p *Provider) Create(ctx context.Context, opts runtime.CreateOptions) runtime.ActionResult {
	id := opts.HandleID
	if id == "" {
		id = uuid.New().String()
	}
	port := opts.DebugPort
	if port == 0 {
		port = p.cfg.DebugPort
	}
	pending := models.NewHandle(id, models.ProviderPlaywright, opts.SandboxID, models.HandleOptions{
		DebugPort:     port,
		StateFilePath: opts.StateFilePath,
		Now:           p.now(),
	})

	sb, err := p.sandboxes.Get(ctx, opts.SandboxID)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpCreate, pending, runtime.Dispatch(runtime.OpCreate, err))
	}

	launcher, err := p.install(ctx, sb, id, ScriptLauncher)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpCreate, pending, runtime.Dispatch(runtime.OpCreate, err))
	}

	dir := p.runDir(id)
	infoFile := path.Join(dir, "browser-info.json")
	logFile := path.Join(dir, "launcher.log")
	prepare := command.Pipeline(
		command.New("mkdir", "-p", dir, p.cfg.WorkspaceRoot, path.Dir(pending.StateFilePath)),
		command.New("rm", "-f", infoFile),
	)
	if res, err := sb.Exec(ctx, prepare, sandbox.ExecOptions{Timeout: 30 * time.Second}); err != nil || res.ExitCode != 0 {
		if err == nil {
			err = fmt.Errorf("exit code %d: %s", res.ExitCode, res.Combined())
		}
		return runtime.Fail(p.logger, runtime.OpCreate, pending, runtime.Dispatch(runtime.OpCreate, err))
	}

	launch, err := command.New(p.cfg.Python, launcher).JSONArg(map[string]any{
		"browserId":     id,
		"headless":      opts.IsHeadless(),
		"debugPort":     port,
		"infoFilePath":  infoFile,
		"userDataDir":   path.Join(dir, "profile"),
		"stateFilePath": pending.StateFilePath,
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpCreate, pending, runtime.Dispatch(runtime.OpCreate, err))
	}

	discovery := p.cfg.Discovery
	if opts.Discovery != nil {
		discovery = *opts.Discovery
	}
	ep, err := p.discoverer.Run(ctx, sb, runtime.LaunchSpec{
		Command:   launch.LogTo(logFile).Detach().String(),
		InfoFile:  infoFile,
		LogFile:   logFile,
		DebugPort: port,
	}, discovery)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpCreate, pending, err)
	}

	h := models.UpdateStatus(models.UpdateEndpoint(pending, ep.DebugPort, ep.WSEndpoint), models.HandleReady)
	p.logger.Info("browser created",
		zap.String("handle_id", h.ID),
		zap.String("sandbox_id", h.SandboxID),
		zap.String("session_id", opts.SessionID),
		zap.Int("debug_port", h.DebugPort))
	return runtime.Succeed(h, ep)
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

	h = models.UpdateEndpoint(h, port, res.WSEndpoint)
	if h.Status == models.HandleCreating {
		h = models.UpdateStatus(h, models.HandleReady)
	}
	h = runtime.Touch(h, "", p.now())
	return runtime.Succeed(h, runtime.PageData{CurrentURL: h.CurrentURL})
}

// Destroy stops the browser and command server. It never fails.
func (p *Provider) Destroy(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	defer p.registry.Forget(h.ID)

	sb, err := p.sandboxes.Get(ctx, h.SandboxID)
	if err != nil {
		p.logger.Debug("sandbox already gone", zap.String("handle_id", h.ID), zap.Error(err))
		return runtime.Expired(h)
	}

	kill := command.KillMatching(p.runDir(h.ID))
	timeout := runtime.ExecTimeout(runtime.OpDestroy, opts.Timeout, 0)
	if res, err := sb.Exec(ctx, kill, sandbox.ExecOptions{Timeout: timeout}); err != nil {
		p.logger.Debug("cleanup failed", zap.String("handle_id", h.ID), zap.Error(err))
	} else if res.ExitCode != 0 {
		p.logger.Debug("cleanup exited", zap.String("handle_id", h.ID), zap.Int("exit_code", res.ExitCode))
	}
	return runtime.Expired(h)
}

// install writes a script into the sandbox unless the registry says this
// handle already has the current version
func (p *Provider) install(ctx context.Context, sb sandbox.Sandbox, handleID, name string) (string, error) {
	script, ok := p.scripts.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown script %s", name)
	}
	target := path.Join(p.cfg.ScriptDir, script.FileName())
	if p.registry.ScriptInstalled(handleID, name, script.Digest) {
		return target, nil
	}
	if err := sb.WriteFile(ctx, target, script.Content); err != nil {
		return "", fmt.Errorf("failed to install %s: %w", name, err)
	}
	p.registry.MarkScript(handleID, name, script.Digest)
	return target, nil
}

// run executes one action script and returns its parsed response. Failures
// come back classified: dispatch when the exec channel broke or the script
// died without answering, parse when output had no response, application
// when the script reported success=false.
func (p *Provider) run(ctx context.Context, sb sandbox.Sandbox, h models.BrowserHandle, op, script string, timeout time.Duration, args map[string]any) (protocol.Response, error) {
	target, err := p.install(ctx, sb, h.ID, script)
	if err != nil {
		return protocol.Response{}, runtime.Dispatch(op, err)
	}

	payload := p.baseArgs(h, runtime.ActionTimeout(op, timeout))
	for k, v := range args {
		payload[k] = v
	}
	cmd, err := command.New(p.cfg.Python, target).JSONArg(payload)
	if err != nil {
		return protocol.Response{}, runtime.Dispatch(op, err)
	}

	res, err := sb.Exec(ctx, cmd.String(), sandbox.ExecOptions{
		Timeout: runtime.ExecTimeout(op, timeout, p.cfg.SafetyMargin),
	})
	if err != nil {
		return protocol.Response{}, runtime.Dispatch(op, err)
	}
	return interpret(op, res)
}

func interpret(op string, res sandbox.ExecResult) (protocol.Response, error) {
	resp, err := protocol.Parse(res.Stdout)
	if err != nil {
		if res.ExitCode != 0 {
			return protocol.Response{}, runtime.Dispatch(op,
				fmt.Errorf("script exited with %d: %s", res.ExitCode, tail(res.Combined(), 1000)))
		}
		return protocol.Response{}, runtime.Parse(op, err)
	}
	if !resp.Success {
		return resp, runtime.Application(op, resp.Error)
	}
	return resp, nil
}

func (p *Provider) baseArgs(h models.BrowserHandle, timeout time.Duration) map[string]any {
	return map[string]any{
		"wsEndpoint":    h.WSEndpoint,
		"stateFilePath": h.StateFilePath,
		"currentUrl":    h.CurrentURL,
		"workspaceRoot": p.cfg.WorkspaceRoot,
		"timeout":       timeout.Milliseconds(),
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
