package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/command"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
)

// DiscoveryConfig controls how long Create waits for a browser
type DiscoveryConfig struct {
	// PollInterval spaces reads of the info file.
	PollInterval time.Duration `json:"pollInterval"`
	// MaxWait bounds the info file phase.
	MaxWait time.Duration `json:"maxWait"`
	// Grace is how long after launch the log is left alone before each miss
	// also scans it for failure markers.
	Grace time.Duration `json:"grace"`
	// ProbeRetries and ProbeDelay bound the DevTools probe fallback.
	ProbeRetries int           `json:"probeRetries"`
	ProbeDelay   time.Duration `json:"probeDelay"`
	ProbeTimeout time.Duration `json:"probeTimeout"`
}

// DefaultDiscovery returns the timing used for warm sandboxes
func DefaultDiscovery() DiscoveryConfig {
	return DiscoveryConfig{
		PollInterval: 500 * time.Millisecond,
		MaxWait:      20 * time.Second,
		Grace:        2 * time.Second,
		ProbeRetries: 3,
		ProbeDelay:   2 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

// Scale stretches the waits by factor for slower sandboxes. The poll
// interval is left alone so fast starts are still noticed quickly.
func (c DiscoveryConfig) Scale(factor float64) DiscoveryConfig {
	if factor <= 0 {
		return c
	}
	scale := func(d time.Duration) time.Duration { return time.Duration(float64(d) * factor) }
	c.MaxWait = scale(c.MaxWait)
	c.Grace = scale(c.Grace)
	c.ProbeDelay = scale(c.ProbeDelay)
	c.ProbeRetries = int(float64(c.ProbeRetries)*factor + 0.5)
	return c
}

// WithDefaults fills unset fields from DefaultDiscovery
func (c DiscoveryConfig) WithDefaults() DiscoveryConfig {
	d := DefaultDiscovery()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.ProbeRetries <= 0 {
		c.ProbeRetries = d.ProbeRetries
	}
	if c.ProbeDelay <= 0 {
		c.ProbeDelay = d.ProbeDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// DiscoveryState is a step of browser startup
type DiscoveryState string

const (
	StateLaunching DiscoveryState = "launching"
	StateInfoFile  DiscoveryState = "discovered-via-info-file"
	StateProbe     DiscoveryState = "discovered-via-probe"
	StateReady     DiscoveryState = "ready"
	StateFailed    DiscoveryState = "failed"
)

// FailureMarkers are log fragments that mean the launcher already died
var FailureMarkers = []string{
	"Traceback (most recent call last)",
	`"success": false`,
	"error while loading shared libraries",
	"Browser process exited",
	"Error:",
}

// LaunchSpec describes one browser launch
type LaunchSpec struct {
	// Command starts the browser in the background and prints its pid.
	Command   string
	InfoFile  string
	LogFile   string
	DebugPort int
	// DecodeInfo parses the info file. Nil expects the launcher's JSON
	// format with a wsEndpoint field.
	DecodeInfo func(content []byte) (Endpoint, error)
	// Markers replace FailureMarkers for this launch when set.
	Markers []string
}

// Endpoint is where a ready browser can be reached
type Endpoint struct {
	WSEndpoint string         `json:"wsEndpoint"`
	DebugPort  int            `json:"debugPort,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Via        DiscoveryState `json:"discoveredVia,omitempty"`
}

// DecodeLauncherInfo parses {"wsEndpoint": ..., "debugPort": ..., "pid": ...}
func DecodeLauncherInfo(content []byte) (Endpoint, error) {
	var ep Endpoint
	if err := json.Unmarshal(content, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("invalid info file: %w", err)
	}
	if ep.WSEndpoint == "" {
		return Endpoint{}, errors.New("info file has no wsEndpoint")
	}
	return ep, nil
}

// Discoverer runs the startup state machine: launch, poll the info file,
// fall back to a DevTools probe, or fail with diagnostics.
type Discoverer struct {
	probe   *Probe
	logger  *zap.Logger
	markers []string
	observe func(state DiscoveryState, elapsed time.Duration)
}

// NewDiscoverer returns a discoverer using probe for the fallback path
func NewDiscoverer(probe *Probe, logger *zap.Logger) *Discoverer {
	return &Discoverer{
		probe:   probe,
		logger:  logger.Named("discovery"),
		markers: FailureMarkers,
	}
}

// OnFinish registers a callback receiving the final state of every run
func (d *Discoverer) OnFinish(fn func(state DiscoveryState, elapsed time.Duration)) {
	d.observe = fn
}

// Run launches the browser and waits until it is reachable
func (d *Discoverer) Run(ctx context.Context, sb sandbox.Sandbox, spec LaunchSpec, cfg DiscoveryConfig) (Endpoint, error) {
	cfg = cfg.WithDefaults()
	decode := spec.DecodeInfo
	if decode == nil {
		decode = DecodeLauncherInfo
	}
	start := time.Now()
	logger := d.logger.With(zap.String("sandbox_id", sb.ID()), zap.Int("port", spec.DebugPort))

	ep, state, err := d.run(ctx, sb, spec, cfg, decode, logger)
	if d.observe != nil {
		d.observe(state, time.Since(start))
	}
	if err != nil {
		return Endpoint{}, err
	}
	if ep.DebugPort == 0 {
		ep.DebugPort = spec.DebugPort
	}
	ep.Via = state
	logger.Info("browser ready",
		zap.String("via", string(state)),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("ws_endpoint", ep.WSEndpoint))
	return ep, nil
}

func (d *Discoverer) run(ctx context.Context, sb sandbox.Sandbox, spec LaunchSpec, cfg DiscoveryConfig, decode func([]byte) (Endpoint, error), logger *zap.Logger) (Endpoint, DiscoveryState, error) {
	logger.Debug("launching browser", zap.String("info_file", spec.InfoFile))
	launch, err := sb.Exec(ctx, spec.Command, sandbox.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return Endpoint{}, StateFailed, d.failure(ctx, sb, spec, launch, "", fmt.Errorf("launch failed: %w", err))
	}
	if launch.ExitCode != 0 {
		return Endpoint{}, StateFailed, d.failure(ctx, sb, spec, launch, "", errors.New("launch command exited with an error"))
	}
	pid := parsePID(launch.Stdout)

	launched := time.Now()
	deadline := launched.Add(cfg.MaxWait)
	var lastInfoErr error
	for {
		content, err := readFile(ctx, sb, spec.InfoFile)
		if err == nil {
			ep, decodeErr := decode(content)
			if decodeErr == nil {
				if ep.PID == 0 {
					ep.PID = pid
				}
				return ep, StateInfoFile, nil
			}
			lastInfoErr = decodeErr
		} else if ctx.Err() != nil {
			return Endpoint{}, StateFailed, d.failure(ctx, sb, spec, launch, "", ctx.Err())
		}

		if time.Since(launched) >= cfg.Grace {
			if marker, tail := d.scanLog(ctx, sb, spec); marker != "" {
				logger.Warn("launcher failure marker found", zap.String("marker", marker))
				return Endpoint{}, StateFailed, d.failureWithTail(sb, spec, launch, tail, marker,
					fmt.Errorf("launcher log reports failure (%q)", marker))
			}
		}

		if !time.Now().Add(cfg.PollInterval).Before(deadline) {
			break
		}
		if err := sleep(ctx, cfg.PollInterval); err != nil {
			return Endpoint{}, StateFailed, d.failure(ctx, sb, spec, launch, "", err)
		}
	}

	logger.Info("info file not written in time, probing devtools",
		zap.Duration("max_wait", cfg.MaxWait),
		zap.NamedError("info_error", lastInfoErr))

	res, probeErr := d.probe.Version(ctx, sb, spec.DebugPort, cfg)
	if probeErr == nil {
		return Endpoint{WSEndpoint: res.WSEndpoint, DebugPort: spec.DebugPort, PID: pid}, StateProbe, nil
	}

	cause := fmt.Errorf("info file %s not written within %s", spec.InfoFile, cfg.MaxWait)
	if lastInfoErr != nil {
		cause = fmt.Errorf("%w (last read: %v)", cause, lastInfoErr)
	}
	return Endpoint{}, StateFailed, d.failure(ctx, sb, spec, launch, "", errors.Join(cause, probeErr))
}

func (d *Discoverer) failure(ctx context.Context, sb sandbox.Sandbox, spec LaunchSpec, launch sandbox.ExecResult, marker string, cause error) error {
	tailCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		tailCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	_, tail := d.scanLog(tailCtx, sb, spec)
	return d.failureWithTail(sb, spec, launch, tail, marker, cause)
}

func (d *Discoverer) failureWithTail(sb sandbox.Sandbox, spec LaunchSpec, launch sandbox.ExecResult, tail, marker string, cause error) error {
	public, _ := sb.PreviewURL(spec.DebugPort)
	return &DiscoveryError{
		SandboxID: sb.ID(),
		Port:      spec.DebugPort,
		PublicURL: public,
		ExitCode:  launch.ExitCode,
		Stdout:    launch.Stdout,
		Stderr:    launch.Stderr,
		LogTail:   tail,
		Marker:    marker,
		Cause:     cause,
	}
}

// scanLog returns the first failure marker in the log tail, and the tail
func (d *Discoverer) scanLog(ctx context.Context, sb sandbox.Sandbox, spec LaunchSpec) (string, string) {
	if spec.LogFile == "" {
		return "", ""
	}
	markers := spec.Markers
	if markers == nil {
		markers = d.markers
	}
	tail := command.New("tail", "-c", "4096", spec.LogFile)
	tail.Stderr = "/dev/null"
	res, err := sb.Exec(ctx, tail.String(), sandbox.ExecOptions{Timeout: 10 * time.Second})
	if err != nil {
		return "", ""
	}
	for _, marker := range markers {
		if strings.Contains(res.Stdout, marker) {
			return marker, res.Stdout
		}
	}
	return "", res.Stdout
}

func readFile(ctx context.Context, sb sandbox.Sandbox, path string) ([]byte, error) {
	encoded, err := sb.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
}

func parsePID(stdout string) int {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0
	}
	return pid
}
