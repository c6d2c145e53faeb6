package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox/sandboxtest"
)

func fastDiscovery() DiscoveryConfig {
	return DiscoveryConfig{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      60 * time.Millisecond,
		Grace:        time.Millisecond,
		ProbeRetries: 2,
		ProbeDelay:   time.Millisecond,
		ProbeTimeout: time.Second,
	}
}

func testSpec() LaunchSpec {
	return LaunchSpec{
		Command:   "nohup python3 /opt/launcher.py '{}' >/tmp/b/launcher.log 2>&1 </dev/null & echo $!",
		InfoFile:  "/tmp/b/info.json",
		LogFile:   "/tmp/b/launcher.log",
		DebugPort: 9222,
	}
}

func newTestDiscoverer(t *testing.T) *Discoverer {
	logger := zaptest.NewLogger(t)
	return NewDiscoverer(NewProbe(logger), logger)
}

func TestDiscoveryViaInfoFile(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.Respond("launcher.py", sandbox.ExecResult{Stdout: "4242\n"})
	time.AfterFunc(30*time.Millisecond, func() {
		sb.PutFile("/tmp/b/info.json", []byte(`{"browserId":"b1","wsEndpoint":"ws://127.0.0.1:9222/devtools/browser/abc","debugPort":9222}`))
	})

	cfg := fastDiscovery()
	cfg.MaxWait = 2 * time.Second

	var finished DiscoveryState
	d := newTestDiscoverer(t)
	d.OnFinish(func(state DiscoveryState, _ time.Duration) { finished = state })

	ep, err := d.Run(context.Background(), sb, testSpec(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", ep.WSEndpoint)
	assert.Equal(t, 9222, ep.DebugPort)
	assert.Equal(t, 4242, ep.PID)
	assert.Equal(t, StateInfoFile, ep.Via)
	assert.Equal(t, StateInfoFile, finished)
}

func TestDiscoveryIgnoresPartialInfoFile(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.PutFile("/tmp/b/info.json", []byte(`{"wsEndpoint": "ws://`))
	time.AfterFunc(30*time.Millisecond, func() {
		sb.PutFile("/tmp/b/info.json", []byte(`{"wsEndpoint":"ws://x"}`))
	})

	cfg := fastDiscovery()
	cfg.MaxWait = 2 * time.Second

	ep, err := newTestDiscoverer(t).Run(context.Background(), sb, testSpec(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "ws://x", ep.WSEndpoint)
}

func TestDiscoveryFallsBackToLoopbackProbe(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.Respond("127.0.0.1:9222/json/version", sandbox.ExecResult{
		Stdout: `{"Browser":"HeadlessChrome/120.0","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/xyz"}`,
	})

	ep, err := newTestDiscoverer(t).Run(context.Background(), sb, testSpec(), fastDiscovery())
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/xyz", ep.WSEndpoint)
	assert.Equal(t, StateProbe, ep.Via)
}

func TestDiscoveryFailureCarriesDiagnostics(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.Respond("launcher.py", sandbox.ExecResult{Stdout: "4242\n"})
	sb.Respond("curl", sandbox.ExecResult{ExitCode: 7, Stderr: "connection refused"})
	sb.Respond("tail", sandbox.ExecResult{Stdout: "launching chromium\n"})

	_, err := newTestDiscoverer(t).Run(context.Background(), sb, testSpec(), fastDiscovery())
	require.Error(t, err)

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "sbx1", de.SandboxID)
	assert.Equal(t, 9222, de.Port)
	assert.Equal(t, "4242\n", de.Stdout)
	assert.Contains(t, de.LogTail, "launching chromium")
	assert.Contains(t, err.Error(), "sbx1")
	assert.Contains(t, err.Error(), "9222")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, KindDiscovery, KindOf(err))

	assert.Len(t, sb.ExecsContaining("curl"), 2)
}

func TestDiscoveryFailsFastOnLogMarker(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.Respond("tail", sandbox.ExecResult{
		Stdout: "Traceback (most recent call last):\n  File \"launcher.py\"\nModuleNotFoundError: playwright\n",
	})

	cfg := fastDiscovery()
	cfg.MaxWait = 10 * time.Second

	start := time.Now()
	_, err := newTestDiscoverer(t).Run(context.Background(), sb, testSpec(), cfg)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Traceback (most recent call last)", de.Marker)
	assert.Contains(t, de.LogTail, "ModuleNotFoundError")
	assert.Empty(t, sb.ExecsContaining("curl"), "marker failures skip the probe")
}

func TestDiscoveryLeavesLogAloneDuringGrace(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.Respond("tail", sandbox.ExecResult{Stdout: "Traceback (most recent call last):\n"})

	// Grace is unset and falls back to the default, which outlasts MaxWait
	cfg := DiscoveryConfig{PollInterval: 10 * time.Millisecond, MaxWait: 60 * time.Millisecond, ProbeRetries: 1, ProbeDelay: time.Millisecond}

	_, err := newTestDiscoverer(t).Run(context.Background(), sb, testSpec(), cfg)
	require.Error(t, err)

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Empty(t, de.Marker)
	assert.NotEmpty(t, sb.ExecsContaining("curl"), "probe runs after the info file wait")
}

func TestDiscoveryReportsPublicURL(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.SetPreview(9222, "http://127.0.0.1:1")

	_, err := newTestDiscoverer(t).Run(context.Background(), sb, testSpec(), fastDiscovery())
	require.Error(t, err)

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "http://127.0.0.1:1", de.PublicURL)
	assert.Contains(t, err.Error(), "public url http://127.0.0.1:1")
}

func TestDiscoveryLaunchFailure(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.Respond("launcher.py", sandbox.ExecResult{ExitCode: 127, Stderr: "python3: not found"})

	_, err := newTestDiscoverer(t).Run(context.Background(), sb, testSpec(), fastDiscovery())
	require.Error(t, err)

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 127, de.ExitCode)
	assert.Contains(t, err.Error(), "python3: not found")
}

func TestDiscoveryUsesCustomDecoder(t *testing.T) {
	sb := sandboxtest.New("sbx1")
	sb.PutFile("/data/DevToolsActivePort", []byte("9333\n/devtools/browser/42\n"))

	spec := testSpec()
	spec.InfoFile = "/data/DevToolsActivePort"
	spec.DecodeInfo = func(content []byte) (Endpoint, error) {
		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		if len(lines) != 2 {
			return Endpoint{}, errors.New("incomplete")
		}
		return Endpoint{WSEndpoint: "ws://127.0.0.1:" + lines[0] + lines[1]}, nil
	}

	ep, err := newTestDiscoverer(t).Run(context.Background(), sb, spec, fastDiscovery())
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9333/devtools/browser/42", ep.WSEndpoint)
}

func TestDiscoveryConfigDefaultsAndScale(t *testing.T) {
	cfg := DiscoveryConfig{}.WithDefaults()
	assert.Equal(t, DefaultDiscovery(), cfg)

	cold := cfg.Scale(3)
	assert.Equal(t, cfg.PollInterval, cold.PollInterval)
	assert.Equal(t, 60*time.Second, cold.MaxWait)
	assert.Equal(t, 6*time.Second, cold.Grace)
	assert.Equal(t, 9, cold.ProbeRetries)

	assert.Equal(t, cfg, cfg.Scale(0))
}

func TestPartialDiscoveryConfigKeepsGrace(t *testing.T) {
	cfg := DiscoveryConfig{PollInterval: 100 * time.Millisecond, MaxWait: 5 * time.Second}.WithDefaults()
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.MaxWait)
	assert.Equal(t, DefaultDiscovery().Grace, cfg.Grace)
}

func TestParsePID(t *testing.T) {
	assert.Equal(t, 123, parsePID("[1] 123\n"))
	assert.Equal(t, 0, parsePID(""))
	assert.Equal(t, 0, parsePID("started"))
}
