package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/command"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
)

// ProbeResult is what the DevTools endpoint reported about the browser
type ProbeResult struct {
	Browser    string
	WSEndpoint string
	// Via is "public" or "loopback".
	Via string
}

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Probe checks whether a browser answers on its DevTools port. A public
// preview URL for the port is preferred; without one the request runs
// inside the sandbox with curl against the loopback address.
type Probe struct {
	logger *zap.Logger
	// client is replaced in tests.
	client func(cfg DiscoveryConfig) *retryablehttp.Client
}

// NewProbe returns a DevTools probe
func NewProbe(logger *zap.Logger) *Probe {
	return &Probe{
		logger: logger.Named("probe"),
		client: newProbeClient,
	}
}

func newProbeClient(cfg DiscoveryConfig) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = max(cfg.ProbeRetries-1, 0)
	client.RetryWaitMin = cfg.ProbeDelay
	client.RetryWaitMax = cfg.ProbeDelay
	client.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return min
	}
	client.HTTPClient.Timeout = cfg.ProbeTimeout
	client.Logger = nil
	return client
}

// Version queries /json/version on port
func (p *Probe) Version(ctx context.Context, sb sandbox.Sandbox, port int, cfg DiscoveryConfig) (ProbeResult, error) {
	if public, ok := sb.PreviewURL(port); ok {
		return p.public(ctx, public, cfg)
	}
	return p.loopback(ctx, sb, port, cfg)
}

func (p *Probe) public(ctx context.Context, base string, cfg DiscoveryConfig) (ProbeResult, error) {
	endpoint := strings.TrimRight(base, "/") + "/json/version"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProbeResult{}, err
	}

	resp, err := p.client(cfg).Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}, fmt.Errorf("probe %s: status %d", endpoint, resp.StatusCode)
	}

	res, err := decodeVersion(body)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", endpoint, err)
	}
	res.Via = "public"
	return res, nil
}

func (p *Probe) loopback(ctx context.Context, sb sandbox.Sandbox, port int, cfg DiscoveryConfig) (ProbeResult, error) {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	curl := command.New("curl", "-s", "--max-time", seconds(cfg.ProbeTimeout), endpoint).String()

	attempts := max(cfg.ProbeRetries, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := sb.Exec(ctx, curl, sandbox.ExecOptions{Timeout: cfg.ProbeTimeout + 5*time.Second})
		switch {
		case err != nil:
			lastErr = err
		case res.ExitCode != 0:
			lastErr = fmt.Errorf("curl exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Combined()))
		default:
			info, decodeErr := decodeVersion([]byte(res.Stdout))
			if decodeErr == nil {
				info.Via = "loopback"
				return info, nil
			}
			lastErr = decodeErr
		}

		if errors.Is(lastErr, sandbox.ErrNotFound) {
			break
		}
		p.logger.Debug("devtools probe miss",
			zap.String("sandbox_id", sb.ID()),
			zap.Int("port", port),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < attempts {
			if err := sleep(ctx, cfg.ProbeDelay); err != nil {
				return ProbeResult{}, err
			}
		}
	}
	return ProbeResult{}, fmt.Errorf("probe %s failed after %d attempts: %w", endpoint, attempts, lastErr)
}

func decodeVersion(body []byte) (ProbeResult, error) {
	var info versionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return ProbeResult{}, fmt.Errorf("invalid /json/version response: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return ProbeResult{}, errors.New("/json/version has no webSocketDebuggerUrl")
	}
	return ProbeResult{Browser: info.Browser, WSEndpoint: info.WebSocketDebuggerURL}, nil
}

// PublicWSEndpoint rewrites a DevTools websocket URL reported inside the
// sandbox so it goes through the public preview URL instead.
func PublicWSEndpoint(previewURL, wsEndpoint string) (string, error) {
	public, err := url.Parse(previewURL)
	if err != nil {
		return "", fmt.Errorf("invalid preview url: %w", err)
	}
	ws, err := url.Parse(wsEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid websocket endpoint: %w", err)
	}

	switch public.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Host = public.Host
	ws.Path = strings.TrimRight(public.Path, "/") + ws.Path
	return ws.String(), nil
}

func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d", max(s, 1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
