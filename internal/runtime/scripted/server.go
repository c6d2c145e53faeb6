package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/command"
	"github.com/shehryarbajwa/sandbox-browser/internal/protocol"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// errServerUnreachable marks command server failures where no request
// reached the server. Only these may fall back to the extract script.
var errServerUnreachable = errors.New("command server unreachable")

// curl exit code for a refused or failed connection
const curlCouldNotConnect = 7

// transport posts a JSON body to a command server endpoint and returns the
// raw response body. Both implementations yield the same body for the same
// server, so callers never see which one ran.
type transport interface {
	post(ctx context.Context, endpoint string, body any, timeout time.Duration) (string, error)
	name() string
}

// publicTransport reaches the server through the sandbox preview URL
type publicTransport struct {
	client *resty.Client
	base   string
}

func (t publicTransport) name() string { return "public" }

func (t publicTransport) post(ctx context.Context, endpoint string, body any, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(strings.TrimRight(t.base, "/") + endpoint)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return "", fmt.Errorf("POST %s: %w: %v", endpoint, errServerUnreachable, err)
		}
		return "", fmt.Errorf("POST %s: %w", endpoint, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest && !json.Valid(resp.Body()) {
		return "", fmt.Errorf("POST %s: status %d", endpoint, resp.StatusCode())
	}
	return resp.String(), nil
}

// execTransport runs curl inside the sandbox against the loopback address,
// for sandboxes without public ingress
type execTransport struct {
	sb   sandbox.Sandbox
	port int
}

func (t execTransport) name() string { return "exec" }

func (t execTransport) post(ctx context.Context, endpoint string, body any, timeout time.Duration) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	curl := command.New("curl", "-s", "-S",
		"--max-time", fmt.Sprintf("%d", max(int(timeout/time.Second), 1)),
		"-X", "POST",
		"-H", "Content-Type: application/json",
		"--data-binary", string(raw),
		fmt.Sprintf("http://127.0.0.1:%d%s", t.port, endpoint),
	)

	res, err := t.sb.Exec(ctx, curl.String(), sandbox.ExecOptions{Timeout: timeout + 5*time.Second})
	if err != nil {
		return "", err
	}
	if res.ExitCode == curlCouldNotConnect {
		return "", fmt.Errorf("curl %s: %w: %s", endpoint, errServerUnreachable, strings.TrimSpace(res.Stderr))
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("curl %s exited with %d: %s", endpoint, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (p *Provider) transportFor(sb sandbox.Sandbox, port int) transport {
	if base, ok := sb.PreviewURL(port); ok {
		return publicTransport{client: p.http, base: base}
	}
	return execTransport{sb: sb, port: port}
}

// healthy reports whether a command server answers on port
func (p *Provider) healthy(ctx context.Context, t transport) bool {
	body, err := t.post(ctx, "/health", map[string]any{}, 5*time.Second)
	if err != nil {
		return false
	}
	resp, err := protocol.Parse(body)
	return err == nil && resp.Success
}

// ensureServer returns a transport to the session's command server,
// starting the server if nothing answers on the well-known port. The port
// is cached in the registry; after a restart the health check re-derives
// it from a server that is still running.
func (p *Provider) ensureServer(ctx context.Context, sb sandbox.Sandbox, h models.BrowserHandle) (transport, error) {
	if port, ok := p.registry.ServerPort(h.ID); ok {
		return p.transportFor(sb, port), nil
	}

	port := p.cfg.ServerPort
	t := p.transportFor(sb, port)
	if p.healthy(ctx, t) {
		p.registry.SetServerPort(h.ID, port)
		return t, nil
	}

	script, err := p.install(ctx, sb, h.ID, ScriptServer)
	if err != nil {
		return nil, err
	}
	start, err := command.New(p.cfg.Python, script).JSONArg(map[string]any{
		"port":          port,
		"wsEndpoint":    h.WSEndpoint,
		"stateFilePath": h.StateFilePath,
		"workspaceRoot": p.cfg.WorkspaceRoot,
		"runDir":        p.runDir(h.ID),
	})
	if err != nil {
		return nil, err
	}
	start.WithEnv("WS_ENDPOINT", h.WSEndpoint).LogTo(path.Join(p.runDir(h.ID), "command-server.log")).Detach()

	res, err := sb.Exec(ctx, start.String(), sandbox.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("command server start exited with %d: %s", res.ExitCode, res.Combined())
	}

	deadline := time.Now().Add(p.cfg.ServerStartWait)
	for {
		if p.healthy(ctx, t) {
			p.registry.SetServerPort(h.ID, port)
			p.logger.Info("command server started",
				zap.String("handle_id", h.ID),
				zap.Int("port", port),
				zap.String("transport", t.name()))
			return t, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("command server on port %d not healthy after %s", port, p.cfg.ServerStartWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

type contentResponse struct {
	ContentFile string `json:"contentFile"`
	ContentType string `json:"contentType"`
	ContentSize int    `json:"contentSize"`
	URL         string `json:"url"`
	Title       string `json:"title"`
}

// ExtractContent writes the page content to a sandbox file through the
// command server, then reads and offloads it. When the server cannot be
// started or refuses the connection the extract script runs instead. A
// request that reached the server never falls back, since the server may
// still be working on the page.
func (p *Provider) ExtractContent(ctx context.Context, h models.BrowserHandle, opts runtime.ExtractOptions) runtime.ActionResult {
	format := opts.Format
	if format == "" {
		format = runtime.FormatText
	}
	sb, err := p.sandboxes.Get(ctx, h.SandboxID)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpExtract, h, runtime.Dispatch(runtime.OpExtract, err))
	}

	args := map[string]any{
		"selector":    opts.Selector,
		"extractType": format,
		"currentUrl":  h.CurrentURL,
	}
	resp, err := p.extractViaServer(ctx, sb, h, opts.Timeout, args)
	if errors.Is(err, errServerUnreachable) {
		p.logger.Warn("command server unavailable, running extract script",
			zap.String("handle_id", h.ID),
			zap.Error(err))
		p.registry.ClearServerPort(h.ID)
		resp, err = p.run(ctx, sb, h, runtime.OpExtract, ScriptExtract, opts.Timeout, args)
	}
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpExtract, h, err)
	}

	var content contentResponse
	if err := resp.Decode(&content); err != nil {
		return runtime.Fail(p.logger, runtime.OpExtract, h, runtime.Parse(runtime.OpExtract, err))
	}
	if content.ContentFile == "" {
		return runtime.Fail(p.logger, runtime.OpExtract, h, runtime.Parse(runtime.OpExtract, errors.New("response has no contentFile")))
	}

	a, err := p.offload.Fetch(ctx, sb, content.ContentFile, opts.ActionOptions)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpExtract, h, runtime.Dispatch(runtime.OpExtract, err))
	}

	text, truncated := string(a.Bytes), false
	if p.cfg.MaxInlineContent > 0 && len(text) > p.cfg.MaxInlineContent {
		text, truncated = strings.ToValidUTF8(text[:p.cfg.MaxInlineContent], ""), true
	}
	h = runtime.Touch(h, content.URL, p.now())
	return runtime.Succeed(h, runtime.ContentData{
		CurrentURL:  h.CurrentURL,
		Title:       content.Title,
		Format:      format,
		Content:     text,
		ContentFile: a.File,
		ContentURL:  a.URL,
		Size:        a.Size,
		Truncated:   truncated,
	})
}

func (p *Provider) extractViaServer(ctx context.Context, sb sandbox.Sandbox, h models.BrowserHandle, timeout time.Duration, args map[string]any) (protocol.Response, error) {
	t, err := p.ensureServer(ctx, sb, h)
	if err != nil {
		return protocol.Response{}, runtime.Dispatch(runtime.OpExtract, fmt.Errorf("%w: %w", errServerUnreachable, err))
	}

	body := p.baseArgs(h, runtime.ActionTimeout(runtime.OpExtract, timeout))
	for k, v := range args {
		body[k] = v
	}
	raw, err := t.post(ctx, "/extract-content", body, runtime.ExecTimeout(runtime.OpExtract, timeout, p.cfg.SafetyMargin))
	if err != nil {
		return protocol.Response{}, runtime.Dispatch(runtime.OpExtract, err)
	}

	resp, err := protocol.Parse(raw)
	if err != nil {
		return protocol.Response{}, runtime.Parse(runtime.OpExtract, err)
	}
	if !resp.Success {
		return resp, runtime.Application(runtime.OpExtract, resp.Error)
	}
	return resp, nil
}
