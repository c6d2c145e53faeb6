package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/command"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// with runs fn against the handle's tab within the action timeout
func (p *Provider) with(ctx context.Context, h models.BrowserHandle, op string, timeout time.Duration, fn func(ctx context.Context, sb sandbox.Sandbox, t tab) error) error {
	sb, err := p.sandboxes.Get(ctx, h.SandboxID)
	if err != nil {
		return runtime.Dispatch(op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, runtime.ActionTimeout(op, timeout))
	defer cancel()

	t, err := p.tab(ctx, sb, h)
	if err != nil {
		return runtime.Dispatch(op, err)
	}
	if err := fn(ctx, sb, t); err != nil {
		return p.classify(op, h, err)
	}
	return nil
}

// classify maps tab errors onto failure kinds. Anything the page did not
// report itself is treated as a broken connection and the tab is dropped
// so the next call reconnects.
func (p *Provider) classify(op string, h models.BrowserHandle, err error) error {
	var re *runtime.Error
	if errors.As(err, &re) {
		return err
	}
	var pe *pageError
	if errors.Is(err, errNoElement) || errors.As(err, &pe) {
		return runtime.Application(op, err.Error())
	}
	p.registry.DropAttachment(h.ID, tabKey)
	return runtime.Dispatch(op, err)
}

// Navigate loads url in the session page
func (p *Provider) Navigate(ctx context.Context, h models.BrowserHandle, url string, opts runtime.NavigateOptions) runtime.ActionResult {
	waitUntil := opts.WaitUntil
	if waitUntil == "" {
		waitUntil = runtime.WaitLoad
	}

	var info pageInfo
	err := p.with(ctx, h, runtime.OpNavigate, opts.Timeout, func(ctx context.Context, _ sandbox.Sandbox, t tab) error {
		var err error
		info, err = t.navigate(ctx, url, waitUntil)
		return err
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpNavigate, h, err)
	}

	current := info.URL
	if current == "" {
		current = url
	}
	h = runtime.Touch(h, current, p.now())
	return runtime.Succeed(h, runtime.NavigateData{CurrentURL: current, Title: info.Title})
}

// afterInput runs an input action and reports where the page ended up
func (p *Provider) afterInput(ctx context.Context, h models.BrowserHandle, op string, timeout time.Duration, input func(ctx context.Context, t tab) error) (models.BrowserHandle, error) {
	var info pageInfo
	err := p.with(ctx, h, op, timeout, func(ctx context.Context, _ sandbox.Sandbox, t tab) error {
		if err := input(ctx, t); err != nil {
			return err
		}
		info, _ = t.page(ctx)
		return nil
	})
	if err != nil {
		return h, err
	}
	return runtime.Touch(h, info.URL, p.now()), nil
}

// Click clicks the first element matching selector
func (p *Provider) Click(ctx context.Context, h models.BrowserHandle, selector string, opts runtime.ClickOptions) runtime.ActionResult {
	next, err := p.afterInput(ctx, h, runtime.OpClick, opts.Timeout, func(ctx context.Context, t tab) error {
		return t.click(ctx, selector, opts.Button, opts.ClickCount)
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpClick, h, err)
	}
	return runtime.Succeed(next, runtime.PageData{CurrentURL: next.CurrentURL})
}

// ClickAt clicks at page coordinates
func (p *Provider) ClickAt(ctx context.Context, h models.BrowserHandle, x, y float64, opts runtime.ClickOptions) runtime.ActionResult {
	next, err := p.afterInput(ctx, h, runtime.OpClickAt, opts.Timeout, func(ctx context.Context, t tab) error {
		return t.clickAt(ctx, x, y, opts.Button, opts.ClickCount)
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpClickAt, h, err)
	}
	return runtime.Succeed(next, runtime.PageData{CurrentURL: next.CurrentURL})
}

// Type enters text into the element matching selector
func (p *Provider) Type(ctx context.Context, h models.BrowserHandle, selector, text string, opts runtime.TypeOptions) runtime.ActionResult {
	next, err := p.afterInput(ctx, h, runtime.OpType, opts.Timeout, func(ctx context.Context, t tab) error {
		return t.typeText(ctx, selector, text, opts.Delay, opts.Clear)
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpType, h, err)
	}
	return runtime.Succeed(next, runtime.PageData{CurrentURL: next.CurrentURL})
}

// Scroll scrolls the page by a delta
func (p *Provider) Scroll(ctx context.Context, h models.BrowserHandle, deltaX, deltaY int, opts runtime.ActionOptions) runtime.ActionResult {
	var x, y int
	next, err := p.afterInput(ctx, h, runtime.OpScroll, opts.Timeout, func(ctx context.Context, t tab) error {
		var err error
		x, y, err = t.scroll(ctx, deltaX, deltaY)
		return err
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpScroll, h, err)
	}
	return runtime.Succeed(next, runtime.ScrollData{CurrentURL: next.CurrentURL, ScrollX: x, ScrollY: y})
}

var contentExtensions = map[string]string{
	runtime.FormatText:     "txt",
	runtime.FormatMarkdown: "md",
	runtime.FormatHTML:     "html",
}

// ExtractContent writes the page content into the sandbox workspace and
// offloads it, so the result has the same shape as the scripted provider's
func (p *Provider) ExtractContent(ctx context.Context, h models.BrowserHandle, opts runtime.ExtractOptions) runtime.ActionResult {
	format := opts.Format
	if format == "" {
		format = runtime.FormatText
	}
	ext, ok := contentExtensions[format]
	if !ok {
		return runtime.Fail(p.logger, runtime.OpExtract, h,
			runtime.Application(runtime.OpExtract, fmt.Sprintf("unsupported format %q", format)))
	}

	var (
		info pageInfo
		a    runtime.Artifact
	)
	err := p.with(ctx, h, runtime.OpExtract, opts.Timeout, func(ctx context.Context, sb sandbox.Sandbox, t tab) error {
		content, err := t.content(ctx, opts.Selector, format)
		if err != nil {
			return err
		}
		info, _ = t.page(ctx)
		a, err = p.store(ctx, sb, runtime.OpExtract, fmt.Sprintf("content-%d.%s", p.now().UnixMilli(), ext), []byte(content), opts.ActionOptions)
		return err
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpExtract, h, err)
	}

	text, truncated := string(a.Bytes), false
	if p.cfg.MaxInlineContent > 0 && len(text) > p.cfg.MaxInlineContent {
		text, truncated = strings.ToValidUTF8(text[:p.cfg.MaxInlineContent], ""), true
	}
	h = runtime.Touch(h, info.URL, p.now())
	return runtime.Succeed(h, runtime.ContentData{
		CurrentURL:  h.CurrentURL,
		Title:       info.Title,
		Format:      format,
		Content:     text,
		ContentFile: a.File,
		ContentURL:  a.URL,
		Size:        a.Size,
		Truncated:   truncated,
	})
}

// Screenshot captures the page into the sandbox workspace and offloads it
func (p *Provider) Screenshot(ctx context.Context, h models.BrowserHandle, opts runtime.ScreenshotOptions) runtime.ActionResult {
	format := opts.Format
	if format == "" {
		format = runtime.ImagePNG
	}

	var a runtime.Artifact
	err := p.with(ctx, h, runtime.OpScreenshot, opts.Timeout, func(ctx context.Context, sb sandbox.Sandbox, t tab) error {
		img, err := t.screenshot(ctx, opts.FullPage, format)
		if err != nil {
			return err
		}
		a, err = p.store(ctx, sb, runtime.OpScreenshot, fmt.Sprintf("screenshot-%d.%s", p.now().UnixMilli(), format), img, opts.ActionOptions)
		return err
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpScreenshot, h, err)
	}
	h = runtime.Touch(h, "", p.now())
	return runtime.Succeed(h, runtime.ScreenshotData{File: a.File, URL: a.URL, Format: format, Size: a.Size})
}

// Download has the browser save url into the sandbox workspace, renames
// the file and offloads it
func (p *Provider) Download(ctx context.Context, h models.BrowserHandle, rawURL string, opts runtime.DownloadOptions) runtime.ActionResult {
	source := resolveURL(h.CurrentURL, rawURL)

	var (
		a    runtime.Artifact
		name string
	)
	err := p.with(ctx, h, runtime.OpDownload, opts.Timeout, func(ctx context.Context, sb sandbox.Sandbox, t tab) error {
		guid, suggested, err := t.download(ctx, source, p.cfg.WorkspaceRoot)
		if err != nil {
			return err
		}
		name = downloadName(opts.FileName, suggested, source)
		target := path.Join(p.cfg.WorkspaceRoot, fmt.Sprintf("download-%d-%s", p.now().UnixMilli(), name))
		mv := command.New("mv", "-f", path.Join(p.cfg.WorkspaceRoot, guid), target).String()
		res, err := sb.Exec(ctx, mv, sandbox.ExecOptions{Timeout: 30 * time.Second})
		if err != nil {
			return runtime.Dispatch(runtime.OpDownload, err)
		}
		if res.ExitCode != 0 {
			return runtime.Dispatch(runtime.OpDownload, fmt.Errorf("failed to move download: %s", res.Combined()))
		}
		a, err = p.offload.Fetch(ctx, sb, target, opts.ActionOptions)
		if err != nil {
			return runtime.Dispatch(runtime.OpDownload, err)
		}
		return nil
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpDownload, h, err)
	}
	h = runtime.Touch(h, "", p.now())
	return runtime.Succeed(h, runtime.DownloadData{
		File:        a.File,
		FileName:    name,
		Size:        a.Size,
		ContentType: a.ContentType,
		URL:         a.URL,
		SourceURL:   source,
	})
}

// SaveState reads the browser cookies and mirrors them into the handle's
// state file
func (p *Provider) SaveState(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	var raw json.RawMessage
	err := p.with(ctx, h, runtime.OpSaveState, opts.Timeout, func(ctx context.Context, sb sandbox.Sandbox, t tab) error {
		cookies, err := t.cookies(ctx)
		if err != nil {
			return err
		}
		raw, err = encodeState(cookies)
		if err != nil {
			return runtime.Parse(runtime.OpSaveState, err)
		}
		if err := sb.WriteFile(ctx, h.StateFilePath, raw); err != nil {
			return runtime.Dispatch(runtime.OpSaveState, err)
		}
		return nil
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpSaveState, h, err)
	}
	h = runtime.Touch(h, "", p.now())
	return runtime.Succeed(h, runtime.StateData{StateFile: h.StateFilePath, State: raw})
}

// RestoreState loads state, or the saved state file when state is nil
func (p *Provider) RestoreState(ctx context.Context, h models.BrowserHandle, state json.RawMessage, opts runtime.ActionOptions) runtime.ActionResult {
	if len(state) > 0 && !json.Valid(state) {
		return runtime.Fail(p.logger, runtime.OpRestoreState, h, runtime.Application(runtime.OpRestoreState, "state is not valid JSON"))
	}

	err := p.with(ctx, h, runtime.OpRestoreState, opts.Timeout, func(ctx context.Context, sb sandbox.Sandbox, t tab) error {
		if len(state) == 0 {
			saved, err := readSandboxFile(ctx, sb, h.StateFilePath)
			if err != nil {
				if errors.Is(err, sandbox.ErrNotFound) {
					return runtime.Application(runtime.OpRestoreState, "no saved state at "+h.StateFilePath)
				}
				return runtime.Dispatch(runtime.OpRestoreState, err)
			}
			state = saved
		}
		cookies, err := decodeState(state)
		if err != nil {
			return runtime.Application(runtime.OpRestoreState, err.Error())
		}
		if err := t.setCookies(ctx, cookies); err != nil {
			return err
		}
		if err := sb.WriteFile(ctx, h.StateFilePath, state); err != nil {
			p.logger.Warn("failed to mirror state file", zap.String("handle_id", h.ID), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpRestoreState, h, err)
	}
	h = runtime.Touch(h, "", p.now())
	return runtime.Succeed(h, runtime.StateData{StateFile: h.StateFilePath, State: state})
}

// store writes data into the workspace and offloads it
func (p *Provider) store(ctx context.Context, sb sandbox.Sandbox, op, name string, data []byte, opts runtime.ActionOptions) (runtime.Artifact, error) {
	file := path.Join(p.cfg.WorkspaceRoot, name)
	if err := sb.WriteFile(ctx, file, data); err != nil {
		return runtime.Artifact{}, runtime.Dispatch(op, err)
	}
	a, err := p.offload.Fetch(ctx, sb, file, opts)
	if err != nil {
		return runtime.Artifact{}, runtime.Dispatch(op, err)
	}
	return a, nil
}

type stateFile struct {
	Cookies []Cookie `json:"cookies"`
}

func encodeState(cookies []Cookie) (json.RawMessage, error) {
	if cookies == nil {
		cookies = []Cookie{}
	}
	return json.Marshal(stateFile{Cookies: cookies})
}

func decodeState(raw []byte) ([]Cookie, error) {
	var s stateFile
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	return s.Cookies, nil
}

func resolveURL(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return ref
	}
	return b.ResolveReference(r).String()
}

func downloadName(requested, suggested, source string) string {
	for _, candidate := range []string{requested, suggested} {
		if name := path.Base(strings.ReplaceAll(candidate, "\\", "/")); candidate != "" && name != "." && name != "/" {
			return name
		}
	}
	if u, err := url.Parse(source); err == nil {
		if name := path.Base(u.Path); name != "." && name != "/" && name != "" {
			return name
		}
	}
	return "download"
}
