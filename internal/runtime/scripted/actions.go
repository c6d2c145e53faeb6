package scripted

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

type pageResponse struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	ScrollX int    `json:"scrollX"`
	ScrollY int    `json:"scrollY"`
}

// do resolves the sandbox and runs one script, decoding its response
func (p *Provider) do(ctx context.Context, h models.BrowserHandle, op, script string, opts runtime.ActionOptions, args map[string]any, out any) (sandbox.Sandbox, error) {
	sb, err := p.sandboxes.Get(ctx, h.SandboxID)
	if err != nil {
		return nil, runtime.Dispatch(op, err)
	}
	resp, err := p.run(ctx, sb, h, op, script, opts.Timeout, args)
	if err != nil {
		return sb, err
	}
	if out != nil {
		if err := resp.Decode(out); err != nil {
			return sb, runtime.Parse(op, err)
		}
	}
	return sb, nil
}

// Navigate loads url in the session page
func (p *Provider) Navigate(ctx context.Context, h models.BrowserHandle, url string, opts runtime.NavigateOptions) runtime.ActionResult {
	waitUntil := opts.WaitUntil
	if waitUntil == "" {
		waitUntil = runtime.WaitLoad
	}

	var resp pageResponse
	if _, err := p.do(ctx, h, runtime.OpNavigate, ScriptNavigate, opts.ActionOptions, map[string]any{
		"url":       url,
		"waitUntil": waitUntil,
	}, &resp); err != nil {
		return runtime.Fail(p.logger, runtime.OpNavigate, h, err)
	}

	current := resp.URL
	if current == "" {
		current = url
	}
	h = runtime.Touch(h, current, p.now())
	return runtime.Succeed(h, runtime.NavigateData{CurrentURL: current, Title: resp.Title})
}

// Click clicks the first element matching selector
func (p *Provider) Click(ctx context.Context, h models.BrowserHandle, selector string, opts runtime.ClickOptions) runtime.ActionResult {
	var resp pageResponse
	if _, err := p.do(ctx, h, runtime.OpClick, ScriptClick, opts.ActionOptions, map[string]any{
		"selector":   selector,
		"button":     opts.Button,
		"clickCount": opts.ClickCount,
	}, &resp); err != nil {
		return runtime.Fail(p.logger, runtime.OpClick, h, err)
	}
	h = runtime.Touch(h, resp.URL, p.now())
	return runtime.Succeed(h, runtime.PageData{CurrentURL: h.CurrentURL})
}

// ClickAt clicks at page coordinates
func (p *Provider) ClickAt(ctx context.Context, h models.BrowserHandle, x, y float64, opts runtime.ClickOptions) runtime.ActionResult {
	var resp pageResponse
	if _, err := p.do(ctx, h, runtime.OpClickAt, ScriptClickAt, opts.ActionOptions, map[string]any{
		"x":          x,
		"y":          y,
		"button":     opts.Button,
		"clickCount": opts.ClickCount,
	}, &resp); err != nil {
		return runtime.Fail(p.logger, runtime.OpClickAt, h, err)
	}
	h = runtime.Touch(h, resp.URL, p.now())
	return runtime.Succeed(h, runtime.PageData{CurrentURL: h.CurrentURL})
}

// Scroll scrolls the page by a delta
func (p *Provider) Scroll(ctx context.Context, h models.BrowserHandle, deltaX, deltaY int, opts runtime.ActionOptions) runtime.ActionResult {
	var resp pageResponse
	if _, err := p.do(ctx, h, runtime.OpScroll, ScriptScroll, opts, map[string]any{
		"deltaX": deltaX,
		"deltaY": deltaY,
	}, &resp); err != nil {
		return runtime.Fail(p.logger, runtime.OpScroll, h, err)
	}
	h = runtime.Touch(h, resp.URL, p.now())
	return runtime.Succeed(h, runtime.ScrollData{CurrentURL: h.CurrentURL, ScrollX: resp.ScrollX, ScrollY: resp.ScrollY})
}

// Type enters text into the element matching selector
func (p *Provider) Type(ctx context.Context, h models.BrowserHandle, selector, text string, opts runtime.TypeOptions) runtime.ActionResult {
	var resp pageResponse
	if _, err := p.do(ctx, h, runtime.OpType, ScriptType, opts.ActionOptions, map[string]any{
		"selector": selector,
		"text":     text,
		"delay":    opts.Delay.Milliseconds(),
		"clear":    opts.Clear,
	}, &resp); err != nil {
		return runtime.Fail(p.logger, runtime.OpType, h, err)
	}
	h = runtime.Touch(h, resp.URL, p.now())
	return runtime.Succeed(h, runtime.PageData{CurrentURL: h.CurrentURL})
}

// Screenshot captures the page into a sandbox file and offloads it
func (p *Provider) Screenshot(ctx context.Context, h models.BrowserHandle, opts runtime.ScreenshotOptions) runtime.ActionResult {
	format := opts.Format
	if format == "" {
		format = runtime.ImagePNG
	}

	var resp struct {
		ScreenshotFile string `json:"screenshotFile"`
		Format         string `json:"format"`
		URL            string `json:"url"`
	}
	sb, err := p.do(ctx, h, runtime.OpScreenshot, ScriptScreenshot, opts.ActionOptions, map[string]any{
		"fullPage": opts.FullPage,
		"format":   format,
	}, &resp)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpScreenshot, h, err)
	}
	if resp.ScreenshotFile == "" {
		return runtime.Fail(p.logger, runtime.OpScreenshot, h, runtime.Parse(runtime.OpScreenshot, errors.New("response has no screenshotFile")))
	}

	a, err := p.offload.Fetch(ctx, sb, resp.ScreenshotFile, opts.ActionOptions)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpScreenshot, h, runtime.Dispatch(runtime.OpScreenshot, err))
	}
	h = runtime.Touch(h, resp.URL, p.now())
	return runtime.Succeed(h, runtime.ScreenshotData{File: a.File, URL: a.URL, Format: resp.Format, Size: a.Size})
}

// Download fetches url through the browser and offloads the file
func (p *Provider) Download(ctx context.Context, h models.BrowserHandle, url string, opts runtime.DownloadOptions) runtime.ActionResult {
	var resp struct {
		DownloadFile string `json:"downloadFile"`
		FileName     string `json:"fileName"`
		SourceURL    string `json:"sourceUrl"`
	}
	sb, err := p.do(ctx, h, runtime.OpDownload, ScriptDownload, opts.ActionOptions, map[string]any{
		"url":      url,
		"fileName": opts.FileName,
	}, &resp)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpDownload, h, err)
	}
	if resp.DownloadFile == "" {
		return runtime.Fail(p.logger, runtime.OpDownload, h, runtime.Parse(runtime.OpDownload, errors.New("response has no downloadFile")))
	}

	a, err := p.offload.Fetch(ctx, sb, resp.DownloadFile, opts.ActionOptions)
	if err != nil {
		return runtime.Fail(p.logger, runtime.OpDownload, h, runtime.Dispatch(runtime.OpDownload, err))
	}
	source := resp.SourceURL
	if source == "" {
		source = url
	}
	h = runtime.Touch(h, "", p.now())
	return runtime.Succeed(h, runtime.DownloadData{
		File:        a.File,
		FileName:    resp.FileName,
		Size:        a.Size,
		ContentType: a.ContentType,
		URL:         a.URL,
		SourceURL:   source,
	})
}

type stateResponse struct {
	StateFile string          `json:"stateFile"`
	State     json.RawMessage `json:"state"`
	URL       string          `json:"url"`
}

// SaveState writes the browser cookies to the handle's state file
func (p *Provider) SaveState(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
	var resp stateResponse
	if _, err := p.do(ctx, h, runtime.OpSaveState, ScriptSaveState, opts, nil, &resp); err != nil {
		return runtime.Fail(p.logger, runtime.OpSaveState, h, err)
	}
	h = runtime.Touch(h, resp.URL, p.now())
	return runtime.Succeed(h, runtime.StateData{StateFile: resp.StateFile, State: resp.State})
}

// RestoreState loads state, or the saved state file when state is nil
func (p *Provider) RestoreState(ctx context.Context, h models.BrowserHandle, state json.RawMessage, opts runtime.ActionOptions) runtime.ActionResult {
	args := map[string]any{}
	if len(state) > 0 {
		if !json.Valid(state) {
			return runtime.Fail(p.logger, runtime.OpRestoreState, h, runtime.Application(runtime.OpRestoreState, "state is not valid JSON"))
		}
		args["state"] = state
	}

	var resp stateResponse
	if _, err := p.do(ctx, h, runtime.OpRestoreState, ScriptRestoreState, opts, args, &resp); err != nil {
		return runtime.Fail(p.logger, runtime.OpRestoreState, h, err)
	}
	h = runtime.Touch(h, resp.URL, p.now())
	return runtime.Succeed(h, runtime.StateData{StateFile: resp.StateFile, State: resp.State})
}
