package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
)

var errNoElement = errors.New("no element matches selector")

// pageError is a failure reported by the page itself, such as a navigation
// error. It is the caller's problem, not the connection's.
type pageError struct {
	msg string
}

func (e *pageError) Error() string { return e.msg }

type pageInfo struct {
	URL   string
	Title string
}

// Cookie is the stored cookie shape. It matches what the scripted provider
// writes, so state files move between providers.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// tab is one DevTools page connection
type tab interface {
	navigate(ctx context.Context, url, waitUntil string) (pageInfo, error)
	click(ctx context.Context, selector, button string, count int) error
	clickAt(ctx context.Context, x, y float64, button string, count int) error
	scroll(ctx context.Context, dx, dy int) (x, y int, err error)
	typeText(ctx context.Context, selector, text string, delay time.Duration, clear bool) error
	page(ctx context.Context) (pageInfo, error)
	content(ctx context.Context, selector, format string) (string, error)
	screenshot(ctx context.Context, fullPage bool, format string) ([]byte, error)
	download(ctx context.Context, url, dir string) (guid, suggested string, err error)
	cookies(ctx context.Context) ([]Cookie, error)
	setCookies(ctx context.Context, cookies []Cookie) error
	Close() error
}

// dialer opens a tab on the browser behind wsURL
type dialer func(ctx context.Context, wsURL string) (tab, error)

type chromedpTab struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

func dialChromedp(logger *zap.Logger, timeout time.Duration) dialer {
	return func(ctx context.Context, wsURL string) (tab, error) {
		allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)
		tabCtx, cancel := chromedp.NewContext(allocCtx,
			chromedp.WithLogf(logger.Sugar().Debugf),
			chromedp.WithErrorf(logger.Sugar().Errorf))
		t := &chromedpTab{ctx: tabCtx, cancel: cancel, allocCancel: allocCancel}

		// The first Run attaches and creates the target. It must use the tab
		// context itself or the target dies with the caller's context.
		done := make(chan error, 1)
		go func() { done <- chromedp.Run(tabCtx) }()
		select {
		case err := <-done:
			if err != nil {
				t.Close()
				return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
			}
			return t, nil
		case <-ctx.Done():
			t.Close()
			return nil, ctx.Err()
		case <-time.After(timeout):
			t.Close()
			return nil, fmt.Errorf("connecting to %s timed out after %s", wsURL, timeout)
		}
	}
}

func (t *chromedpTab) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.allocCancel()
	})
	return nil
}

// run executes actions on the tab, bounded by ctx
func (t *chromedpTab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (t *chromedpTab) evaluate(ctx context.Context, script string, out any) error {
	return t.run(ctx, chromedp.Evaluate(script, out))
}

func (t *chromedpTab) exists(ctx context.Context, selector string) error {
	var found bool
	if err := t.evaluate(ctx, fmt.Sprintf("document.querySelector(%s) !== null", jsString(selector)), &found); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", errNoElement, selector)
	}
	return nil
}

func (t *chromedpTab) navigate(ctx context.Context, url, waitUntil string) (pageInfo, error) {
	actions := []chromedp.Action{chromedp.Navigate(url)}
	switch waitUntil {
	case runtime.WaitDOMContentLoaded:
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	case runtime.WaitNetworkIdle:
		actions = append(actions, chromedp.Sleep(500*time.Millisecond))
	}

	if err := t.run(ctx, actions...); err != nil {
		if strings.Contains(err.Error(), "page load error") {
			return pageInfo{}, &pageError{msg: fmt.Sprintf("navigation to %s failed: %v", url, err)}
		}
		return pageInfo{}, err
	}
	return t.page(ctx)
}

func (t *chromedpTab) click(ctx context.Context, selector, button string, count int) error {
	if err := t.exists(ctx, selector); err != nil {
		return err
	}
	var nodes []*cdp.Node
	if err := t.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: %s", errNoElement, selector)
	}
	return t.run(ctx, chromedp.MouseClickNode(nodes[0], mouseOptions(button, count)...))
}

func (t *chromedpTab) clickAt(ctx context.Context, x, y float64, button string, count int) error {
	return t.run(ctx, chromedp.MouseClickXY(x, y, mouseOptions(button, count)...))
}

func mouseOptions(button string, count int) []chromedp.MouseOption {
	var opts []chromedp.MouseOption
	if button != "" {
		opts = append(opts, chromedp.Button(button))
	}
	if count > 1 {
		opts = append(opts, chromedp.ClickCount(count))
	}
	return opts
}

func (t *chromedpTab) scroll(ctx context.Context, dx, dy int) (int, int, error) {
	var pos struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	script := fmt.Sprintf("window.scrollBy(%d, %d); ({x: window.scrollX, y: window.scrollY})", dx, dy)
	if err := t.evaluate(ctx, script, &pos); err != nil {
		return 0, 0, err
	}
	return int(pos.X), int(pos.Y), nil
}

func (t *chromedpTab) typeText(ctx context.Context, selector, text string, delay time.Duration, clear bool) error {
	if err := t.exists(ctx, selector); err != nil {
		return err
	}
	actions := []chromedp.Action{chromedp.WaitVisible(selector, chromedp.ByQuery)}
	if clear {
		actions = append(actions, chromedp.Clear(selector, chromedp.ByQuery))
	}
	if delay <= 0 {
		actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.Focus(selector, chromedp.ByQuery))
		for _, r := range text {
			actions = append(actions, chromedp.KeyEvent(string(r)), chromedp.Sleep(delay))
		}
	}
	return t.run(ctx, actions...)
}

func (t *chromedpTab) page(ctx context.Context) (pageInfo, error) {
	var info pageInfo
	err := t.run(ctx, chromedp.Location(&info.URL), chromedp.Title(&info.Title))
	return info, err
}

func (t *chromedpTab) content(ctx context.Context, selector, format string) (string, error) {
	var res struct {
		Found   bool   `json:"found"`
		Content string `json:"content"`
	}
	if err := t.evaluate(ctx, contentScript(selector, format), &res); err != nil {
		return "", err
	}
	if !res.Found {
		return "", fmt.Errorf("%w: %s", errNoElement, selector)
	}
	return res.Content, nil
}

func (t *chromedpTab) screenshot(ctx context.Context, fullPage bool, format string) ([]byte, error) {
	var buf []byte
	quality := 100
	if format == runtime.ImageJPEG {
		quality = 90
	}

	var action chromedp.Action
	switch {
	case fullPage:
		action = chromedp.FullScreenshot(&buf, quality)
	case format == runtime.ImageJPEG:
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(quality)).
				Do(ctx)
			return err
		})
	default:
		action = chromedp.CaptureScreenshot(&buf)
	}
	if err := t.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// download saves url into dir under its download guid. The browser picks
// the guid; callers rename the file.
func (t *chromedpTab) download(ctx context.Context, url, dir string) (string, string, error) {
	type outcome struct {
		guid, name string
		err        error
	}
	done := make(chan outcome, 1)

	var (
		mu    sync.Mutex
		names = make(map[string]string)
	)
	listenCtx, stop := context.WithCancel(t.ctx)
	defer stop()
	chromedp.ListenTarget(listenCtx, func(ev any) {
		switch e := ev.(type) {
		case *browser.EventDownloadWillBegin:
			mu.Lock()
			names[e.GUID] = e.SuggestedFilename
			mu.Unlock()
		case *browser.EventDownloadProgress:
			mu.Lock()
			name := names[e.GUID]
			mu.Unlock()
			switch e.State {
			case browser.DownloadProgressStateCompleted:
				select {
				case done <- outcome{guid: e.GUID, name: name}:
				default:
				}
			case browser.DownloadProgressStateCanceled:
				select {
				case done <- outcome{err: &pageError{msg: "download of " + url + " was canceled"}}:
				default:
				}
			}
		}
	})

	trigger := fmt.Sprintf(`(() => {
  const a = document.createElement("a");
  a.href = %s;
  a.download = "";
  document.body.appendChild(a);
  a.click();
  a.remove();
  return true;
})()`, jsString(url))
	if err := t.run(ctx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
		chromedp.Evaluate(trigger, nil),
	); err != nil {
		return "", "", err
	}

	select {
	case res := <-done:
		return res.guid, res.name, res.err
	case <-ctx.Done():
		return "", "", fmt.Errorf("download of %s did not finish: %w", url, ctx.Err())
	}
}

func (t *chromedpTab) cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (t *chromedpTab) setCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &expires
		}
		params = append(params, p)
	}
	return t.run(ctx, network.SetCookies(params))
}

func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// contentScript returns {found, content} for selector in the requested
// format. Markdown keeps headings, links, list items and paragraphs.
func contentScript(selector, format string) string {
	sel := "document.body"
	if selector != "" {
		sel = fmt.Sprintf("document.querySelector(%s)", jsString(selector))
	}
	var body string
	switch format {
	case runtime.FormatHTML:
		body = "el.outerHTML"
	case runtime.FormatMarkdown:
		body = markdownScript
	default:
		body = "el.innerText"
	}
	return fmt.Sprintf(`(() => {
  const el = %s;
  if (!el) return {found: false, content: ""};
  return {found: true, content: %s};
})()`, sel, body)
}

const markdownScript = `(function md(node) {
  if (node.nodeType === Node.TEXT_NODE) return node.textContent.replace(/\s+/g, " ");
  if (node.nodeType !== Node.ELEMENT_NODE) return "";
  const tag = node.tagName.toLowerCase();
  if (["script", "style", "noscript", "template"].includes(tag)) return "";
  const inner = Array.from(node.childNodes).map(md).join("").trim();
  if (/^h[1-6]$/.test(tag)) return "\n\n" + "#".repeat(Number(tag[1])) + " " + inner + "\n\n";
  if (tag === "a" && node.getAttribute("href")) return "[" + inner + "](" + node.href + ")";
  if (tag === "li") return "\n- " + inner;
  if (tag === "br") return "\n";
  if (["p", "div", "section", "article", "ul", "ol", "table", "tr"].includes(tag)) return "\n\n" + inner + "\n\n";
  if (tag === "strong" || tag === "b") return inner ? "**" + inner + "**" : "";
  if (tag === "em" || tag === "i") return inner ? "_" + inner + "_" : "";
  if (tag === "code") return "` + "`" + `" + inner + "` + "`" + `";
  return inner;
})(el).replace(/\n{3,}/g, "\n\n").trim()`
