package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox/sandboxtest"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

type fakeTab struct {
	mu        sync.Mutex
	url       string
	title     string
	text      string
	image     []byte
	cookieJar []Cookie
	fail      error
	visits    []string
	closed    bool
}

func (f *fakeTab) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *fakeTab) navigate(_ context.Context, url, _ string) (pageInfo, error) {
	if err := f.err(); err != nil {
		return pageInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(url, "unresolvable") {
		return pageInfo{}, &pageError{msg: "navigation to " + url + " failed: page load error net::ERR_NAME_NOT_RESOLVED"}
	}
	f.url = url
	f.visits = append(f.visits, url)
	return pageInfo{URL: url, Title: f.title}, nil
}

func (f *fakeTab) click(_ context.Context, selector, _ string, _ int) error {
	if err := f.err(); err != nil {
		return err
	}
	if selector == "#missing" {
		return errors.Join(errNoElement, errors.New(selector))
	}
	return nil
}

func (f *fakeTab) clickAt(context.Context, float64, float64, string, int) error { return f.err() }

func (f *fakeTab) scroll(_ context.Context, dx, dy int) (int, int, error) {
	return dx, dy, f.err()
}

func (f *fakeTab) typeText(context.Context, string, string, time.Duration, bool) error {
	return f.err()
}

func (f *fakeTab) page(context.Context) (pageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pageInfo{URL: f.url, Title: f.title}, f.fail
}

func (f *fakeTab) content(context.Context, string, string) (string, error) {
	return f.text, f.err()
}

func (f *fakeTab) screenshot(context.Context, bool, string) ([]byte, error) {
	return f.image, f.err()
}

func (f *fakeTab) download(context.Context, string, string) (string, string, error) {
	return "guid-1", "report.pdf", f.err()
}

func (f *fakeTab) cookies(context.Context) ([]Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Cookie(nil), f.cookieJar...), f.fail
}

func (f *fakeTab) setCookies(_ context.Context, cookies []Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookieJar = append([]Cookie(nil), cookies...)
	return f.fail
}

func (f *fakeTab) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type memoryStore struct {
	mu   sync.Mutex
	puts map[string]int
}

func (s *memoryStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key] = len(data)
	return nil
}

type harness struct {
	provider *Provider
	registry *runtime.Registry
	sandbox  *sandboxtest.Fake
	tabs     []*fakeTab
	dialed   []string
	next     func() *fakeTab
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sb := sandboxtest.New("sbx1")
	sb.SetPreview(9222, "http://localhost:49153")
	registry := runtime.NewRegistry(logger)
	probe := runtime.NewProbe(logger)

	cfg := DefaultConfig()
	cfg.Discovery.PollInterval = 10 * time.Millisecond
	h := &harness{registry: registry, sandbox: sb}
	h.next = func() *fakeTab { return &fakeTab{title: "Example"} }
	h.provider = New(cfg, Deps{
		Sandboxes:  sandboxtest.NewResolver(sb),
		Registry:   registry,
		Discoverer: runtime.NewDiscoverer(probe, logger),
		Probe:      probe,
		Offloader:  runtime.NewOffloader(&memoryStore{puts: make(map[string]int)}, "http://api.local", logger),
		Logger:     logger,
	})
	h.provider.dial = func(_ context.Context, wsURL string) (tab, error) {
		ft := h.next()
		h.tabs = append(h.tabs, ft)
		h.dialed = append(h.dialed, wsURL)
		return ft, nil
	}
	return h
}

func (h *harness) ready() models.BrowserHandle {
	return models.NewHandle("h1", models.ProviderCDP, "sbx1", models.HandleOptions{
		Status:     models.HandleReady,
		DebugPort:  9222,
		WSEndpoint: "ws://127.0.0.1:9222/devtools/browser/abc",
	})
}

func TestDecodeActivePort(t *testing.T) {
	ep, err := DecodeActivePort([]byte("9222\n/devtools/browser/4f1c\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/4f1c", ep.WSEndpoint)
	assert.Equal(t, 9222, ep.DebugPort)

	for _, content := range []string{"", "9222", "9222\n", "abc\n/devtools/browser/x", "9222\n/json/version"} {
		_, err := DecodeActivePort([]byte(content))
		assert.Error(t, err, "%q", content)
	}
}

func TestCreateRequiresPreviewURL(t *testing.T) {
	h := newHarness(t)

	res := h.provider.Create(context.Background(), runtime.CreateOptions{SandboxID: "sbx1", DebugPort: 9333})
	require.False(t, res.Success)
	assert.Equal(t, runtime.KindDispatch, res.Kind)
	assert.Contains(t, res.Error, "no preview url")
	assert.Empty(t, h.sandbox.ExecsContaining("chromium"))
}

func TestCreateDiscoversActivePort(t *testing.T) {
	h := newHarness(t)
	h.sandbox.OnExec(func(_ context.Context, cmd string) (sandbox.ExecResult, bool, error) {
		if !strings.HasPrefix(cmd, "nohup chromium ") {
			return sandbox.ExecResult{}, false, nil
		}
		time.AfterFunc(50*time.Millisecond, func() {
			h.sandbox.PutFile("/tmp/browser-runtime/cdp/h1/profile/DevToolsActivePort", []byte("9222\n/devtools/browser/abc\n"))
		})
		return sandbox.ExecResult{Stdout: "321\n"}, true, nil
	})

	res := h.provider.Create(context.Background(), runtime.CreateOptions{SandboxID: "sbx1", HandleID: "h1"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, models.ProviderCDP, res.Handle.Provider)
	assert.Equal(t, models.HandleReady, res.Handle.Status)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", res.Handle.WSEndpoint)

	ep := res.Data.(runtime.Endpoint)
	assert.Equal(t, 321, ep.PID)
	assert.Equal(t, runtime.StateInfoFile, ep.Via)

	launch := h.sandbox.ExecsContaining("nohup chromium")
	require.Len(t, launch, 1)
	assert.Contains(t, launch[0], "--remote-debugging-port=9222")
	assert.Contains(t, launch[0], "--user-data-dir=/tmp/browser-runtime/cdp/h1/profile")
	assert.Contains(t, launch[0], "--headless=new")
	assert.Contains(t, launch[0], ">/tmp/browser-runtime/cdp/h1/chromium.log 2>&1")
	assert.Empty(t, h.tabs, "no saved state, no connection")
}

func TestCreateRestoresSavedCookies(t *testing.T) {
	h := newHarness(t)
	h.sandbox.PutFile(models.DefaultStateFilePath("h1"), []byte(`{"cookies": [{"name": "sid", "value": "1", "domain": "a.test", "path": "/"}]}`))
	h.sandbox.OnExec(func(_ context.Context, cmd string) (sandbox.ExecResult, bool, error) {
		if !strings.HasPrefix(cmd, "nohup chromium ") {
			return sandbox.ExecResult{}, false, nil
		}
		h.sandbox.PutFile("/tmp/browser-runtime/cdp/h1/profile/DevToolsActivePort", []byte("9222\n/devtools/browser/abc\n"))
		return sandbox.ExecResult{Stdout: "321\n"}, true, nil
	})

	res := h.provider.Create(context.Background(), runtime.CreateOptions{SandboxID: "sbx1", HandleID: "h1"})
	require.True(t, res.Success, res.Error)
	require.Len(t, h.tabs, 1)
	assert.Equal(t, []Cookie{{Name: "sid", Value: "1", Domain: "a.test", Path: "/"}}, h.tabs[0].cookieJar)
}

func TestNavigateThroughPublicEndpoint(t *testing.T) {
	h := newHarness(t)

	res := h.provider.Navigate(context.Background(), h.ready(), "https://example.com", runtime.NavigateOptions{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, runtime.NavigateData{CurrentURL: "https://example.com", Title: "Example"}, res.Data)
	assert.Equal(t, "https://example.com", res.Handle.CurrentURL)
	assert.Equal(t, []string{"ws://localhost:49153/devtools/browser/abc"}, h.dialed)
}

func TestTabReusedAndRecreated(t *testing.T) {
	h := newHarness(t)
	handle := models.UpdateURL(h.ready(), "https://example.com/cart")

	first := h.provider.Click(context.Background(), handle, "#buy", runtime.ClickOptions{})
	require.True(t, first.Success, first.Error)
	second := h.provider.Scroll(context.Background(), *first.Handle, 0, 400, runtime.ActionOptions{})
	require.True(t, second.Success, second.Error)
	assert.Equal(t, runtime.ScrollData{CurrentURL: "https://example.com/cart", ScrollY: 400}, second.Data)
	require.Len(t, h.tabs, 1)
	assert.Equal(t, []string{"https://example.com/cart"}, h.tabs[0].visits, "new tab returns to the current url")

	h.tabs[0].mu.Lock()
	h.tabs[0].fail = errors.New("websocket: close 1006")
	h.tabs[0].mu.Unlock()
	broken := h.provider.Click(context.Background(), *second.Handle, "#buy", runtime.ClickOptions{})
	require.False(t, broken.Success)
	assert.Equal(t, runtime.KindDispatch, broken.Kind)
	assert.True(t, h.tabs[0].closed)

	again := h.provider.Click(context.Background(), *second.Handle, "#buy", runtime.ClickOptions{})
	require.True(t, again.Success, again.Error)
	require.Len(t, h.tabs, 2)
	assert.Equal(t, []string{"https://example.com/cart"}, h.tabs[1].visits)
}

func TestPageErrorsAreApplicationFailures(t *testing.T) {
	h := newHarness(t)

	missing := h.provider.Click(context.Background(), h.ready(), "#missing", runtime.ClickOptions{})
	require.False(t, missing.Success)
	assert.Equal(t, runtime.KindApplication, missing.Kind)

	nav := h.provider.Navigate(context.Background(), h.ready(), "https://unresolvable.invalid", runtime.NavigateOptions{})
	require.False(t, nav.Success)
	assert.Equal(t, runtime.KindApplication, nav.Kind)
	assert.Contains(t, nav.Error, "ERR_NAME_NOT_RESOLVED")

	require.Len(t, h.tabs, 1)
	assert.False(t, h.tabs[0].closed, "page errors keep the connection")
}

func TestExtractContentOffloaded(t *testing.T) {
	h := newHarness(t)
	big := strings.Repeat("a", 600*1024)
	h.next = func() *fakeTab { return &fakeTab{url: "https://a.test", title: "A", text: big} }

	res := h.provider.ExtractContent(context.Background(), h.ready(), runtime.ExtractOptions{
		ActionOptions: runtime.ActionOptions{SessionID: "s1", OrganizationID: "org1"},
		Format:        runtime.FormatMarkdown,
	})
	require.True(t, res.Success, res.Error)

	data := res.Data.(runtime.ContentData)
	assert.True(t, strings.HasPrefix(data.ContentFile, "/workspace/content-"))
	assert.True(t, strings.HasSuffix(data.ContentFile, ".md"))
	assert.Equal(t, len(big), data.Size)
	assert.True(t, data.Truncated)
	assert.Len(t, data.Content, 512*1024)
	assert.NotEmpty(t, data.ContentURL)
	assert.Equal(t, "A", data.Title)

	stored, ok := h.sandbox.File(data.ContentFile)
	require.True(t, ok)
	assert.Len(t, stored, len(big))
}

func TestExtractContentRejectsUnknownFormat(t *testing.T) {
	h := newHarness(t)

	res := h.provider.ExtractContent(context.Background(), h.ready(), runtime.ExtractOptions{Format: "pdf"})
	require.False(t, res.Success)
	assert.Equal(t, runtime.KindApplication, res.Kind)
}

func TestScreenshotWrittenToWorkspace(t *testing.T) {
	h := newHarness(t)
	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 64)...)
	h.next = func() *fakeTab { return &fakeTab{image: png} }

	res := h.provider.Screenshot(context.Background(), h.ready(), runtime.ScreenshotOptions{FullPage: true})
	require.True(t, res.Success, res.Error)

	data := res.Data.(runtime.ScreenshotData)
	assert.True(t, strings.HasSuffix(data.File, ".png"))
	assert.Equal(t, len(png), data.Size)
	assert.Equal(t, runtime.ImagePNG, data.Format)
	assert.Empty(t, data.URL, "no session to upload under")
}

func TestDownloadRenamesAndOffloads(t *testing.T) {
	h := newHarness(t)
	h.sandbox.OnExec(func(_ context.Context, cmd string) (sandbox.ExecResult, bool, error) {
		if !strings.HasPrefix(cmd, "mv -f ") {
			return sandbox.ExecResult{}, false, nil
		}
		fields := strings.Fields(cmd)
		content, ok := h.sandbox.File(fields[2])
		if !ok {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "mv: cannot stat"}, true, nil
		}
		h.sandbox.PutFile(fields[3], content)
		return sandbox.ExecResult{}, true, nil
	})
	h.sandbox.PutFile("/workspace/guid-1", []byte("%PDF-1.4\n"))

	handle := models.UpdateURL(h.ready(), "https://a.test/reports/")
	res := h.provider.Download(context.Background(), handle, "q3.pdf", runtime.DownloadOptions{
		ActionOptions: runtime.ActionOptions{SessionID: "s1", OrganizationID: "org1"},
	})
	require.True(t, res.Success, res.Error)

	data := res.Data.(runtime.DownloadData)
	assert.Equal(t, "report.pdf", data.FileName)
	assert.Equal(t, "https://a.test/reports/q3.pdf", data.SourceURL)
	assert.True(t, strings.HasSuffix(data.File, "-report.pdf"))
	assert.Equal(t, "application/pdf", data.ContentType)
	assert.NotEmpty(t, data.URL)
}

func TestSaveAndRestoreState(t *testing.T) {
	h := newHarness(t)
	jar := []Cookie{{Name: "sid", Value: "abc", Domain: ".a.test", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: "Lax"}}
	h.next = func() *fakeTab { return &fakeTab{cookieJar: jar} }

	saved := h.provider.SaveState(context.Background(), h.ready(), runtime.ActionOptions{})
	require.True(t, saved.Success, saved.Error)
	state := saved.Data.(runtime.StateData)
	assert.Equal(t, models.DefaultStateFilePath("h1"), state.StateFile)

	mirrored, ok := h.sandbox.File(state.StateFile)
	require.True(t, ok)
	assert.JSONEq(t, string(state.State), string(mirrored))

	var decoded struct {
		Cookies []map[string]any `json:"cookies"`
	}
	require.NoError(t, json.Unmarshal(state.State, &decoded))
	require.Len(t, decoded.Cookies, 1)
	assert.Equal(t, true, decoded.Cookies[0]["httpOnly"])

	h.tabs[0].setCookies(context.Background(), nil)
	restored := h.provider.RestoreState(context.Background(), h.ready(), nil, runtime.ActionOptions{})
	require.True(t, restored.Success, restored.Error)
	assert.Equal(t, jar, h.tabs[0].cookieJar)
}

func TestRestoreStateWithoutSavedFile(t *testing.T) {
	h := newHarness(t)

	res := h.provider.RestoreState(context.Background(), h.ready(), nil, runtime.ActionOptions{})
	require.False(t, res.Success)
	assert.Equal(t, runtime.KindApplication, res.Kind)
	assert.Contains(t, res.Error, "no saved state")
}

func TestDestroyClosesTabAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	nav := h.provider.Navigate(context.Background(), h.ready(), "https://example.com", runtime.NavigateOptions{})
	require.True(t, nav.Success, nav.Error)

	first := h.provider.Destroy(context.Background(), *nav.Handle, runtime.ActionOptions{})
	require.True(t, first.Success)
	assert.Equal(t, models.HandleExpired, first.Handle.Status)
	assert.True(t, h.tabs[0].closed)
	assert.Equal(t, []string{"pkill -f '[/]tmp/browser-runtime/cdp/h1' || true"}, h.sandbox.ExecsContaining("pkill"))

	h.sandbox.Kill()
	second := h.provider.Destroy(context.Background(), *first.Handle, runtime.ActionOptions{})
	require.True(t, second.Success)
	assert.Equal(t, models.HandleExpired, second.Handle.Status)
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "custom.csv", downloadName("custom.csv", "x.pdf", "https://a.test/y"))
	assert.Equal(t, "passwd", downloadName("../../etc/passwd", "", ""))
	assert.Equal(t, "x.pdf", downloadName("", "x.pdf", "https://a.test/y"))
	assert.Equal(t, "y.zip", downloadName("", "", "https://a.test/files/y.zip"))
	assert.Equal(t, "download", downloadName("", "", "https://a.test/"))
}

func TestContentScriptSelectsElement(t *testing.T) {
	assert.Contains(t, contentScript("", runtime.FormatText), "document.body")
	assert.Contains(t, contentScript(`a[href="x"]`, runtime.FormatHTML), `document.querySelector("a[href=\"x\"]")`)
	assert.Contains(t, contentScript("main", runtime.FormatHTML), "el.outerHTML")
	assert.Contains(t, contentScript("main", runtime.FormatMarkdown), `"#".repeat`)
}
