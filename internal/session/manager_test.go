package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/sandbox-browser/internal/ctxmgr"
	"github.com/shehryarbajwa/sandbox-browser/internal/metrics"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/sandbox/sandboxtest"
	"github.com/shehryarbajwa/sandbox-browser/internal/tier"
	"github.com/shehryarbajwa/sandbox-browser/pkg/models"
)

// fakeBrowser implements the runtime operations the session layer calls
type fakeBrowser struct {
	runtime.Manager

	mu         sync.Mutex
	createOpts []runtime.CreateOptions
	restored   []json.RawMessage
	destroyed  []string
	saved      json.RawMessage
	failCreate bool
	inFlight   int
	maxFlight  int
}

func (f *fakeBrowser) Create(_ context.Context, opts runtime.CreateOptions) runtime.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createOpts = append(f.createOpts, opts)
	if f.failCreate {
		return runtime.ActionResult{Error: "create: discovery failure: no info file", Kind: runtime.KindDiscovery}
	}
	h := models.NewHandle(opts.HandleID, models.ProviderPlaywright, opts.SandboxID, models.HandleOptions{
		Status:     models.HandleReady,
		WSEndpoint: "ws://127.0.0.1:9222/devtools/browser/x",
	})
	return runtime.Succeed(h, nil)
}

func (f *fakeBrowser) Navigate(_ context.Context, h models.BrowserHandle, url string, _ runtime.NavigateOptions) runtime.ActionResult {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return runtime.Succeed(models.UpdateLastUsed(models.UpdateURL(h, url), time.Now()), runtime.NavigateData{CurrentURL: url})
}

func (f *fakeBrowser) SaveState(_ context.Context, h models.BrowserHandle, _ runtime.ActionOptions) runtime.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runtime.Succeed(h, runtime.StateData{StateFile: h.StateFilePath, State: f.saved})
}

func (f *fakeBrowser) RestoreState(_ context.Context, h models.BrowserHandle, state json.RawMessage, _ runtime.ActionOptions) runtime.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, state)
	return runtime.Succeed(h, runtime.StateData{StateFile: h.StateFilePath, State: state})
}

func (f *fakeBrowser) Destroy(_ context.Context, h models.BrowserHandle, _ runtime.ActionOptions) runtime.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, h.ID)
	return runtime.Expired(h)
}

type fixture struct {
	manager  *Manager
	browser  *fakeBrowser
	warm     *sandboxtest.Resolver
	cold     *sandboxtest.Resolver
	contexts *ctxmgr.Manager
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	warm := sandboxtest.NewResolver()
	cold := sandboxtest.NewResolver()
	profiles := tier.Profiles(runtime.DefaultDiscovery(), 3)
	tiers, err := tier.NewManager(
		tier.Pool{Tier: tier.Standard, Provisioner: warm, Discovery: profiles[tier.Standard]},
		tier.Pool{Tier: tier.Cold, Provisioner: cold, Discovery: profiles[tier.Cold]},
	)
	require.NoError(t, err)
	contexts, err := ctxmgr.NewManager(t.TempDir(), logger)
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{browser: &fakeBrowser{}, warm: warm, cold: cold, contexts: contexts, metrics: metrics.New()}
	f.manager = NewManager(cfg, Deps{
		Browser:  f.browser,
		Tiers:    tiers,
		Contexts: contexts,
		Metrics:  f.metrics,
		Logger:   logger,
	})
	return f
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.manager.CreateSession(context.Background(), models.CreateSessionRequest{
		ProjectID:      "proj1",
		OrganizationID: "org1",
		Tier:           "cold",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, s.Status)
	assert.Equal(t, "cold", s.Tier)
	assert.Equal(t, 3600, s.Timeout)
	assert.Equal(t, s.ID, s.Handle.ID)
	assert.NotNil(t, f.cold.Fake(s.Handle.SandboxID))

	require.Len(t, f.browser.createOpts, 1)
	opts := f.browser.createOpts[0]
	assert.Equal(t, s.ID, opts.SessionID)
	assert.Equal(t, "org1", opts.OrganizationID)
	require.NotNil(t, opts.Discovery)
	assert.Equal(t, 60*time.Second, opts.Discovery.MaxWait)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsActive))
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.manager.CreateSession(ctx, models.CreateSessionRequest{})
	assert.Error(t, err)
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p", Timeout: 30})
	assert.Error(t, err)
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p", Timeout: 21601})
	assert.Error(t, err)
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p", ContextID: "missing"})
	assert.ErrorIs(t, err, ctxmgr.ErrNotFound)
	assert.Empty(t, f.browser.createOpts)
}

func TestCreateFailureReleasesSandboxAndSlot(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrentPerProject = 1 })
	f.browser.failCreate = true

	_, err := f.manager.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no info file")
	assert.Nil(t, f.warm.Fake("sbx-"+f.browser.createOpts[0].HandleID))

	f.browser.failCreate = false
	_, err = f.manager.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "p"})
	assert.NoError(t, err, "slot was released")
}

func TestConcurrencyLimitPerProject(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrentPerProject = 2 })
	ctx := context.Background()

	first, err := f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p"})
	require.NoError(t, err)
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p"})
	require.NoError(t, err)
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p"})
	assert.ErrorIs(t, err, ErrConcurrencyLimit)
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "other"})
	assert.NoError(t, err)

	require.NoError(t, f.manager.DeleteSession(ctx, first.ID))
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p"})
	assert.NoError(t, err)
}

func TestDoSerializesAndStoresHandle(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.manager.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "p"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Do(context.Background(), s.ID, func(ctx context.Context, h models.BrowserHandle, opts runtime.ActionOptions) runtime.ActionResult {
				return f.browser.Navigate(ctx, h, "https://example.com", runtime.NavigateOptions{ActionOptions: opts})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.browser.maxFlight)

	got, err := f.manager.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got.Handle.CurrentURL)

	_, err = f.manager.Do(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailedActionKeepsHandle(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.manager.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "p"})
	require.NoError(t, err)

	res, err := f.manager.Do(context.Background(), s.ID, func(context.Context, models.BrowserHandle, runtime.ActionOptions) runtime.ActionResult {
		return runtime.ActionResult{Error: "click: no element", Kind: runtime.KindApplication}
	})
	require.NoError(t, err)
	assert.False(t, res.Success)

	got, err := f.manager.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Handle, got.Handle)
}

func TestDeleteSessionSavesContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c, err := f.contexts.CreateContext("p")
	require.NoError(t, err)
	require.NoError(t, f.contexts.SaveState(c.ID, json.RawMessage(`{"cookies":[{"name":"a"}]}`)))

	s, err := f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p", ContextID: c.ID})
	require.NoError(t, err)
	require.Len(t, f.browser.restored, 1)
	assert.JSONEq(t, `{"cookies":[{"name":"a"}]}`, string(f.browser.restored[0]))

	f.browser.saved = json.RawMessage(`{"cookies":[{"name":"b"}]}`)
	require.NoError(t, f.manager.DeleteSession(ctx, s.ID))

	state, err := f.contexts.LoadState(c.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[{"name":"b"}]}`, string(state))

	got, err := f.manager.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.HandleExpired, got.Handle.Status)
	assert.Equal(t, []string{s.ID}, f.browser.destroyed)
	assert.Nil(t, f.warm.Fake(s.Handle.SandboxID), "sandbox released")

	assert.ErrorIs(t, f.manager.DeleteSession(ctx, s.ID), ErrNotRunning)
	_, err = f.manager.Do(ctx, s.ID, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsTotal.WithLabelValues("COMPLETED")))
}

func TestEmptyContextIsNotRestored(t *testing.T) {
	f := newFixture(t, nil)
	c, err := f.contexts.CreateContext("p")
	require.NoError(t, err)

	_, err = f.manager.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "p", ContextID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, f.browser.restored)
}

func TestTimeoutEndsSession(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MinTimeout = 1 })

	s, err := f.manager.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "p", Timeout: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.manager.GetSession(s.ID)
		return err == nil && got.Status == models.StatusTimedOut
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{s.ID}, f.browser.destroyed)
}

func TestSweepIdle(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.IdleAfter = time.Minute })
	s, err := f.manager.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "p"})
	require.NoError(t, err)

	assert.Equal(t, 0, f.manager.SweepIdle())

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, f.manager.SweepIdle())
	got, err := f.manager.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HandleIdle, got.Handle.Status)
	assert.Equal(t, 0, f.manager.SweepIdle(), "idle handles are left alone")
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p1"})
	require.NoError(t, err)
	_, err = f.manager.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "p2"})
	require.NoError(t, err)
	require.NoError(t, f.manager.DeleteSession(ctx, a.ID))

	assert.Len(t, f.manager.ListSessions("", ""), 2)
	assert.Len(t, f.manager.ListSessions("p1", ""), 1)
	assert.Len(t, f.manager.ListSessions("", models.StatusRunning), 1)
	assert.Empty(t, f.manager.ListSessions("p1", models.StatusRunning))

	f.manager.Shutdown(ctx)
	assert.Empty(t, f.manager.ListSessions("", models.StatusRunning))
}

func TestErrorsWrapSentinels(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.GetSession("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
