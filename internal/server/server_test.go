package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/exthmr/internal/build"
	"github.com/conneroisu/exthmr/internal/config"
	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/launcher"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/protocol"
	"github.com/conneroisu/exthmr/internal/types"
)

const (
	testToken    = "test-token"
	testManifest = `{
  "manifest_version": 3,
  "name": "Demo",
  "version": "0.1.0",
  "background": {"service_worker": "src/bg.js"},
  "action": {"default_popup": "src/popup.html"},
  "content_scripts": [
    {"matches": ["https://example.com/*"], "js": ["src/content.js"]}
  ]
}`
	testPopup = `<html><body><script>console.log("popup")</script></body></html>`
)

// stubCompiler emits one script per entry and fails entries on demand.
type stubCompiler struct {
	mu      sync.Mutex
	modules map[string][]string
	errs    map[string]error
}

func (c *stubCompiler) Compile(ctx context.Context, entry types.BuildEntry, opts build.CompileOptions) (*build.CompileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[entry.Name]; err != nil {
		return nil, err
	}
	return &build.CompileResult{
		Files:     []types.EmittedFile{{FileName: opts.OutputName, Content: []byte("// " + entry.Name)}},
		ModuleIDs: c.modules[entry.Name],
	}, nil
}

func (c *stubCompiler) fail(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[name] = err
}

type testSession struct {
	root     string
	cfg      *config.Config
	compiler *stubCompiler
	server   *DevServer
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestSession(t *testing.T, mutate func(cfg *config.Config)) *testSession {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "manifest.json"), testManifest)
	writeFile(t, filepath.Join(root, "src/content.ts"), "import './shared'")
	writeFile(t, filepath.Join(root, "src/shared.ts"), "export const v = 1")
	writeFile(t, filepath.Join(root, "src/bg.ts"), "chrome.runtime.id")
	writeFile(t, filepath.Join(root, "src/popup.html"), testPopup)

	cfg := config.Starter()
	cfg.Build.Root = root
	cfg.Server.Token = testToken
	cfg.Entries.Scripts = []config.ScriptConfig{
		{Name: "content", Path: "src/content.ts"},
		{Name: "background", Path: "src/bg.ts"},
	}
	cfg.Entries.Pages = []config.PageConfig{{Name: "popup", Path: "src/popup.html"}}
	cfg.Copy = nil
	cfg.Watch.Debounce = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	compiler := &stubCompiler{
		modules: map[string][]string{
			"content":    {"src/content.ts", "src/shared.ts"},
			"background": {"src/bg.ts"},
		},
		errs: make(map[string]error),
	}

	s, err := New(Options{Config: cfg, Compiler: compiler, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return &testSession{root: root, cfg: cfg, compiler: compiler, server: s}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, hmrerrors.IsConfigError(err))
}

func TestNewRejectsMissingPolyfill(t *testing.T) {
	cfg := config.Starter()
	cfg.Build.Root = t.TempDir()
	cfg.Manifest.Polyfill = "missing.js"

	_, err := New(Options{Config: cfg, Compiler: &stubCompiler{}})
	require.Error(t, err)
	assert.True(t, hmrerrors.IsIOError(err))
}

func TestConnectMessages(t *testing.T) {
	ts := newTestSession(t, nil)
	ctx := context.Background()
	orch := ts.server.Orchestrator()

	assert.Empty(t, ts.server.connectMessages(), "nothing to announce before the first build")

	require.NoError(t, orch.FullBuild(ctx))
	msgs := ts.server.connectMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.EventContentScriptsRegister, msgs[0].Event)
	require.Len(t, msgs[0].Data, 1)
	assert.Contains(t, msgs[0].Data[0].JS, "src/content.js")
	assert.Equal(t, []string{"https://example.com/*"}, msgs[0].Data[0].Matches)

	ts.compiler.fail("background", errors.New("unexpected token"))
	require.Error(t, orch.FullBuild(ctx))

	msgs = ts.server.connectMessages()
	require.Len(t, msgs, 2, "the error comes first, the last good manifest is still registered")
	assert.Equal(t, protocol.TypeError, msgs[0].Type)
	require.NotNil(t, msgs[0].Err)
	assert.Contains(t, msgs[0].Err.Message, "unexpected token")
	assert.Equal(t, protocol.EventContentScriptsRegister, msgs[1].Event)
}

func TestIsFullBuildInput(t *testing.T) {
	ts := newTestSession(t, func(cfg *config.Config) {
		cfg.Copy = []config.CopyConfig{{Src: "public", Dest: "."}}
	})

	testCases := []struct {
		path string
		want bool
	}{
		{"manifest.json", true},
		{"package.json", true},
		{"src/popup.html", true},
		{"public/icon.png", true},
		{"public", true},
		{"publication.txt", false},
		{"src/content.ts", false},
		{"src/shared.ts", false},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, ts.server.isFullBuildInput(filepath.Join(ts.root, tc.path)))
		})
	}
}

func TestHandleEventBroadcasts(t *testing.T) {
	ts := newTestSession(t, nil)
	ctx := context.Background()
	hub := ts.server.Hub()

	overlay := protocol.OverlayClear()
	ts.server.handleEvent(ctx, build.Event{Kind: build.EventBuildStarted})
	assert.Equal(t, uint64(0), hub.Stats().Broadcasts)

	ts.server.handleEvent(ctx, build.Event{Kind: build.EventBuildCompleted, Message: &overlay})
	assert.Equal(t, uint64(1), hub.Stats().Broadcasts, "first build only clears the overlay")

	ts.server.handleEvent(ctx, build.Event{Kind: build.EventBuildCompleted, Message: &overlay})
	assert.Equal(t, uint64(3), hub.Stats().Broadcasts, "later builds also reload the extension")

	ts.server.handleEvent(ctx, build.Event{Kind: build.EventEntryRebuilt, Entry: "options"})
	assert.Equal(t, uint64(3), hub.Stats().Broadcasts, "an entry with no role sends nothing")

	reload := protocol.ExtensionReload()
	ts.server.handleEvent(ctx, build.Event{Kind: build.EventEntryRebuilt, Entry: "background", Message: &reload, ClearedError: true})
	assert.Equal(t, uint64(5), hub.Stats().Broadcasts)

	record := &hmrerrors.ErrorRecord{Message: "boom"}
	failed := protocol.Error(record)
	ts.server.handleEvent(ctx, build.Event{Kind: build.EventEntryFailed, Entry: "content", Message: &failed, Error: record})
	assert.Equal(t, uint64(6), hub.Stats().Broadcasts)
}

func TestLaunchesBrowserAfterFirstBuild(t *testing.T) {
	var mu sync.Mutex
	var starts [][]string
	l := launcher.New(launcher.Options{
		Enabled:  true,
		Binaries: map[string]string{launcher.BrowserChromium: "/opt/chromium"},
		Profile:  t.TempDir(),
	}, nil).WithStartFunc(func(ctx context.Context, binary string, args []string) (func() error, error) {
		mu.Lock()
		defer mu.Unlock()
		starts = append(starts, args)
		return func() error { return nil }, nil
	})

	ts := newTestSession(t, nil)
	ts.server.launcher = l
	overlay := protocol.OverlayClear()

	ts.server.handleEvent(context.Background(), build.Event{Kind: build.EventBuildFailed})
	assert.False(t, l.Launched())

	ts.server.handleEvent(context.Background(), build.Event{Kind: build.EventBuildCompleted, Message: &overlay})
	ts.server.handleEvent(context.Background(), build.Event{Kind: build.EventBuildCompleted, Message: &overlay})
	assert.True(t, l.Launched())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, starts, 1)
}

func TestHTTPEndpoints(t *testing.T) {
	ts := newTestSession(t, nil)
	require.NoError(t, ts.server.Orchestrator().FullBuild(context.Background()))

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("status", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/status")
		require.NoError(t, err)
		defer resp.Body.Close()

		var st Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		assert.Equal(t, types.ModeDevelopment, st.Mode)
		assert.Equal(t, 1, st.Build.FullBuilds)
		assert.Nil(t, st.Error)
		require.Len(t, st.Entries, 2)
		assert.Equal(t, types.RoleContentScript, st.Entries[0].Role)
		assert.Equal(t, types.RoleBackground, st.Entries[1].Role)
	})

	t.Run("status page", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/missing")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/status", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("reload channel requires token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + ts.cfg.Server.Path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestStatusPageEscapesError(t *testing.T) {
	var b strings.Builder
	err := StatusPage(Status{
		Entries: []EntryStatus{{Name: "content", Role: types.RoleContentScript}},
		Error:   &hmrerrors.ErrorRecord{Message: `<script>alert("x")</script>`},
	}).Render(context.Background(), &b)
	require.NoError(t, err)

	assert.Contains(t, b.String(), "&lt;script&gt;")
	assert.NotContains(t, b.String(), `<script>alert`)
	assert.Contains(t, b.String(), "content-script")
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if match(msg) {
			return msg
		}
	}
}

func isEvent(e protocol.Event) func(protocol.Message) bool {
	return func(m protocol.Message) bool { return m.Event == e }
}

func TestServeSession(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.server

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool { return s.completions.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	popup, err := os.ReadFile(filepath.Join(ts.cfg.OutDir(), "src", "popup.html"))
	require.NoError(t, err)
	assert.Contains(t, string(popup), `type="module"`)

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	url := "ws://" + ln.Addr().String() + ts.cfg.Server.Path + "?token=" + testToken
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	register := readUntil(t, conn, isEvent(protocol.EventContentScriptsRegister))
	require.Len(t, register.Data, 1)

	shared := filepath.Join(ts.root, "src", "shared.ts")
	writeFile(t, shared, "export const v = 2")
	s.Orchestrator().RequestChange(ctx, shared)

	reload := readUntil(t, conn, isEvent(protocol.EventContentScriptsReload))
	require.Len(t, reload.Data, 1)
	assert.Contains(t, reload.Data[0].JS, "src/content.js")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
	assert.True(t, s.IsShutdown())

	readUntil(t, conn, isEvent(protocol.EventExtensionReload))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestBuildOnce(t *testing.T) {
	ts := newTestSession(t, func(cfg *config.Config) {
		cfg.Build.Mode = string(types.ModeProduction)
	})
	stale := filepath.Join(ts.cfg.OutDir(), "stale.js")
	writeFile(t, stale, "old")

	result, err := Build(context.Background(), ts.cfg, ts.compiler, nil)
	require.NoError(t, err)
	assert.Equal(t, ts.cfg.OutDir(), result.OutDir)
	assert.Equal(t, 1, result.Stats.FullBuilds)
	assert.NoFileExists(t, stale)

	data, err := os.ReadFile(filepath.Join(result.OutDir, "manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "content_scripts", "production keeps declared content scripts")
	assert.NotContains(t, string(data), testToken)
}

func TestBuildOnceReportsCompileError(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.compiler.fail("content", errors.New("syntax error"))

	result, err := Build(context.Background(), ts.cfg, ts.compiler, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Stats.FailedBuilds)
}
