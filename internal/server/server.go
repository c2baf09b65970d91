// Package server runs a development session: it watches the extension
// sources, drives the build orchestrator, serves the reload channel and
// publishes build lifecycle events to connected extensions.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/exthmr/internal/build"
	"github.com/conneroisu/exthmr/internal/config"
	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/launcher"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/middleware"
	"github.com/conneroisu/exthmr/internal/pages"
	"github.com/conneroisu/exthmr/internal/protocol"
	"github.com/conneroisu/exthmr/internal/watcher"
	"github.com/conneroisu/exthmr/internal/websocket"
)

// Options configures a DevServer. Only Config is required.
type Options struct {
	Config *config.Config
	// Compiler defaults to the esbuild compile service
	Compiler build.Compiler
	// Launcher defaults to one built from the launch configuration
	Launcher *launcher.Launcher
	Hub      websocket.HubOptions
	Logger   logging.Logger
}

// DevServer coordinates one development session.
type DevServer struct {
	config   *config.Config
	logger   logging.Logger
	orch     *build.Orchestrator
	writer   *build.OutputWriter
	pages    *pages.Processor
	hub      *websocket.Hub
	watcher  *watcher.FileWatcher
	launcher *launcher.Launcher
	limiter  *middleware.RateLimiter
	chain    *middleware.MiddlewareChain

	httpServer  *http.Server
	serverMutex sync.RWMutex

	startedAt   time.Time
	completions atomic.Int64
	serving     atomic.Bool
	eventsDone  chan struct{}

	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

// New wires a session from configuration. Nothing runs until Serve.
func New(opts Options) (*DevServer, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, hmrerrors.NewConfigError(hmrerrors.ErrCodeConfigInvalid, "server: configuration is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	p, err := newPipeline(cfg, opts.Compiler, logger)
	if err != nil {
		return nil, err
	}
	root := cfg.RootDir()
	outDir := cfg.OutDir()

	hubOpts := opts.Hub
	hubOpts.Token = cfg.Server.Token
	hubOpts.Logger = logger
	hub := websocket.NewHub(hubOpts)

	fileWatcher, err := watcher.NewFileWatcher(root, cfg.Watch.Debounce, logger)
	if err != nil {
		_ = hub.Shutdown(context.Background())
		return nil, err
	}

	l := opts.Launcher
	if l == nil {
		l = launcher.New(launcher.Options{
			Enabled:            cfg.Launch.Enabled,
			Browser:            cfg.Launch.Browser,
			Binaries:           cfg.Launch.Binaries,
			ExtensionDir:       outDir,
			StartURLs:          cfg.Launch.StartURLs,
			Args:               cfg.Launch.Args,
			OpenDevtools:       cfg.Launch.OpenDevtools,
			Profile:            cfg.Launch.Profile,
			KeepProfileChanges: cfg.Launch.KeepProfileChanges,
		}, logger)
	}

	s := &DevServer{
		config:   cfg,
		logger:   logger.WithComponent("server"),
		orch:     p.orch,
		writer:   p.writer,
		pages:    p.pages,
		hub:      hub,
		watcher:  fileWatcher,
		launcher: l,
		limiter:  middleware.NewRateLimiter(middleware.RateLimit{RequestsPerMinute: 120, BurstLimit: 20}),
		chain: middleware.NewMiddlewareChain(middleware.MiddlewareDependencies{
			Logger:         logger,
			AllowedOrigins: append(append([]string{}, middleware.DefaultAllowedOrigins...), cfg.Origin()),
		}),
		eventsDone: make(chan struct{}),
	}
	hub.OnConnect(s.connectMessages)
	return s, nil
}

// Orchestrator returns the session's build orchestrator.
func (s *DevServer) Orchestrator() *build.Orchestrator { return s.orch }

// Hub returns the reload channel hub.
func (s *DevServer) Hub() *websocket.Hub { return s.hub }

// Handler returns the HTTP handler: the reload channel, the JSON endpoints
// and the status page.
func (s *DevServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Server.Path, s.limiter.Middleware()(http.HandlerFunc(s.hub.HandleWebSocket)))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/", s.handleIndex)
	return s.chain.Apply(mux)
}

// Start listens on the configured address and serves until Shutdown.
func (s *DevServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return hmrerrors.NewIOError(hmrerrors.ErrCodeInternalError, "listen on "+s.config.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the session on ln: the output directory is wiped, the source
// tree is watched, a full build is requested and HTTP is served until
// Shutdown.
func (s *DevServer) Serve(ctx context.Context, ln net.Listener) error {
	s.startedAt = time.Now()

	if err := s.writer.Clean(); err != nil {
		s.logger.Warn(ctx, err, "Could not clean output directory", "dir", s.writer.OutDir())
	}

	if err := s.setupFileWatcher(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	s.serving.Store(true)
	go s.consumeEvents(ctx)
	s.orch.RequestFullBuild(ctx)

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Dev server listening",
		"origin", s.config.Origin(),
		"reload_channel", s.config.SocketURL(),
		"out_dir", s.writer.OutDir())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return hmrerrors.NewIOError(hmrerrors.ErrCodeInternalError, "serve", err)
	}
	return nil
}

func (s *DevServer) setupFileWatcher(ctx context.Context) error {
	root := s.config.RootDir()
	s.watcher.AddFilter(watcher.NoNodeModulesFilter)
	s.watcher.AddFilter(watcher.NoGitFilter)
	s.watcher.AddFilter(watcher.NoEditorTempFilter)
	s.watcher.AddFilter(watcher.ExcludeDirFilter(s.writer.OutDir()))
	if len(s.config.Watch.Ignore) > 0 {
		s.watcher.AddFilter(watcher.IgnoreFilter(root, s.config.Watch.Ignore))
	}
	s.watcher.AddHandler(s.handleFileChange)

	if err := s.watcher.AddRecursive(root); err != nil {
		return err
	}
	return s.watcher.Start(ctx)
}

// handleFileChange routes a debounced batch: inputs of the full build
// (base manifest, package.json, pages, copied files) request a full build,
// everything else goes to the change lane.
func (s *DevServer) handleFileChange(ctx context.Context, events []watcher.ChangeEvent) error {
	full := false
	for _, event := range events {
		s.logger.Debug(ctx, "File changed", "path", event.Path, "type", event.Type.String())
		if s.isFullBuildInput(event.Path) {
			full = true
			continue
		}
		s.orch.RequestChange(ctx, event.Path)
	}
	if full {
		s.orch.RequestFullBuild(ctx)
	}
	return nil
}

func (s *DevServer) isFullBuildInput(path string) bool {
	clean := filepath.Clean(path)
	if clean == s.config.ManifestPath() || clean == filepath.Join(s.config.RootDir(), "package.json") {
		return true
	}
	if s.pages.Owns(clean) {
		return true
	}
	for _, cp := range s.config.CopyPaths() {
		if clean == cp.Src || strings.HasPrefix(clean, cp.Src+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// consumeEvents publishes orchestrator events until the stream closes.
func (s *DevServer) consumeEvents(ctx context.Context) {
	defer close(s.eventsDone)
	for ev := range s.orch.Events() {
		s.handleEvent(ctx, ev)
	}
}

func (s *DevServer) handleEvent(ctx context.Context, ev build.Event) {
	switch ev.Kind {
	case build.EventBuildStarted:
		s.logger.Info(ctx, "Build started")
		return

	case build.EventBuildCompleted:
		n := s.completions.Add(1)
		s.logger.Info(ctx, "Build completed", "duration", ev.Duration.String(), "build", n)
		s.publish(ev.Message)
		if n > 1 {
			// Manifest and page changes only take effect after a reload.
			s.hub.Broadcast(protocol.ExtensionReload())
		}
		if err := s.launcher.Launch(ctx); err != nil {
			s.logger.Warn(ctx, err, "Browser launch failed")
		}
		return

	case build.EventBuildFailed:
		s.logger.Error(ctx, nil, "Build failed", "message", recordMessage(ev))

	case build.EventEntryRebuilt:
		s.logger.Info(ctx, "Entry rebuilt", "entry", ev.Entry, "path", ev.Path, "duration", ev.Duration.String())
		if ev.ClearedError {
			s.hub.Broadcast(protocol.OverlayClear())
		}

	case build.EventEntryFailed:
		s.logger.Error(ctx, nil, "Entry rebuild failed", "entry", ev.Entry, "message", recordMessage(ev))
	}
	s.publish(ev.Message)
}

func (s *DevServer) publish(msg *protocol.Message) {
	if msg != nil {
		s.hub.Broadcast(*msg)
	}
}

func recordMessage(ev build.Event) string {
	if ev.Error == nil {
		return ""
	}
	return ev.Error.Message
}

// connectMessages is sent after a burst of connections settles: the
// outstanding error, if any, then every current content-script group for
// registration.
func (s *DevServer) connectMessages() []protocol.Message {
	state := s.orch.State()
	var msgs []protocol.Message
	if record := state.Error(); record != nil {
		msgs = append(msgs, protocol.Error(record))
	}
	if d := state.Manifest(); d != nil {
		msgs = append(msgs, protocol.Register(protocol.GroupsFromManifest(d.ContentScripts)))
	}
	return msgs
}

// IsShutdown reports whether Shutdown has been called.
func (s *DevServer) IsShutdown() bool { return s.isShutdown.Load() }

// Shutdown stops the session: the watcher stops, the reload channel tells
// every extension to reload and closes, both build lanes drain, the event
// stream closes, the browser is stopped and the HTTP server shuts down.
func (s *DevServer) Shutdown(ctx context.Context) error {
	var errs []error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down dev server")
		s.isShutdown.Store(true)

		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.hub.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.orch.Close(ctx); err != nil {
			errs = append(errs, err)
		} else if s.serving.Load() {
			select {
			case <-s.eventsDone:
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		s.limiter.Stop()
		if err := s.launcher.Close(); err != nil {
			errs = append(errs, err)
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})

	return hmrerrors.CombineErrors(errs...)
}
