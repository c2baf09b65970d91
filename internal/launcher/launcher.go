// Package launcher starts a browser with the unpacked extension loaded from
// the output directory. A session launches at most once.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
)

// Supported browser names.
const (
	BrowserChromium = "chromium"
	BrowserChrome   = "chrome"
	BrowserEdge     = "edge"
	BrowserFirefox  = "firefox"
)

// ErrNoBinary is returned when no executable could be found for the browser.
var ErrNoBinary = errors.New("browser binary not found")

// Options configures the launcher.
type Options struct {
	Enabled bool
	Browser string
	// Binaries maps a browser name to an explicit executable path
	Binaries map[string]string
	// ExtensionDir is the unpacked extension, normally the output directory
	ExtensionDir string
	StartURLs    []string
	Args         []string
	OpenDevtools bool
	// Profile is the browser profile directory. When empty a temporary
	// profile is created and removed on Close unless KeepProfileChanges
	// is set.
	Profile            string
	KeepProfileChanges bool
}

// StartFunc starts binary with args and returns a function stopping it.
type StartFunc func(ctx context.Context, binary string, args []string) (stop func() error, err error)

// Launcher starts the browser once per session.
type Launcher struct {
	opts   Options
	start  StartFunc
	lookup func(string) (string, error)
	logger logging.Logger

	mu         sync.Mutex
	attempted  bool
	stop       func() error
	tmpProfile string
}

// New creates a launcher. It does nothing unless opts.Enabled is set.
func New(opts Options, logger logging.Logger) *Launcher {
	if opts.Browser == "" {
		opts.Browser = BrowserChromium
	}
	opts.Browser = strings.ToLower(opts.Browser)
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Launcher{
		opts:   opts,
		start:  execStart,
		lookup: exec.LookPath,
		logger: logger.WithComponent("launcher"),
	}
}

// WithStartFunc replaces process creation, used by tests and embedders.
func (l *Launcher) WithStartFunc(start StartFunc) *Launcher {
	l.start = start
	return l
}

// Launched reports whether a launch has been attempted.
func (l *Launcher) Launched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempted
}

// Launch starts the browser the first time it is called. Later calls, and
// calls on a disabled launcher, return nil without doing anything.
func (l *Launcher) Launch(ctx context.Context) error {
	if !l.opts.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempted {
		return nil
	}
	l.attempted = true

	binary, err := l.Binary()
	if err != nil {
		return err
	}

	profile := l.opts.Profile
	if profile == "" {
		dir, err := os.MkdirTemp("", "exthmr-profile-*")
		if err != nil {
			return hmrerrors.NewIOError(hmrerrors.ErrCodeWriteFailed, "create browser profile", err)
		}
		profile = dir
		l.tmpProfile = dir
	}

	args := l.Args(profile)
	stop, err := l.start(ctx, binary, args)
	if err != nil {
		return hmrerrors.NewInternalError(hmrerrors.ErrCodeInternalError, "start browser "+binary, err)
	}
	l.stop = stop

	l.logger.Info(ctx, "Browser launched",
		"browser", l.opts.Browser,
		"binary", binary,
		"profile", profile)
	if l.opts.Browser == BrowserFirefox {
		l.logger.Warn(ctx, nil, "Firefox does not load unpacked extensions from the command line; load it from about:debugging",
			"dir", l.opts.ExtensionDir)
	}
	return nil
}

// Close stops a launched browser and removes a temporary profile.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.stop != nil {
		if err := l.stop(); err != nil {
			errs = append(errs, err)
		}
		l.stop = nil
	}
	if l.tmpProfile != "" && !l.opts.KeepProfileChanges {
		if err := os.RemoveAll(l.tmpProfile); err != nil {
			errs = append(errs, err)
		}
		l.tmpProfile = ""
	}
	return hmrerrors.CombineErrors(errs...)
}

// Binary resolves the executable: an explicit entry in Binaries, otherwise
// the first well-known name for the browser found on PATH.
func (l *Launcher) Binary() (string, error) {
	if bin := l.opts.Binaries[l.opts.Browser]; bin != "" {
		return bin, nil
	}
	for _, candidate := range candidates(l.opts.Browser, runtime.GOOS) {
		if path, err := l.lookup(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoBinary, l.opts.Browser)
}

// Args builds the command line for the configured browser.
func (l *Launcher) Args(profile string) []string {
	var args []string
	if l.opts.Browser == BrowserFirefox {
		args = append(args, "-profile", profile, "-no-remote", "-new-instance")
		if l.opts.OpenDevtools {
			args = append(args, "-devtools")
		}
	} else {
		extDir := l.opts.ExtensionDir
		if abs, err := filepath.Abs(extDir); err == nil {
			extDir = abs
		}
		args = append(args,
			"--user-data-dir="+profile,
			"--load-extension="+extDir,
			"--no-first-run",
			"--no-default-browser-check",
			"--unsafely-disable-devtools-self-xss-warnings",
			"--disable-features=DisableLoadExtensionCommandLineSwitch",
		)
		if l.opts.OpenDevtools {
			args = append(args, "--auto-open-devtools-for-tabs")
		}
	}
	args = append(args, l.opts.Args...)
	return append(args, l.opts.StartURLs...)
}

func candidates(browser, goos string) []string {
	switch goos {
	case "darwin":
		switch browser {
		case BrowserFirefox:
			return []string{"/Applications/Firefox.app/Contents/MacOS/firefox"}
		case BrowserEdge:
			return []string{"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"}
		case BrowserChrome:
			return []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
		default:
			return []string{
				"/Applications/Chromium.app/Contents/MacOS/Chromium",
				"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			}
		}
	case "windows":
		switch browser {
		case BrowserFirefox:
			return []string{"firefox.exe"}
		case BrowserEdge:
			return []string{"msedge.exe"}
		default:
			return []string{"chrome.exe"}
		}
	default:
		switch browser {
		case BrowserFirefox:
			return []string{"firefox"}
		case BrowserEdge:
			return []string{"microsoft-edge", "microsoft-edge-stable"}
		case BrowserChrome:
			return []string{"google-chrome", "google-chrome-stable"}
		default:
			return []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}
		}
	}
}

func execStart(ctx context.Context, binary string, args []string) (func() error, error) {
	// The browser outlives the request context; it is stopped by Close.
	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	return func() error {
		select {
		case <-done:
			return nil
		default:
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-done
		return nil
	}, nil
}
