// Package extclient is the runtime side of the reload channel: it connects
// from inside the extension, keeps the connection alive and applies reload
// messages through the extension platform APIs.
package extclient

import (
	"context"
	"strings"
	"sync"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/protocol"
)

// Script is a dynamic content-script registration.
type Script struct {
	ID string
	protocol.ContentScriptGroup
	AllFrames bool
}

// Tab is an open browser tab.
type Tab struct {
	ID  int
	URL string
}

// ExtensionAPI is the subset of the extension platform the client drives.
type ExtensionAPI interface {
	// GetRegisteredContentScripts returns registrations with the given ids,
	// or every registration when ids is nil.
	GetRegisteredContentScripts(ctx context.Context, ids []string) ([]Script, error)
	RegisterContentScripts(ctx context.Context, scripts []Script) error
	UpdateContentScripts(ctx context.Context, scripts []Script) error
	UnregisterContentScripts(ctx context.Context, ids []string) error

	QueryTabs(ctx context.Context) ([]Tab, error)
	ReloadTab(ctx context.Context, tabID int) error

	ReloadExtension(ctx context.Context) error
	// GetPlatformInfo is a cheap call used to keep the runtime awake
	GetPlatformInfo(ctx context.Context) error
}

// Overlay presents build errors inside the extension.
type Overlay interface {
	Show(ctx context.Context, record *hmrerrors.ErrorRecord)
	Clear(ctx context.Context)
}

// LogAPI is an ExtensionAPI that keeps registrations in memory and logs
// every platform call. It lets a terminal session observe what a running
// extension would do with the reload channel.
type LogAPI struct {
	logger logging.Logger

	mu      sync.Mutex
	scripts map[string]Script
	order   []string
	tabs    []Tab
}

// NewLogAPI creates a LogAPI pretending tabs are open.
func NewLogAPI(logger logging.Logger, tabs []Tab) *LogAPI {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LogAPI{
		logger:  logger.WithComponent("extension"),
		scripts: make(map[string]Script),
		tabs:    tabs,
	}
}

func (a *LogAPI) GetRegisteredContentScripts(ctx context.Context, ids []string) ([]Script, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Script
	if ids == nil {
		for _, id := range a.order {
			out = append(out, a.scripts[id])
		}
		return out, nil
	}
	for _, id := range ids {
		if s, ok := a.scripts[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *LogAPI) RegisterContentScripts(ctx context.Context, scripts []Script) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range scripts {
		if _, exists := a.scripts[s.ID]; exists {
			return hmrerrors.NewValidationError(hmrerrors.ErrCodeValidationFailed, "duplicate script id "+s.ID)
		}
		a.scripts[s.ID] = s
		a.order = append(a.order, s.ID)
		a.logger.Info(ctx, "Registered content script", "id", s.ID, "matches", strings.Join(s.Matches, ","))
	}
	return nil
}

func (a *LogAPI) UpdateContentScripts(ctx context.Context, scripts []Script) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range scripts {
		existing, ok := a.scripts[s.ID]
		if !ok {
			return hmrerrors.NewValidationError(hmrerrors.ErrCodeValidationFailed, "unknown script id "+s.ID)
		}
		existing.AllFrames = s.AllFrames
		a.scripts[s.ID] = existing
		a.logger.Info(ctx, "Updated content script", "id", s.ID)
	}
	return nil
}

func (a *LogAPI) UnregisterContentScripts(ctx context.Context, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		if _, ok := a.scripts[id]; !ok {
			continue
		}
		delete(a.scripts, id)
		for i, o := range a.order {
			if o == id {
				a.order = append(a.order[:i], a.order[i+1:]...)
				break
			}
		}
		a.logger.Info(ctx, "Unregistered content script", "id", id)
	}
	return nil
}

func (a *LogAPI) QueryTabs(ctx context.Context) ([]Tab, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Tab(nil), a.tabs...), nil
}

func (a *LogAPI) ReloadTab(ctx context.Context, tabID int) error {
	a.logger.Info(ctx, "Reloading tab", "tab", tabID)
	return nil
}

func (a *LogAPI) ReloadExtension(ctx context.Context) error {
	a.logger.Info(ctx, "Reloading extension")
	return nil
}

func (a *LogAPI) GetPlatformInfo(ctx context.Context) error { return nil }

// LogOverlay writes build errors to the log.
type LogOverlay struct {
	Logger logging.Logger
}

func (o LogOverlay) Show(ctx context.Context, record *hmrerrors.ErrorRecord) {
	if o.Logger == nil || record == nil {
		return
	}
	fields := []interface{}{"plugin", record.Plugin}
	if record.Loc != nil {
		fields = append(fields, "file", record.Loc.File, "line", record.Loc.Line, "column", record.Loc.Column)
	}
	o.Logger.Error(ctx, nil, "Build error: "+record.Message, fields...)
	if record.Frame != "" {
		o.Logger.Info(ctx, "\n"+record.Frame)
	}
}

func (o LogOverlay) Clear(ctx context.Context) {
	if o.Logger != nil {
		o.Logger.Info(ctx, "Build error cleared")
	}
}
