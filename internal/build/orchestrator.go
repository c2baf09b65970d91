package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/manifest"
	"github.com/conneroisu/exthmr/internal/protocol"
	"github.com/conneroisu/exthmr/internal/types"
)

// EventKind identifies a lifecycle event.
type EventKind int

const (
	EventBuildStarted EventKind = iota
	EventBuildCompleted
	EventBuildFailed
	EventEntryRebuilt
	EventEntryFailed
)

func (k EventKind) String() string {
	switch k {
	case EventBuildStarted:
		return "build_started"
	case EventBuildCompleted:
		return "build_completed"
	case EventBuildFailed:
		return "build_failed"
	case EventEntryRebuilt:
		return "entry_rebuilt"
	case EventEntryFailed:
		return "entry_failed"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event published by the Orchestrator. Message, when
// set, is the notification to broadcast to connected extensions.
type Event struct {
	Kind     EventKind
	Entry    string
	Path     string
	Message  *protocol.Message
	Error    *hmrerrors.ErrorRecord
	Duration time.Duration
	// ClearedError is set when the event cleared an outstanding build error
	ClearedError bool
}

// AssetSource contributes extra output files to a full build, such as
// processed HTML pages. It sees the reconciled descriptor.
type AssetSource interface {
	Assets(ctx context.Context, d *manifest.Descriptor) ([]types.EmittedFile, error)
}

// eventSendTimeout bounds how long a lane waits on a full event stream.
const eventSendTimeout = 5 * time.Second

// Options configures an Orchestrator.
type Options struct {
	Root      string
	Mode      types.Mode
	Entries   []types.BuildEntry
	Sourcemap bool

	ManifestPath string
	Overrides    *manifest.Descriptor
	Reconcile    manifest.Options

	Copies []types.CopyPath
	Pages  AssetSource
}

// Orchestrator drives full builds and per-entry rebuilds through the
// dependency map and content hasher and publishes lifecycle events.
type Orchestrator struct {
	opts     Options
	compiler Compiler
	writer   *OutputWriter
	state    *CoordinatorState
	logger   logging.Logger

	buildLane  *TaskSerializer
	changeLane *TaskSerializer

	events       chan Event
	eventsMu     sync.RWMutex
	eventTimeout time.Duration
	closed       bool
}

// NewOrchestrator creates an orchestrator. The reconcile options inherit
// Mode and Root from opts.
func NewOrchestrator(opts Options, compiler Compiler, writer *OutputWriter, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	opts.Reconcile.Mode = opts.Mode
	if opts.Reconcile.Root == "" {
		opts.Reconcile.Root = opts.Root
	}
	logger = logger.WithComponent("orchestrator")

	return &Orchestrator{
		opts:       opts,
		compiler:   compiler,
		writer:     writer,
		state:      NewCoordinatorState(opts.Root),
		logger:     logger,
		buildLane:  NewTaskSerializer("build", logger),
		changeLane: NewTaskSerializer("change", logger),
		events:     make(chan Event, 128),

		eventTimeout: eventSendTimeout,
	}
}

// Events returns the lifecycle event stream. It has a single consumer.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// State returns the session state.
func (o *Orchestrator) State() *CoordinatorState { return o.state }

// BuildLane returns the full-build serializer.
func (o *Orchestrator) BuildLane() *TaskSerializer { return o.buildLane }

// ChangeLane returns the change-handling serializer.
func (o *Orchestrator) ChangeLane() *TaskSerializer { return o.changeLane }

// Entries returns the configured build entries.
func (o *Orchestrator) Entries() []types.BuildEntry { return o.opts.Entries }

// RequestFullBuild schedules a full build on the build lane.
func (o *Orchestrator) RequestFullBuild(ctx context.Context) {
	o.buildLane.Request(ctx, func(ctx context.Context) error {
		return o.FullBuild(ctx)
	})
}

// RequestChange schedules change handling for path on the change lane.
func (o *Orchestrator) RequestChange(ctx context.Context, path string) {
	o.changeLane.Request(ctx, func(ctx context.Context) error {
		return o.RebuildForChange(ctx, path)
	})
}

// WaitIdle blocks until both lanes are idle.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	if err := o.buildLane.WaitIdle(ctx); err != nil {
		return err
	}
	return o.changeLane.WaitIdle(ctx)
}

// Close waits for both lanes and closes the event stream.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.WaitIdle(ctx)

	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return err
}

type compiledEntry struct {
	entry      types.BuildEntry
	outputName string
	result     *CompileResult
}

// FullBuild reconciles the manifest and compiles every entry in order. All
// outputs are committed only when every step succeeded; on failure the
// previous manifest and dependency records are kept and the error becomes
// the outstanding build error.
func (o *Orchestrator) FullBuild(ctx context.Context) error {
	perf := logging.StartOperation(o.logger, "full_build")
	o.emit(ctx, Event{Kind: EventBuildStarted})

	desc := o.reconcile(ctx)

	compiled := make([]compiledEntry, 0, len(o.opts.Entries))
	for _, entry := range o.opts.Entries {
		outputName := entry.OutputName(o.opts.Root)
		result, err := o.compile(ctx, entry, outputName, o.roleOf(entry, &desc, outputName))
		if err != nil {
			return o.failBuild(ctx, perf, hmrerrors.NewCompileError(entry.Name, err).WithLocation(entry.SourcePath, 0, 0))
		}
		manifest.MergeStylesheets(desc.Descriptor, outputName, result.Stylesheets())
		compiled = append(compiled, compiledEntry{entry: entry, outputName: outputName, result: result})
	}

	var pageFiles []types.EmittedFile
	if o.opts.Pages != nil {
		files, err := o.opts.Pages.Assets(ctx, desc.Descriptor)
		if err != nil {
			return o.failBuild(ctx, perf, err)
		}
		pageFiles = files
	}

	manifestFiles, err := manifest.Render(desc.Descriptor, o.opts.Mode)
	if err != nil {
		return o.failBuild(ctx, perf, err)
	}

	files := make([]types.EmittedFile, 0, len(compiled)*2+len(desc.Assets)+len(pageFiles)+len(manifestFiles))
	for _, c := range compiled {
		o.state.Deps.Record(c.entry, c.result.ModuleIDs)
		files = append(files, c.result.Files...)
	}
	files = append(files, desc.Assets...)
	files = append(files, pageFiles...)
	files = append(files, manifestFiles...)

	o.state.SetManifest(desc.Descriptor)
	stats := o.writer.Write(ctx, files)
	copied := o.writer.Copy(ctx, o.opts.Root, o.opts.Copies)

	cleared := o.state.ClearError()
	o.state.recordBuild(true, true)

	duration := perf.End(ctx,
		"entries", len(compiled),
		"written", stats.Written+copied.Written,
		"unchanged", stats.Skipped+copied.Skipped,
		"failed_writes", stats.Failed+copied.Failed,
	)
	msg := protocol.OverlayClear()
	o.emit(ctx, Event{Kind: EventBuildCompleted, Message: &msg, Duration: duration, ClearedError: cleared})
	return nil
}

func (o *Orchestrator) failBuild(ctx context.Context, perf *logging.PerfLogger, err error) error {
	duration := perf.EndWithError(ctx, err)
	record := hmrerrors.Prepare(err)
	o.state.SetError(record)
	o.state.recordBuild(true, false)

	msg := protocol.Error(record)
	o.emit(ctx, Event{Kind: EventBuildFailed, Message: &msg, Error: record, Duration: duration})
	return err
}

// reconcile loads the base manifest and package metadata, falling back to
// defaults when either cannot be read.
func (o *Orchestrator) reconcile(ctx context.Context) manifest.Result {
	var base *manifest.Descriptor
	if o.opts.ManifestPath != "" {
		loaded, err := manifest.LoadBase(o.opts.ManifestPath)
		if err != nil {
			o.logger.Warn(ctx, err, "Using default manifest skeleton", "path", o.opts.ManifestPath)
		} else {
			base = loaded
		}
	} else {
		o.logger.Debug(ctx, "No base manifest configured, using default skeleton")
	}

	pkg, err := manifest.LoadPackage(o.opts.Root)
	if err != nil {
		o.logger.Warn(ctx, err, "Ignoring package metadata")
	}

	return manifest.Reconcile(base, o.opts.Overrides, pkg, o.opts.Reconcile)
}

// RebuildForChange handles one changed file: it finds the owning entry,
// skips missing files and byte-identical content, recompiles the owner and
// publishes the notification for its role. Compile failures become the
// outstanding build error and never escape as panics.
func (o *Orchestrator) RebuildForChange(ctx context.Context, path string) error {
	owner, ok := o.state.Deps.FindOwner(path)
	if !ok {
		o.logger.Debug(ctx, "Change not tracked by any entry", "path", path)
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn(ctx, hmrerrors.WrapIO(err, hmrerrors.ErrCodeReadFailed, path), "Skipping unreadable change")
		}
		return nil
	}
	if !o.state.Hashes.HasChanged(path, content) {
		o.state.recordSuppressed()
		o.logger.Debug(ctx, "Content unchanged, skipping rebuild", "path", path)
		return nil
	}

	entry, ok := o.entry(owner.EntryName)
	if !ok {
		return nil
	}

	perf := logging.StartOperation(o.logger.With("entry", entry.Name), "entry_rebuild")
	outputName := entry.OutputName(o.opts.Root)
	role := o.roleOf(entry, &manifest.Result{Descriptor: o.state.Manifest()}, outputName)

	result, err := o.compile(ctx, entry, outputName, role)
	if err != nil {
		cerr := hmrerrors.NewCompileError(entry.Name, err).WithLocation(path, 0, 0)
		duration := perf.EndWithError(ctx, cerr)
		record := hmrerrors.Prepare(cerr)
		o.state.SetError(record)
		o.state.recordBuild(false, false)

		msg := protocol.Error(record)
		o.emit(ctx, Event{Kind: EventEntryFailed, Entry: entry.Name, Path: path, Message: &msg, Error: record, Duration: duration})
		return cerr
	}

	o.state.Deps.Record(entry, result.ModuleIDs)
	files := result.Files

	desc := o.state.UpdateManifest(func(d *manifest.Descriptor) {
		if manifest.MergeStylesheets(d, outputName, result.Stylesheets()) {
			rendered, err := manifest.Render(d, o.opts.Mode)
			if err != nil {
				o.logger.Warn(ctx, err, "Manifest not rewritten")
				return
			}
			files = append(files, rendered...)
		}
	})
	o.writer.Write(ctx, files)

	cleared := o.state.ClearError()
	o.state.recordBuild(false, true)
	duration := perf.End(ctx, "role", string(role))

	o.emit(ctx, Event{
		Kind:         EventEntryRebuilt,
		Entry:        entry.Name,
		Path:         path,
		Message:      notificationFor(role, desc, outputName),
		Duration:     duration,
		ClearedError: cleared,
	})
	return nil
}

// notificationFor picks the message for a rebuilt entry: a full extension
// reload for the background, a reload of the affected groups for content
// scripts and nothing otherwise.
func notificationFor(role types.Role, d *manifest.Descriptor, outputName string) *protocol.Message {
	switch role {
	case types.RoleBackground:
		msg := protocol.ExtensionReload()
		return &msg
	case types.RoleContentScript:
		groups := manifest.GroupsForOutput(d, outputName)
		if len(groups) == 0 {
			return nil
		}
		msg := protocol.Reload(protocol.GroupsFromManifest(groups))
		return &msg
	default:
		return nil
	}
}

// RoleOf returns the entry's declared role, or infers it from the current
// manifest.
func (o *Orchestrator) RoleOf(entry types.BuildEntry) types.Role {
	return o.roleOf(entry, &manifest.Result{Descriptor: o.state.Manifest()}, entry.OutputName(o.opts.Root))
}

func (o *Orchestrator) roleOf(entry types.BuildEntry, res *manifest.Result, outputName string) types.Role {
	if entry.Role != types.RoleAuto {
		return entry.Role
	}
	if res == nil || res.Descriptor == nil {
		return types.RoleOther
	}
	if manifest.IsBackgroundOutput(res.Descriptor, outputName) {
		return types.RoleBackground
	}
	if len(manifest.GroupsForOutput(res.Descriptor, outputName)) > 0 {
		return types.RoleContentScript
	}
	return types.RoleOther
}

func (o *Orchestrator) compile(ctx context.Context, entry types.BuildEntry, outputName string, role types.Role) (*CompileResult, error) {
	background := o.opts.Mode.IsDevelopment() && role == types.RoleBackground
	opts := CompileOptions{
		Mode:           o.opts.Mode,
		OutputName:     outputName,
		Sourcemap:      o.opts.Sourcemap,
		WrapInTryCatch: background,
	}
	// A declared background worker carries the reload client itself.
	if background {
		rc := o.opts.Reconcile
		opts.Prelude = string(manifest.ReloadClient(rc.SocketURL, rc.Token, rc.Overlay))
	}
	result, err := o.compiler.Compile(ctx, entry, opts)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("compile service returned no result for %s", entry.Name)
	}
	return result, nil
}

func (o *Orchestrator) entry(name string) (types.BuildEntry, bool) {
	for _, e := range o.opts.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return types.BuildEntry{}, false
}

// emit publishes ev. A full stream is waited on for up to eventSendTimeout
// or until ctx ends before the event is dropped.
func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	o.eventsMu.RLock()
	defer o.eventsMu.RUnlock()

	if o.closed {
		return
	}
	select {
	case o.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(o.eventTimeout)
	defer timer.Stop()
	select {
	case o.events <- ev:
	case <-ctx.Done():
		o.logger.Warn(context.Background(), ctx.Err(), "Event stream full, dropping event", "kind", ev.Kind.String())
	case <-timer.C:
		o.logger.Warn(ctx, nil, "Event stream full, dropping event", "kind", ev.Kind.String())
	}
}
