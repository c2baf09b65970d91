package build

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/conneroisu/exthmr/internal/logging"
)

// Task is a unit of work run by a TaskSerializer.
type Task func(ctx context.Context) error

// SlotState is the state of a TaskSerializer.
type SlotState int

const (
	// StateIdle means no task is running and the slot is empty.
	StateIdle SlotState = iota
	// StateRunning means a task is running and the slot is empty.
	StateRunning
	// StateRunningWithPending means a task is running and another waits in
	// the slot.
	StateRunningWithPending
)

func (s SlotState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRunningWithPending:
		return "running_with_pending"
	default:
		return "unknown"
	}
}

// SerializerStats counts what a TaskSerializer did with its requests.
type SerializerStats struct {
	Requested  uint64
	Executed   uint64
	Superseded uint64
	Failed     uint64
	Panics     uint64
}

type slotTask struct {
	ctx  context.Context
	task Task
}

// TaskSerializer runs at most one task at a time and holds at most one more.
// A request made while a task runs overwrites the pending slot, so a burst of
// requests collapses into the running task plus the latest request.
type TaskSerializer struct {
	name   string
	logger logging.Logger

	mu      sync.Mutex
	state   SlotState
	pending slotTask
	// idle is closed whenever the serializer returns to StateIdle
	idle  chan struct{}
	stats SerializerStats
}

// NewTaskSerializer creates an idle serializer. name labels its log lines.
func NewTaskSerializer(name string, logger logging.Logger) *TaskSerializer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	idle := make(chan struct{})
	close(idle)

	return &TaskSerializer{
		name:   name,
		logger: logger.With("lane", name),
		state:  StateIdle,
		idle:   idle,
	}
}

// Request submits task. An idle serializer starts it immediately on its own
// goroutine; a busy one stores it in the slot, replacing any pending task.
func (ts *TaskSerializer) Request(ctx context.Context, task Task) {
	if task == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.stats.Requested++

	switch ts.state {
	case StateIdle:
		ts.state = StateRunning
		ts.idle = make(chan struct{})
		go ts.run(slotTask{ctx: ctx, task: task})
	case StateRunning:
		ts.pending = slotTask{ctx: ctx, task: task}
		ts.state = StateRunningWithPending
	case StateRunningWithPending:
		ts.pending = slotTask{ctx: ctx, task: task}
		ts.stats.Superseded++
		ts.logger.Debug(ctx, "Pending task superseded")
	}
}

func (ts *TaskSerializer) run(current slotTask) {
	for {
		ts.execute(current)

		ts.mu.Lock()
		if ts.state == StateRunningWithPending {
			current = ts.pending
			ts.pending = slotTask{}
			ts.state = StateRunning
			ts.mu.Unlock()
			continue
		}
		ts.state = StateIdle
		close(ts.idle)
		ts.mu.Unlock()
		return
	}
}

// execute runs one task, recovering from panics so the lane always advances.
func (ts *TaskSerializer) execute(st slotTask) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
				ts.mu.Lock()
				ts.stats.Panics++
				ts.mu.Unlock()
				ts.logger.Error(st.ctx, err, "Task panicked", "stack", string(debug.Stack()))
			}
		}()
		err = st.task(st.ctx)
	}()

	ts.mu.Lock()
	ts.stats.Executed++
	if err != nil {
		ts.stats.Failed++
	}
	ts.mu.Unlock()

	if err != nil {
		ts.logger.Debug(st.ctx, "Task finished with error", "error", err.Error())
	}
}

// Busy reports whether a task is running.
func (ts *TaskSerializer) Busy() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.state != StateIdle
}

// State returns the current slot state.
func (ts *TaskSerializer) State() SlotState {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.state
}

// Done returns a channel closed the next time the serializer is idle. It is
// already closed when the serializer is idle.
func (ts *TaskSerializer) Done() <-chan struct{} {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.idle
}

// WaitIdle blocks until the serializer has no running or pending task.
func (ts *TaskSerializer) WaitIdle(ctx context.Context) error {
	select {
	case <-ts.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the serializer counters.
func (ts *TaskSerializer) Stats() SerializerStats {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.stats
}
