package build

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate is a task that blocks until released and records its label.
type gate struct {
	mu      sync.Mutex
	ran     []string
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) task(label string, block bool) Task {
	return func(ctx context.Context) error {
		g.started <- label
		if block {
			<-g.release
		}
		g.mu.Lock()
		g.ran = append(g.ran, label)
		g.mu.Unlock()
		return nil
	}
}

func (g *gate) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ran...)
}

func waitStarted(t *testing.T, g *gate, expected string) {
	t.Helper()
	select {
	case label := <-g.started:
		require.Equal(t, expected, label)
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s never started", expected)
	}
}

func TestTaskSerializerCollapsesBurst(t *testing.T) {
	ts := NewTaskSerializer("test", nil)
	g := newGate()
	ctx := context.Background()

	assert.Equal(t, StateIdle, ts.State())

	ts.Request(ctx, g.task("R1", true))
	waitStarted(t, g, "R1")
	assert.Equal(t, StateRunning, ts.State())

	ts.Request(ctx, g.task("R2", false))
	assert.Equal(t, StateRunningWithPending, ts.State())
	ts.Request(ctx, g.task("R3", false))
	ts.Request(ctx, g.task("R4", false))
	ts.Request(ctx, g.task("R5", false))
	assert.Equal(t, StateRunningWithPending, ts.State())

	close(g.release)
	require.NoError(t, ts.WaitIdle(ctx))

	assert.Equal(t, []string{"R1", "R5"}, g.order())
	assert.Equal(t, StateIdle, ts.State())
	assert.False(t, ts.Busy())

	stats := ts.Stats()
	assert.Equal(t, uint64(5), stats.Requested)
	assert.Equal(t, uint64(2), stats.Executed)
	assert.Equal(t, uint64(3), stats.Superseded)
}

func TestTaskSerializerNeverOverlaps(t *testing.T) {
	ts := NewTaskSerializer("overlap", nil)
	ctx := context.Background()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	task := func(ctx context.Context) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts.Request(ctx, task)
		}()
	}
	wg.Wait()
	require.NoError(t, ts.WaitIdle(ctx))

	assert.Equal(t, 1, maxRunning)
	stats := ts.Stats()
	assert.Equal(t, uint64(20), stats.Requested)
	assert.Equal(t, stats.Requested, stats.Executed+stats.Superseded)
}

func TestTaskSerializerRecoversFromPanic(t *testing.T) {
	ts := NewTaskSerializer("panic", nil)
	g := newGate()
	ctx := context.Background()

	ts.Request(ctx, func(ctx context.Context) error {
		g.started <- "boom"
		<-g.release
		panic("compile service exploded")
	})
	waitStarted(t, g, "boom")
	ts.Request(ctx, g.task("after", false))

	close(g.release)
	require.NoError(t, ts.WaitIdle(ctx))

	assert.Equal(t, []string{"after"}, g.order(), "pending task runs after a panic")
	stats := ts.Stats()
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(2), stats.Executed)
}

func TestTaskSerializerCountsFailures(t *testing.T) {
	ts := NewTaskSerializer("fail", nil)
	ctx := context.Background()

	ts.Request(ctx, func(ctx context.Context) error { return errors.New("nope") })
	require.NoError(t, ts.WaitIdle(ctx))

	assert.Equal(t, uint64(1), ts.Stats().Failed)

	ts.Request(ctx, nil)
	assert.Equal(t, uint64(1), ts.Stats().Requested, "nil tasks are ignored")
}

func TestTaskSerializerWaitIdleHonorsContext(t *testing.T) {
	ts := NewTaskSerializer("wait", nil)
	g := newGate()

	ts.Request(context.Background(), g.task("slow", true))
	waitStarted(t, g, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts.WaitIdle(ctx), context.DeadlineExceeded)

	close(g.release)
	require.NoError(t, ts.WaitIdle(context.Background()))
}

func TestSlotStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "running_with_pending", StateRunningWithPending.String())
	assert.Equal(t, "unknown", SlotState(42).String())
}
