// ABOUTME: Tests for the agent registry and per-agent delivery queues.
// ABOUTME: Validates registration, liveness tracking, idle ordering, and eviction.

package agent

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-orchestrator/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeClock) {
	t.Helper()
	opts.Logger = testLogger()
	r := NewRegistry(opts)
	clock := newFakeClock()
	r.now = clock.Now
	return r, clock
}

func TestRegistry_Register(t *testing.T) {
	t.Run("returns idle agent", func(t *testing.T) {
		r, _ := newTestRegistry(t, Options{})

		a, err := r.Register(task.CapabilityTranscription, "whisper-1")
		require.NoError(t, err)
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "whisper-1", a.Name)
		assert.Equal(t, StateIdle, a.State)
		assert.Equal(t, 1, r.Count())
	})

	t.Run("generates name when empty", func(t *testing.T) {
		r, _ := newTestRegistry(t, Options{})
		a, err := r.Register(task.CapabilityVision, "")
		require.NoError(t, err)
		assert.Contains(t, a.Name, "vision-")
	})

	t.Run("rejects unknown capability", func(t *testing.T) {
		r, _ := newTestRegistry(t, Options{})
		_, err := r.Register(task.Capability("chat"), "x")
		assert.ErrorIs(t, err, task.ErrUnknownCapability)
	})

	t.Run("multiple instances allowed by default", func(t *testing.T) {
		r, _ := newTestRegistry(t, Options{})
		_, err := r.Register(task.CapabilityVision, "a")
		require.NoError(t, err)
		_, err = r.Register(task.CapabilityVision, "b")
		require.NoError(t, err)
		assert.Len(t, r.ListIdleByCapability(task.CapabilityVision), 2)
	})

	t.Run("single instance mode rejects duplicate", func(t *testing.T) {
		r, _ := newTestRegistry(t, Options{SingleInstancePerCapability: true})
		first, err := r.Register(task.CapabilityVision, "a")
		require.NoError(t, err)

		_, err = r.Register(task.CapabilityVision, "b")
		assert.ErrorIs(t, err, ErrDuplicateCapability)

		_, err = r.Register(task.CapabilityGeneration, "c")
		require.NoError(t, err)

		// Slot frees up once the holder is evicted.
		_, err = r.MarkUnresponsive(first.ID)
		require.NoError(t, err)
		_, err = r.Register(task.CapabilityVision, "d")
		require.NoError(t, err)
	})
}

func TestRegistry_Heartbeat(t *testing.T) {
	r, clock := newTestRegistry(t, Options{})
	a, _ := r.Register(task.CapabilityTranscription, "w")

	clock.Advance(5 * time.Second)
	require.NoError(t, r.Heartbeat(a.ID))

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.LastHeartbeat)

	t.Run("unknown agent", func(t *testing.T) {
		assert.ErrorIs(t, r.Heartbeat("ghost"), ErrUnknownAgent)
	})

	t.Run("evicted agent", func(t *testing.T) {
		_, err := r.MarkUnresponsive(a.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, r.Heartbeat(a.ID), ErrUnknownAgent)

		r.Remove(a.ID)
		assert.ErrorIs(t, r.Heartbeat(a.ID), ErrUnknownAgent)
	})
}

func TestRegistry_BusyIdle(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	a, _ := r.Register(task.CapabilityGeneration, "g")

	require.NoError(t, r.MarkBusy(a.ID, "task-1"))
	got, _ := r.Get(a.ID)
	assert.Equal(t, StateBusy, got.State)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Empty(t, r.ListIdleByCapability(task.CapabilityGeneration))

	assert.ErrorIs(t, r.MarkBusy(a.ID, "task-2"), ErrAgentNotIdle)

	require.NoError(t, r.MarkIdle(a.ID))
	got, _ = r.Get(a.ID)
	assert.Equal(t, StateIdle, got.State)
	assert.Empty(t, got.TaskID)
}

func TestRegistry_ListIdleByCapability_LeastRecentlyAssigned(t *testing.T) {
	r, clock := newTestRegistry(t, Options{})

	a, _ := r.Register(task.CapabilityTranscription, "a")
	clock.Advance(time.Second)
	b, _ := r.Register(task.CapabilityTranscription, "b")
	clock.Advance(time.Second)
	c, _ := r.Register(task.CapabilityTranscription, "c")
	_, _ = r.Register(task.CapabilityVision, "other")

	// Never assigned: registration order.
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, r.ListIdleByCapability(task.CapabilityTranscription))

	// Assign a, then b; both return to idle. c has never worked so it leads,
	// then the one released longest ago.
	clock.Advance(time.Second)
	require.NoError(t, r.MarkBusy(a.ID, "t1"))
	clock.Advance(time.Second)
	require.NoError(t, r.MarkBusy(b.ID, "t2"))
	require.NoError(t, r.MarkIdle(a.ID))
	require.NoError(t, r.MarkIdle(b.ID))

	assert.Equal(t, []string{c.ID, a.ID, b.ID}, r.ListIdleByCapability(task.CapabilityTranscription))
}

func TestRegistry_Deregister(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	a, _ := r.Register(task.CapabilityVision, "v")
	require.NoError(t, r.MarkBusy(a.ID, "task-9"))
	conn, err := r.Connection(a.ID)
	require.NoError(t, err)

	final, err := r.Deregister(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeregistered, final.State)
	assert.Equal(t, "task-9", final.TaskID)
	assert.Equal(t, 0, r.Count())

	select {
	case <-conn.Done():
	default:
		t.Error("connection should be closed after deregister")
	}

	_, err = r.Deregister(a.ID)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_Expired(t *testing.T) {
	r, clock := newTestRegistry(t, Options{})
	stale, _ := r.Register(task.CapabilityTranscription, "stale")
	fresh, _ := r.Register(task.CapabilityTranscription, "fresh")

	clock.Advance(7 * time.Second)
	require.NoError(t, r.Heartbeat(fresh.ID))

	assert.Equal(t, []string{stale.ID}, r.Expired(6*time.Second))

	t.Run("unresponsive agents are not reported twice", func(t *testing.T) {
		_, err := r.MarkUnresponsive(stale.ID)
		require.NoError(t, err)
		assert.Empty(t, r.Expired(6*time.Second))
	})
}

func TestRegistry_MarkUnresponsive(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	a, _ := r.Register(task.CapabilityTranscription, "w")
	require.NoError(t, r.MarkBusy(a.ID, "task-1"))

	snap, err := r.MarkUnresponsive(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", snap.TaskID)
	assert.Equal(t, StateUnresponsive, snap.State)

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.TaskID, "unresponsive agent must not hold a task")
	assert.Equal(t, StateUnresponsive, got.State)

	_, err = r.Connection(a.ID)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_ListOrder(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	var ids []string
	for i := 0; i < 5; i++ {
		a, err := r.Register(task.CapabilityVision, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	list := r.List()
	require.Len(t, list, 5)
	for i, a := range list {
		assert.Equal(t, ids[i], a.ID)
	}
}

func TestRegistry_ConcurrentHeartbeats(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	a, _ := r.Register(task.CapabilityVision, "v")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Heartbeat(a.ID)
			_ = r.ListIdleByCapability(task.CapabilityVision)
		}()
	}
	wg.Wait()
}

func TestConnection(t *testing.T) {
	t.Run("deliver and poll", func(t *testing.T) {
		c := NewConnection("a", 2, testLogger())
		require.NoError(t, c.Deliver(Delivery{Kind: DeliveryAssign, TaskID: "t1"}))

		d, ok := c.Poll()
		require.True(t, ok)
		assert.Equal(t, "t1", d.TaskID)

		_, ok = c.Poll()
		assert.False(t, ok)
	})

	t.Run("full queue rejects", func(t *testing.T) {
		c := NewConnection("a", 1, testLogger())
		require.NoError(t, c.Deliver(Delivery{Kind: DeliveryAssign, TaskID: "t1"}))
		assert.ErrorIs(t, c.Deliver(Delivery{Kind: DeliveryCancel, TaskID: "t1"}), ErrQueueFull)
	})

	t.Run("closed rejects", func(t *testing.T) {
		c := NewConnection("a", 1, testLogger())
		c.Close()
		c.Close()
		assert.ErrorIs(t, c.Deliver(Delivery{Kind: DeliveryAssign, TaskID: "t1"}), ErrConnectionClosed)
	})

	t.Run("stream consumer", func(t *testing.T) {
		c := NewConnection("a", 4, testLogger())
		require.NoError(t, c.Deliver(Delivery{Kind: DeliveryAssign, TaskID: "t1", Capability: task.CapabilityVision}))

		select {
		case d := <-c.Deliveries():
			assert.Equal(t, task.CapabilityVision, d.Capability)
		case <-time.After(time.Second):
			t.Fatal("expected delivery")
		}
	})
}
