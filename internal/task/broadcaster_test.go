// ABOUTME: Tests for task event subscriptions
// ABOUTME: Verifies snapshot delivery, ordering, lossless fan-out, and teardown

package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect reads a subscription until it closes or the deadline passes.
func collect(t *testing.T, sub *Subscription, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("subscription did not close within %v (got %d events)", timeout, len(out))
			return out
		}
	}
}

func TestSubscribe_SnapshotThenUpdates(t *testing.T) {
	s := newTestStore(t)
	tk := running(t, s)

	sub, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(tk.ID, 10, ""))
	require.NoError(t, s.UpdateProgress(tk.ID, 10, "partial words"))
	require.NoError(t, s.UpdateProgress(tk.ID, 80, ""))
	require.NoError(t, s.Complete(tk.ID, "R"))

	events := collect(t, sub, time.Second)
	require.Len(t, events, 5)

	assert.Equal(t, StateRunning, events[0].State)
	assert.Equal(t, "partial words", events[2].PartialText)
	assert.Equal(t, StateSucceeded, events[4].State)
	assert.Equal(t, "R", events[4].Result)
	assert.True(t, events[4].Terminal())
}

func TestSubscribe_ProgressNonDecreasing(t *testing.T) {
	s := newTestStore(t)
	tk := running(t, s)

	sub, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)

	for _, p := range []int{5, 20, 15, 40, 39, 40, 90, 10} {
		_ = s.UpdateProgress(tk.ID, p, "")
	}
	require.NoError(t, s.Complete(tk.ID, "done"))

	last := -1
	for _, ev := range collect(t, sub, time.Second) {
		assert.GreaterOrEqual(t, ev.Progress, last)
		last = ev.Progress
	}
	assert.Equal(t, 100, last)
}

func TestSubscribe_AlreadyTerminal(t *testing.T) {
	s := newTestStore(t)
	tk := running(t, s)
	require.NoError(t, s.Fail(tk.ID, &Error{Kind: KindAgentError, Message: "boom"}))

	sub, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)

	events := collect(t, sub, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, StateFailed, events[0].State)
	require.NotNil(t, events[0].Err)
	assert.Equal(t, "boom", events[0].Err.Message)
	assert.Equal(t, 0, s.events.count(tk.ID))
}

func TestSubscribe_UnknownTask(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubscribe_SlowConsumerLosesNothing(t *testing.T) {
	s := newTestStore(t)
	tk := running(t, s)

	sub, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)

	// Far more updates than any fixed buffer, published before reading.
	for i := 0; i < 500; i++ {
		require.NoError(t, s.UpdateProgress(tk.ID, i/5, "x"))
	}
	require.NoError(t, s.Complete(tk.ID, "R"))

	events := collect(t, sub, 2*time.Second)
	assert.Len(t, events, 1+500+1)
}

func TestSubscribe_MultipleSubscribers(t *testing.T) {
	s := newTestStore(t)
	tk := running(t, s)

	a, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)
	b, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.events.count(tk.ID))

	require.NoError(t, s.UpdateProgress(tk.ID, 50, ""))
	require.NoError(t, s.Complete(tk.ID, "R"))

	assert.Len(t, collect(t, a, time.Second), 3)
	assert.Len(t, collect(t, b, time.Second), 3)
}

func TestSubscribe_CloseDoesNotAffectTask(t *testing.T) {
	s := newTestStore(t)
	tk := running(t, s)

	sub, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)
	<-sub.Events() // snapshot

	sub.Close()
	collect(t, sub, time.Second)

	require.NoError(t, s.UpdateProgress(tk.ID, 30, ""))
	got, _ := s.Get(tk.ID)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, 30, got.Progress)

	assert.Eventually(t, func() bool { return s.events.count(tk.ID) == 0 },
		time.Second, 10*time.Millisecond)
}

func TestSubscribe_ContextCancel(t *testing.T) {
	s := newTestStore(t)
	tk, _ := s.Submit("c1", CapabilityVision, "in")

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Subscribe(ctx, tk.ID)
	require.NoError(t, err)

	cancel()
	collect(t, sub, time.Second)

	got, _ := s.Get(tk.ID)
	assert.Equal(t, StatePending, got.State)
}

func TestSubscribe_RequeueIsVisible(t *testing.T) {
	s := newTestStore(t)
	tk := running(t, s)

	sub, err := s.Subscribe(context.Background(), tk.ID)
	require.NoError(t, err)

	_, err = s.Requeue(tk.ID)
	require.NoError(t, err)
	_, err = s.Cancel(tk.ID)
	require.NoError(t, err)

	events := collect(t, sub, time.Second)
	require.Len(t, events, 3)
	assert.Equal(t, StatePending, events[1].State)
	assert.Equal(t, StateCancelled, events[2].State)
}
