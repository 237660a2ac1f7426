package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
	}
	return StreamEvent{}
}

func assertQuiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(30 * time.Millisecond):
	}
}

func assertClosed(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel still open")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestMemoryHub_DeliversRunEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	sent := StreamEvent{
		RunID:      "run-1",
		WorkflowID: "wf-1",
		CompanyID:  "c-1",
		NodeID:     "approve",
		EventType:  "step_acted",
		Payload:    map[string]any{"action": "approve"},
	}
	require.NoError(t, hub.Publish(ctx, sent))
	assert.Equal(t, sent, receive(t, ch))
}

func TestEventFilter_Matches(t *testing.T) {
	ev := StreamEvent{RunID: "run-1", WorkflowID: "wf-1", CompanyID: "c-1", EventType: "run_started"}

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty", EventFilter{}, true},
		{"run", EventFilter{RunID: "run-1"}, true},
		{"other run", EventFilter{RunID: "run-2"}, false},
		{"workflow", EventFilter{WorkflowID: "wf-1"}, true},
		{"other workflow", EventFilter{WorkflowID: "wf-2"}, false},
		{"company", EventFilter{CompanyID: "c-1"}, true},
		{"other company", EventFilter{CompanyID: "c-2"}, false},
		{"type listed", EventFilter{EventTypes: []string{"run_completed", "run_started"}}, true},
		{"type missing", EventFilter{EventTypes: []string{"run_completed"}}, false},
		{"all set", EventFilter{RunID: "run-1", CompanyID: "c-1", EventTypes: []string{"run_started"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}
}

func TestMemoryHub_TenantIsolation(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	acme, cancelAcme, err := hub.Subscribe(ctx, EventFilter{CompanyID: "acme"})
	require.NoError(t, err)
	defer cancelAcme()
	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r-1", CompanyID: "globex", EventType: "run_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r-2", CompanyID: "acme", EventType: "run_started"}))

	assert.Equal(t, "r-2", receive(t, acme).RunID)
	assertQuiet(t, acme)

	assert.Equal(t, "r-1", receive(t, all).RunID)
	assert.Equal(t, "r-2", receive(t, all).RunID)
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assertClosed(t, ch)
	assert.Zero(t, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r-1", EventType: "run_started"}))
}

func TestMemoryHub_ContextEndsSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	cancelCtx()
	assertClosed(t, ch)
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryHub_SlowSubscriberDropsOverflow(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	const extra = 7
	for range SubscriberBuffer + extra {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r-1", EventType: "run_resumed"}))
	}
	assert.Len(t, ch, SubscriberBuffer)
	assert.Equal(t, uint64(extra), hub.Dropped())
}

func TestMemoryHub_Close(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	ch2, _, err := hub.Subscribe(ctx, EventFilter{RunID: "r-1"})
	require.NoError(t, err)

	hub.Close()
	hub.Close()
	assertClosed(t, ch1)
	assertClosed(t, ch2)
	cancel1()

	_, _, err = hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{RunID: "r-1"}), ErrHubClosed)
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{RunID: "r-1"}), context.Canceled)
}

func TestMemoryHub_ConcurrentPublishAndChurn(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{RunID: "r-1", EventType: "run_completed"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "r-1"})
			if err != nil {
				return
			}
			if i%2 == 0 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()

	hub.Close()
	assert.Zero(t, hub.Subscribers())
}
