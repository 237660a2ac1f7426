package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func seedRunFor(t *testing.T, s *LibSQLStore) *schema.Run {
	t.Helper()
	wf := seedWorkflow(t, s, "c-1")
	return seedRun(t, s, wf.ID, schema.Company{ID: "c-1"})
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	_, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRunFor(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{RunID: run.ID, Type: schema.EventStepActed}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
		assert.NotZero(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEventLog_GetEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRunFor(t, s)

	for _, et := range []string{schema.EventRunStarted, schema.EventRunCompleted, schema.EventStepActed} {
		require.NoError(t, el.Record(ctx, run.ID, et, "", "", nil))
	}

	events, err := el.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Nil(t, events[0].Payload)

	events, err = el.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestEventLog_GetEventsByType(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRunFor(t, s)
	other := seedRunFor(t, s)

	require.NoError(t, el.Record(ctx, run.ID, schema.EventStepActed, "approve", "u-1", StepActedPayload{Index: 1, Action: "approve"}))
	require.NoError(t, el.Record(ctx, run.ID, schema.EventRunResumed, "", "", RunStatusPayload{Status: schema.RunStatusPending}))
	require.NoError(t, el.Record(ctx, run.ID, schema.EventStepActed, "export", "u-2", StepActedPayload{Index: 2, Action: "reject"}))
	require.NoError(t, el.Record(ctx, other.ID, schema.EventStepActed, "approve", "u-1", nil))

	events, err := s.GetEventsByType(ctx, schema.EventStepActed, EventFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, schema.EventStepActed, e.Type)
	}

	events, err = s.GetEventsByType(ctx, schema.EventStepActed, EventFilter{NodeID: "approve"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = s.GetEventsByType(ctx, schema.EventStepActed, EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	future := time.Now().Add(time.Hour)
	events, err = s.GetEventsByType(ctx, schema.EventStepActed, EventFilter{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventLog_Replay(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRunFor(t, s)

	require.NoError(t, el.Record(ctx, run.ID, schema.EventRunStarted, "", "",
		RunStatusPayload{WorkflowID: run.WorkflowID, Rows: 1, Status: schema.RunStatusPending}))
	require.NoError(t, el.Record(ctx, run.ID, schema.EventRunCompleted, "", "",
		RunStatusPayload{Status: schema.RunStatusPending, Steps: 2}))
	require.NoError(t, el.Record(ctx, run.ID, schema.EventStepActed, "approve", "manager",
		StepActedPayload{Index: 1, Action: "approve", Comment: "ok"}))
	require.NoError(t, el.Record(ctx, run.ID, schema.EventRunResumed, "", "",
		RunStatusPayload{Status: schema.RunStatusApproved, Steps: 4}))

	tl, err := el.Replay(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, tl.RunID)
	assert.Equal(t, 4, tl.Events)
	assert.NotNil(t, tl.StartedAt)
	assert.NotNil(t, tl.CompletedAt)
	assert.Equal(t, 1, tl.Resumes)
	assert.Equal(t, schema.RunStatusApproved, tl.Status)
	require.Len(t, tl.Actions, 1)
	a := tl.Actions[0]
	assert.Equal(t, int64(3), a.Sequence)
	assert.Equal(t, 1, a.Index)
	assert.Equal(t, "approve", a.NodeID)
	assert.Equal(t, "approve", a.Action)
	assert.Equal(t, "ok", a.Comment)
	assert.Equal(t, "manager", a.ActorID)
}

func TestEventLog_Replay_EmptyRun(t *testing.T) {
	el, _ := newTestEventLog(t)
	tl, err := el.Replay(context.Background(), "no-events")
	require.NoError(t, err)
	assert.Empty(t, tl.Actions)
	assert.Nil(t, tl.StartedAt)
	assert.Zero(t, tl.Events)
}

func TestEventLog_Replay_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRunFor(t, s)

	require.NoError(t, el.Record(ctx, run.ID, schema.EventRunStarted, "", "", nil))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO run_events (run_id, event_type, timestamp, sequence) VALUES (?, ?, ?, 5)`,
		run.ID, schema.EventRunCompleted, time.Now().UTC())
	require.NoError(t, err)

	_, err = el.Replay(ctx, run.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_Replay_MalformedActionPayload(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRunFor(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		RunID: run.ID, Type: schema.EventStepActed, Payload: json.RawMessage(`{"index":"one"}`),
	}))
	_, err := el.Replay(ctx, run.ID)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

func TestEventLog_ConcurrentAppend_DifferentRuns(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	var runs []*schema.Run
	for i := 0; i < 5; i++ {
		runs = append(runs, seedRunFor(t, s))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 50)

	for _, run := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := el.Record(ctx, run.ID, schema.EventStepActed, "approve", "", nil); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	for _, run := range runs {
		events, err := el.GetEvents(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEventLog_RunScopedSequences(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run1 := seedRunFor(t, s)
	run2 := seedRunFor(t, s)

	require.NoError(t, el.Record(ctx, run1.ID, schema.EventRunStarted, "", "", nil))
	require.NoError(t, el.Record(ctx, run1.ID, schema.EventRunCompleted, "", "", nil))

	e := &Event{RunID: run2.ID, Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "run2 should have its own sequence starting at 1")
}

func TestEventLog_ImmutablePayload(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRunFor(t, s)

	require.NoError(t, el.Record(ctx, run.ID, schema.EventStepActed, "approve", "u-1",
		StepActedPayload{Index: 0, Action: "reject", Comment: "duplicate"}))

	events, err := el.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"index":0,"action":"reject","comment":"duplicate"}`, string(events[0].Payload))
	assert.Equal(t, "approve", events[0].NodeID)
	assert.Equal(t, "u-1", events[0].ActorID)
}
