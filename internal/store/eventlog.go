package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// StepActedPayload is the payload of a step_acted event.
type StepActedPayload struct {
	Index   int    `json:"index"`
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
}

// RunStatusPayload is the payload of run_started, run_completed and
// run_resumed events.
type RunStatusPayload struct {
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     schema.RunStatus `json:"status"`
	Rows       int              `json:"rows,omitempty"`
	Steps      int              `json:"steps"`
}

// StepAction is one human decision recovered from the event log.
type StepAction struct {
	Sequence int64     `json:"sequence"`
	Index    int       `json:"index"`
	NodeID   string    `json:"node_id,omitempty"`
	Action   string    `json:"action"`
	Comment  string    `json:"comment,omitempty"`
	ActorID  string    `json:"actor_id,omitempty"`
	At       time.Time `json:"at"`
}

// Timeline is a run's history reconstructed from its events.
type Timeline struct {
	RunID       string           `json:"run_id"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Status      schema.RunStatus `json:"status,omitempty"`
	Actions     []StepAction     `json:"actions"`
	Resumes     int              `json:"resumes"`
	Events      int              `json:"events"`
}

// EventLog records typed run events and replays them into a timeline.
type EventLog struct {
	store EventStore
}

// NewEventLog wraps an EventStore.
func NewEventLog(s EventStore) *EventLog {
	return &EventLog{store: s}
}

// Record marshals payload and appends an event for runID.
func (el *EventLog) Record(ctx context.Context, runID, eventType, nodeID, actorID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	return el.store.AppendEvent(ctx, &Event{
		RunID:   runID,
		NodeID:  nodeID,
		Type:    eventType,
		Payload: raw,
		ActorID: actorID,
	})
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// Replay folds every event of a run into a Timeline.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (*Timeline, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	tl := &Timeline{RunID: runID, Actions: []StepAction{}, Events: len(events)}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		switch e.Type {
		case schema.EventRunStarted:
			ts := e.Timestamp
			tl.StartedAt = &ts
			tl.Status = statusOf(e.Payload, tl.Status)

		case schema.EventRunCompleted:
			ts := e.Timestamp
			tl.CompletedAt = &ts
			tl.Status = statusOf(e.Payload, tl.Status)

		case schema.EventRunResumed:
			tl.Resumes++
			tl.Status = statusOf(e.Payload, tl.Status)

		case schema.EventStepActed:
			var p StepActedPayload
			if len(e.Payload) > 0 {
				if err := json.Unmarshal(e.Payload, &p); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeStore,
						"decode step_acted event %d: %v", e.Sequence, err)
				}
			}
			tl.Actions = append(tl.Actions, StepAction{
				Sequence: e.Sequence,
				Index:    p.Index,
				NodeID:   e.NodeID,
				Action:   p.Action,
				Comment:  p.Comment,
				ActorID:  e.ActorID,
				At:       e.Timestamp,
			})
		}
	}
	return tl, nil
}

func statusOf(payload json.RawMessage, fallback schema.RunStatus) schema.RunStatus {
	var p RunStatusPayload
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil || p.Status == "" {
		return fallback
	}
	return p.Status
}
