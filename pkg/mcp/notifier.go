package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ApprovalMethod is the notification method approvers receive.
const ApprovalMethod = "notifications/message"

// ApprovalRequest tells an approver that a run step awaits their decision.
type ApprovalRequest struct {
	RunID      string
	WorkflowID string
	NodeID     string
	StepIndex  int
}

// Params renders the request as notification params.
func (a ApprovalRequest) Params() map[string]any {
	return map[string]any{
		"type":        "approval_requested",
		"run_id":      a.RunID,
		"workflow_id": a.WorkflowID,
		"node_id":     a.NodeID,
		"step_index":  a.StepIndex,
	}
}

// AssigneeNotifier pushes approval requests to approvers.
type AssigneeNotifier interface {
	Notify(ctx context.Context, userID string, req ApprovalRequest) error
}

// SessionNotifier pushes approval requests over the SSE sessions an
// approver has used. Users without a session are skipped.
type SessionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewSessionNotifier creates a SessionNotifier.
func NewSessionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends req to every session of userID. Sessions that went away are
// forgotten; other send failures are joined into the returned error.
func (n *SessionNotifier) Notify(ctx context.Context, userID string, req ApprovalRequest) error {
	var errs []error
	for _, sid := range n.sessions.Sessions(userID) {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := n.mcpServer.SendNotificationToSpecificClient(sid, ApprovalMethod, req.Params())
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			n.sessions.Forget(userID, sid)
		case err != nil:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
