package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/invoiceflow/internal/diagram"
	"github.com/rendis/invoiceflow/internal/runs"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// handleDefine validates and stores a workflow.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	var wf schema.Workflow
	if err := remarshal(raw, &wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	caller := s.callerFrom(ctx, req)
	created, result, err := s.svc.DefineWorkflow(ctx, &wf, caller)
	if err != nil {
		return flowErrorResult(err), nil
	}

	out := map[string]any{"workflow": created}
	if result != nil && len(result.Warnings) > 0 {
		out["warnings"] = result.Warnings
	}
	return marshalResult(out)
}

// handleListWorkflows lists the caller's workflows.
func (s *Server) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfs, err := s.svc.ListWorkflows(ctx, s.callerFrom(ctx, req), req.GetBool("active_only", false))
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(wfs)
}

// handleRun runs invoice rows through a workflow.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caller := s.callerFrom(ctx, req)
	input := runInput(req)

	var (
		run *schema.Run
		err error
	)
	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		run, err = s.svc.Start(ctx, workflowID, input, caller)
	} else {
		if caller.CompanyID == "" {
			return mcp.NewToolResultError("workflow_id or company_id is required"), nil
		}
		run, err = s.svc.StartForCompany(ctx, caller.CompanyID, input, caller)
	}
	if err != nil {
		return flowErrorResult(err), nil
	}

	s.notifyAssignees(ctx, run, 0)
	return marshalResult(run)
}

// handleGetRun returns one run.
func (s *Server) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.svc.Get(ctx, runID, s.callerFrom(ctx, req))
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(run)
}

// handleListRuns lists the caller's runs.
func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.svc.List(ctx, s.callerFrom(ctx, req), req.GetInt("limit", 0))
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(list)
}

// handleAct approves or rejects a step.
func (s *Server) handleAct(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	index, err := req.RequireInt("index")
	if err != nil {
		return mcp.NewToolResultError("index is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	caller := s.callerFrom(ctx, req)
	before, err := s.svc.Get(ctx, runID, caller)
	if err != nil {
		return flowErrorResult(err), nil
	}
	run, err := s.svc.ActOnStep(ctx, runID, index, action, req.GetString("comment", ""), caller)
	if err != nil {
		return flowErrorResult(err), nil
	}

	s.notifyAssignees(ctx, run, len(before.Steps))
	return marshalResult(run)
}

// handleDownloadCSV returns the stored CSV of a run.
func (s *Server) handleDownloadCSV(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	name, csv, err := s.svc.DownloadCSV(ctx, runID, s.callerFrom(ctx, req))
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(map[string]string{"filename": name, "csv": csv})
}

// handleTimeline replays the event history of a run.
func (s *Server) handleTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	tl, err := s.svc.Timeline(ctx, runID, s.callerFrom(ctx, req))
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(tl)
}

// handleDiagram generates a workflow diagram in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	model, err := s.svc.Diagram(ctx, req.GetString("workflow_id", ""), req.GetString("run_id", ""), s.callerFrom(ctx, req))
	if err != nil {
		return flowErrorResult(err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCIIAuto(model, s.diagramBinDir)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage("diagram of "+model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Helpers ---

// callerFrom reads the caller identity arguments and maps the user to its
// MCP session for notifications.
func (s *Server) callerFrom(ctx context.Context, req mcp.CallToolRequest) runs.Caller {
	caller := runs.Caller{
		CompanyID:   req.GetString("company_id", ""),
		CompanyName: req.GetString("company_name", ""),
		UserID:      req.GetString("user_id", ""),
	}
	if caller.UserID != "" {
		s.captureSession(ctx, caller.UserID)
	}
	return caller
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// notifyAssignees tells every assignee of each pending step from index
// from on that an approval awaits them.
func (s *Server) notifyAssignees(ctx context.Context, run *schema.Run, from int) {
	for i := from; i < len(run.Steps); i++ {
		step := &run.Steps[i]
		if step.Decision != schema.DecisionPending {
			continue
		}
		req := ApprovalRequest{
			RunID:      run.ID,
			WorkflowID: run.WorkflowID,
			NodeID:     step.NodeID,
			StepIndex:  i,
		}
		for _, assignee := range step.Assignees() {
			if err := s.notifier.Notify(ctx, assignee, req); err != nil {
				s.logger.Warn("notify assignee failed",
					slog.String("assignee", assignee),
					slog.Any("error", err))
			}
		}
	}
}

// runInput picks the run input: the rows batch, else the single input row,
// else nil.
func runInput(req mcp.CallToolRequest) any {
	args := req.GetArguments()
	if rows, ok := args["rows"].([]any); ok {
		return rows
	}
	if input, ok := args["input"]; ok && input != nil {
		return input
	}
	return nil
}

// remarshal converts a decoded JSON value into a typed struct.
func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// flowErrorResult renders a service error as a tool error carrying its code.
func flowErrorResult(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		data, mErr := json.Marshal(fe)
		if mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
