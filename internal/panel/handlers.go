package panel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rendis/invoiceflow/internal/diagram"
	"github.com/rendis/invoiceflow/internal/runs"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// workflowResponse pairs a stored workflow with its validation warnings.
type workflowResponse struct {
	Workflow *schema.Workflow         `json:"workflow"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

func newWorkflowResponse(wf *schema.Workflow, result *schema.ValidationResult) workflowResponse {
	resp := workflowResponse{Workflow: wf}
	if result != nil {
		resp.Warnings = result.Warnings
	}
	return resp
}

// --- Workflows ---

func (s *PanelServer) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf schema.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, result, err := s.deps.Service.DefineWorkflow(r.Context(), &wf, callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newWorkflowResponse(created, result))
}

func (s *PanelServer) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	wfs, err := s.deps.Service.ListWorkflows(r.Context(), callerFrom(r), activeOnly)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

func (s *PanelServer) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Service.GetWorkflow(r.Context(), r.PathValue("id"), callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *PanelServer) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var patch runs.WorkflowPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wf, result, err := s.deps.Service.UpdateWorkflow(r.Context(), r.PathValue("id"), patch, callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkflowResponse(wf, result))
}

func (s *PanelServer) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.DeleteWorkflow(r.Context(), r.PathValue("id"), callerFrom(r)); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *PanelServer) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	model, err := s.deps.Service.Diagram(r.Context(), r.PathValue("id"), r.URL.Query().Get("run_id"), callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.writeDiagram(w, r, model)
}

// --- Runs ---

func (s *PanelServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	input, err := runInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.deps.Service.Start(r.Context(), r.PathValue("id"), input, callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *PanelServer) handleStartCompanyRun(w http.ResponseWriter, r *http.Request) {
	input, err := runInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.deps.Service.StartForCompany(r.Context(), r.PathValue("id"), input, callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Service.List(r.Context(), callerFrom(r), queryInt(r, "limit", 0))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *PanelServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Service.Get(r.Context(), r.PathValue("id"), callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *PanelServer) handleRunTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.deps.Service.Timeline(r.Context(), r.PathValue("id"), callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *PanelServer) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	model, err := s.deps.Service.Diagram(r.Context(), "", r.PathValue("id"), callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.writeDiagram(w, r, model)
}

func (s *PanelServer) handleDownloadCSV(w http.ResponseWriter, r *http.Request) {
	name, csv, err := s.deps.Service.DownloadCSV(r.Context(), r.PathValue("id"), callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(csv))
}

func (s *PanelServer) handleStepAction(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid step index %q", r.PathValue("index")))
		return
	}
	var body struct {
		Action  string `json:"action"`
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.deps.Service.ActOnStep(r.Context(), r.PathValue("id"), index, body.Action, body.Comment, callerFrom(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runInput reads the run input from the request body: the "input" member
// when the body is an object carrying one, else the whole body. An empty
// body yields nil.
func runInput(r *http.Request) (any, error) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var wrapped map[string]json.RawMessage
	if json.Unmarshal(raw, &wrapped) == nil {
		if inner, ok := wrapped["input"]; ok {
			raw = inner
		}
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return input, nil
}

// writeDiagram renders model in the format named by the "format" query
// parameter: mermaid (default), ascii or image (PNG).
func (s *PanelServer) writeDiagram(w http.ResponseWriter, r *http.Request, model *diagram.DiagramModel) {
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		writeText(w, diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, diagram.RenderASCIIAuto(model, s.deps.DiagramBinDir))
	case "image":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			s.deps.Logger.Error("render diagram image", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}
