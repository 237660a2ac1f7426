// Package panel serves the JSON HTTP API over the run service.
package panel

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/invoiceflow/internal/runs"
	"github.com/rendis/invoiceflow/internal/streaming"
)

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Service *runs.Service
	// Hub feeds the SSE streams. Without it the stream routes are not mounted.
	Hub streaming.EventHub
	// DiagramBinDir is searched for the mermaid-ascii binary.
	DiagramBinDir string
	Logger        *slog.Logger
}

// PanelServer serves the HTTP API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflows.
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleWorkflowDiagram)
	mux.HandleFunc("POST /api/workflows/{id}/run", s.handleStartRun)
	mux.HandleFunc("POST /api/companies/{id}/run", s.handleStartCompanyRun)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/timeline", s.handleRunTimeline)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)
	mux.HandleFunc("GET /api/runs/{id}/download", s.handleDownloadCSV)
	mux.HandleFunc("POST /api/runs/{id}/steps/{index}/action", s.handleStepAction)

	// SSE streams.
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /sse/runs", s.handleSSERuns)
		mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)
	}

	return s.logRequests(mux)
}

// logRequests logs each request at debug with its status.
func (s *PanelServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer when it can flush.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
