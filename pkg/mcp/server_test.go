package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.NotNil(t, s.HTTPHandler())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	expectedTools := []string{
		"invoiceflow.define",
		"invoiceflow.list_workflows",
		"invoiceflow.run",
		"invoiceflow.get_run",
		"invoiceflow.list_runs",
		"invoiceflow.act",
		"invoiceflow.download_csv",
		"invoiceflow.timeline",
		"invoiceflow.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		require.NotNil(t, tool, "tool %s should be registered", name)
		assert.Contains(t, tool.Tool.InputSchema.Properties, "company_id")
		assert.Contains(t, tool.Tool.InputSchema.Properties, "user_id")
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
		required    []string
	}{
		{"define", "invoiceflow.define", "Validate and store an approval workflow", []string{"workflow"}},
		{"run", "invoiceflow.run", "Run invoices through a workflow", nil},
		{"act", "invoiceflow.act", "Approve or reject a step of a run", []string{"run_id", "index", "action"}},
		{"download", "invoiceflow.download_csv", "Fetch the CSV exported by a run", []string{"run_id"}},
		{"diagram", "invoiceflow.diagram", "Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image", []string{"format"}},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
