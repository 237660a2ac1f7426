// gen-diagrams renders a workflow definition in every diagram format.
// Run: go run ./cmd/gen-diagrams [workflow.json]
//
// Without an argument it renders a sample invoice workflow for the README.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/invoiceflow/internal/diagram"
	"github.com/rendis/invoiceflow/pkg/schema"
)

func main() {
	wf := sampleWorkflow()
	if len(os.Args) > 1 {
		data, err := os.ReadFile(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "read workflow: %v\n", err)
			os.Exit(1)
		}
		wf = &schema.Workflow{}
		if err := json.Unmarshal(data, wf); err != nil {
			fmt.Fprintf(os.Stderr, "parse workflow: %v\n", err)
			os.Exit(1)
		}
	}

	model, err := diagram.Build(wf, sampleRun(wf))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", outDir, err)
		os.Exit(1)
	}

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	ascii := diagram.RenderASCIIAuto(model, filepath.Join(home, ".invoiceflow", "bin"))
	write(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	write(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(context.Background(), model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(outDir, "diagram-sample.png")
	write(pngPath, png)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
	}
}

// sampleWorkflow routes large invoices to a manager and exports the rest.
func sampleWorkflow() *schema.Workflow {
	return &schema.Workflow{
		Name: "Invoice approvals",
		Nodes: []schema.Node{
			{ID: "intake", Type: "input", Config: map[string]any{"next": "check-amount"}},
			{ID: "check-amount", Type: "rule", Config: map[string]any{
				"rules":     []any{map[string]any{"field": "amount", "operator": ">", "value": 1000.0}},
				"trueNext":  "manager-approval",
				"falseNext": "export",
			}},
			{ID: "manager-approval", Type: "approval", Config: map[string]any{
				"rules": []any{map[string]any{"field": "amount", "operator": ">", "value": 1000.0, "assignee": "manager"}},
				"next":  "export",
			}},
			{ID: "export", Type: "export", Config: map[string]any{"exportType": "csv", "target": "s3://invoices"}},
		},
	}
}

// sampleRun overlays a run paused on the manager approval. It is only
// applied to the built-in sample.
func sampleRun(wf *schema.Workflow) *schema.Run {
	if wf.Name != "Invoice approvals" || len(wf.Nodes) != 4 {
		return nil
	}
	return &schema.Run{
		Status: schema.RunStatusPending,
		Steps: []schema.RunStep{
			{NodeID: "intake", Decision: schema.DecisionApproved},
			{NodeID: "check-amount", Decision: schema.DecisionApproved},
			{NodeID: "manager-approval", Decision: schema.DecisionPending, AssigneeID: "manager"},
		},
	}
}
