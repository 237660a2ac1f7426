package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// MermaidASCIIBinary is the file name of the mermaid-ascii renderer inside
// the tools directory.
const MermaidASCIIBinary = "mermaid-ascii"

const cliTimeout = 5 * time.Second

// RenderASCIIAuto renders through mermaid-ascii when binDir holds the
// binary and it succeeds, else through RenderASCII.
func RenderASCIIAuto(model *DiagramModel, binDir string) string {
	if binDir == "" {
		return RenderASCII(model)
	}
	bin := filepath.Join(binDir, MermaidASCIIBinary)
	if info, err := os.Stat(bin); err != nil || info.IsDir() {
		return RenderASCII(model)
	}
	out, err := RenderASCIIViaCLI(model, bin)
	if err != nil || strings.TrimSpace(out) == "" {
		return RenderASCII(model)
	}
	return out
}

// RenderASCIIViaCLI feeds RenderMermaidForCLI output to the binary at
// binPath on stdin and returns what it prints.
func RenderASCIIViaCLI(model *DiagramModel, binPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("diagram: %s: %w: %s", MermaidASCIIBinary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits the edge list in the subset of Mermaid that
// mermaid-ascii understands. The CLI has no label syntax, so each node is
// named by its caption plus run overlay, e.g. "approve-PEND-x2".
func RenderMermaidForCLI(model *DiagramModel) string {
	names := make(map[string]string, len(model.Nodes))
	taken := make(map[string]int, len(model.Nodes))
	for _, n := range model.Nodes {
		name := cliNodeID(n)
		taken[name]++
		if c := taken[name]; c > 1 {
			name = fmt.Sprintf("%s-%d", name, c)
		}
		names[n.ID] = name
	}
	name := func(id string) string {
		if s, ok := names[id]; ok {
			return s
		}
		return mermaidSafeID(id)
	}

	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", name(e.From), arrow, name(e.To))
	}
	return b.String()
}

// cliNodeID names a node for the CLI: the caption without any " (type)"
// suffix, dashes for spaces, then the decision tag and visit count.
func cliNodeID(n *Node) string {
	name := n.ID
	if n.Label != "" {
		name = n.caption()
	}
	if i := strings.Index(name, " ("); i > 0 {
		name = name[:i]
	}

	parts := []string{strings.ReplaceAll(name, " ", "-")}
	if n.Status != nil {
		if tag, ok := decisionTags[n.Status.Status]; ok {
			parts = append(parts, strings.Trim(tag, "[]"))
		}
		if n.Status.Visits > 1 {
			parts = append(parts, fmt.Sprintf("x%d", n.Status.Visits))
		}
	}
	return strings.Join(parts, "-")
}
