package aggregate

import (
	"sort"
	"strings"

	"github.com/rendis/invoiceflow/internal/conditions"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Columns stamped onto every outcome row, in header order.
const (
	ColApproval          = "approval"
	ColStatus            = "status"
	ColAssignees         = "assignees"
	ColExportFormat      = "exportFormat"
	ColExportDestination = "exportDestination"
)

var stampColumns = []string{ColApproval, ColStatus, ColAssignees, ColExportFormat, ColExportDestination}

// Columns returns the header for row: its own keys sorted, followed by the
// stamped outcome columns it carries in their fixed order.
func Columns(row schema.Row) []string {
	stamped := make(map[string]bool, len(stampColumns))
	for _, c := range stampColumns {
		stamped[c] = true
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		if !stamped[k] {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	for _, c := range stampColumns {
		if _, ok := row[c]; ok {
			cols = append(cols, c)
		}
	}
	return cols
}

// ToCSV renders rows as comma-separated text. The header comes from the
// first row; later rows are read with the same keys. Every field is quoted
// with embedded quotes doubled, lines are joined with "\n" and there is no
// trailing newline. No rows yield "".
func ToCSV(rows []schema.Row) string {
	if len(rows) == 0 {
		return ""
	}
	cols := Columns(rows[0])

	var b strings.Builder
	writeLine := func(fields []string) {
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(f, `"`, `""`))
			b.WriteByte('"')
		}
	}

	writeLine(cols)
	fields := make([]string, len(cols))
	for _, row := range rows {
		b.WriteByte('\n')
		for i, c := range cols {
			fields[i] = conditions.Stringify(row[c])
		}
		writeLine(fields)
	}
	return b.String()
}
