// Package report emits conformance check results: NDJSON lines for
// machine consumers and a rendered table for humans.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
)

// SchemaVersion identifies the NDJSON result contract.
const SchemaVersion = 1

// Result is the outcome of one conformance check.
type Result struct {
	Type          string `json:"type"` // "check"
	SchemaVersion int    `json:"schemaVersion"`
	Check         string `json:"check"`
	Passed        bool   `json:"passed"`
	Detail        string `json:"detail,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// NewResult builds a check result.
func NewResult(check string, passed bool, detail string, elapsed time.Duration) Result {
	return Result{
		Type:          "check",
		SchemaVersion: SchemaVersion,
		Check:         check,
		Passed:        passed,
		Detail:        detail,
		DurationMS:    elapsed.Milliseconds(),
	}
}

// NDJSONWriter writes newline-delimited JSON results.
type NDJSONWriter struct {
	enc *json.Encoder
}

// NewNDJSONWriter creates a writer targeting w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w)}
}

// WriteResult emits one check result line.
func (w *NDJSONWriter) WriteResult(r Result) error {
	return w.enc.Encode(r)
}

// WriteError emits a machine-readable failure line.
func (w *NDJSONWriter) WriteError(code, message string) error {
	return w.enc.Encode(map[string]any{
		"type":          "error",
		"schemaVersion": SchemaVersion,
		"code":          code,
		"message":       message,
	})
}

// WriteSummary emits the final tally line.
func (w *NDJSONWriter) WriteSummary(passed, failed int) error {
	return w.enc.Encode(map[string]any{
		"type":          "summary",
		"schemaVersion": SchemaVersion,
		"passed":        passed,
		"failed":        failed,
	})
}

// RenderTable prints results as a table for terminal use.
func RenderTable(w io.Writer, results []Result) error {
	table := tablewriter.NewTable(w)
	table.Header("Check", "Status", "Duration", "Detail")
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		if err := table.Append(r.Check, status, fmt.Sprintf("%dms", r.DurationMS), r.Detail); err != nil {
			return err
		}
	}
	return table.Render()
}
