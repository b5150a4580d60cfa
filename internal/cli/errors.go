package cli

import (
	"errors"
	"fmt"

	"github.com/MinKPark/daptest/internal/report"
)

// outputError normalizes error emission across commands, respecting ndjson
// vs text formats so scripted callers always get machine-readable failures.
func outputError(globals *Globals, code, message string) error {
	if globals != nil && globals.Format == "ndjson" {
		report.NewNDJSONWriter(globals.Stdout).WriteError(code, message)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s\n", code, message)
	}
	return errors.New(message)
}
