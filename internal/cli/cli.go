// Package cli wires the harness into a runnable conformance checker in the
// kong command-struct style.
package cli

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/MinKPark/daptest/internal/config"
)

// CLI is the top-level command tree.
type CLI struct {
	Format  string `help:"Output format: ndjson or text" enum:"ndjson,text,auto" default:"auto"`
	Quiet   bool   `short:"q" help:"Suppress informational output"`
	Verbose bool   `short:"v" help:"Enable verbose harness logging"`

	Conform ConformCmd `cmd:"" help:"Run conformance checks against a debug adapter"`
}

// Globals carries resolved global settings into command Run methods.
type Globals struct {
	Format  string
	Quiet   bool
	Verbose bool
	Config  *config.Config
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewGlobalsWithConfig resolves CLI flags against loaded configuration.
// The "auto" format picks text on a terminal and ndjson otherwise.
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	format := c.Format
	if format == "auto" {
		format = cfg.Format
		if isatty.IsTerminal(os.Stdout.Fd()) {
			format = "text"
		}
	}
	return &Globals{
		Format:  format,
		Quiet:   c.Quiet || cfg.Quiet,
		Verbose: c.Verbose || cfg.Verbose,
		Config:  cfg,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}
