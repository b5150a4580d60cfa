package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/MinKPark/daptest/internal/cli"
	"github.com/MinKPark/daptest/internal/config"
)

const quickStart = `daptest - conformance checks for debug adapters

Quick start:
  daptest conform app.py -l 12          Breakpoint round trip at line 12
  daptest conform app.py --adapter "python,-m,debugpy,--listen,127.0.0.1:{port}"

For help:
  daptest --help                        All commands and flags
`

func main() {
	// Show quick start if no args provided
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	// Load configuration from files/environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("daptest"),
		kong.Description("Verify that a debug adapter speaks its protocol correctly while controlling a live target"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	globals := cli.NewGlobalsWithConfig(&c, cfg)
	if err := ctx.Run(globals); err != nil {
		os.Exit(1)
	}
}
