package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/MinKPark/daptest/internal/pattern"
	"github.com/MinKPark/daptest/internal/report"
	"github.com/MinKPark/daptest/internal/session"
)

// ConformCmd launches a target under a debug adapter and runs a basic
// request/event conformance pass: handshake, breakpoint configuration,
// stop-and-inspect round trip, clean shutdown.
type ConformCmd struct {
	Target      string   `arg:"" required:"" help:"Program file to debug"`
	Adapter     []string `help:"Adapter argv prefix; '{port}' expands to the protocol port (default from config)"`
	Args        []string `help:"Arguments passed to the target program"`
	Cwd         string   `help:"Working directory for the target"`
	Line        int      `short:"l" help:"Line to set a breakpoint on; enables the stop-and-inspect check"`
	StartMethod string   `default:"launch" enum:"launch,attach_socket_cmdline" help:"How to bring the target under control"`
	Timeout     string   `help:"Per-wait timeout (default from config)"`
}

// Run executes the conform command.
func (c *ConformCmd) Run(globals *Globals) error {
	timeout, err := c.resolveTimeout(globals)
	if err != nil {
		return outputError(globals, "INVALID_TIMEOUT", err.Error())
	}
	adapter := c.Adapter
	if len(adapter) == 0 {
		adapter = globals.Config.Defaults.Adapter
	}
	if len(adapter) == 0 {
		return outputError(globals, "NO_ADAPTER", "no adapter command given via --adapter or config")
	}

	sess := session.New(newHarnessLogger(globals))
	defer sess.Stop()

	var results []report.Result
	check := func(name string, fn func() error) bool {
		start := time.Now()
		err := fn()
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		results = append(results, report.NewResult(name, err == nil, detail, time.Since(start)))
		return err == nil
	}

	ok := check("handshake", func() error {
		return sess.Initialize(session.Options{
			Target:           c.Target,
			StartMethod:      session.StartMethod(c.StartMethod),
			ProgramArgs:      c.Args,
			Cwd:              c.Cwd,
			Adapter:          adapter,
			ExpectedExitCode: pattern.Any,
			Timeout:          timeout,
		})
	})

	if ok && c.Line > 0 {
		check("breakpoint verification", func() error {
			bps, err := sess.SetBreakpoints(c.Target, []int{c.Line})
			if err != nil {
				return err
			}
			if !bps[0].Verified {
				return fmt.Errorf("line %d not verified: %s", c.Line, bps[0].Message)
			}
			return nil
		})
	}

	if ok {
		ok = check("configuration done", sess.StartDebugging)
	}

	if ok && c.Line > 0 {
		check("stop and inspect", func() error {
			hit, err := sess.WaitForThreadStopped("breakpoint")
			if err != nil {
				return err
			}
			if len(hit.Frames) == 0 {
				return errors.New("stopped with an empty stack trace")
			}
			if err := pattern.Match(pattern.DictWith(map[string]any{
				"id":   pattern.ID,
				"line": c.Line,
			}), hit.Frames[0]); err != nil {
				return err
			}
			return sess.Continue(hit.ThreadID)
		})
	}

	if ok {
		check("shutdown", sess.WaitForExit)
	}

	return c.emit(globals, results)
}

func (c *ConformCmd) resolveTimeout(globals *Globals) (time.Duration, error) {
	raw := c.Timeout
	if raw == "" {
		raw = globals.Config.Defaults.Timeout
	}
	if raw == "" {
		return session.DefaultTimeout, nil
	}
	return time.ParseDuration(raw)
}

func (c *ConformCmd) emit(globals *Globals, results []report.Result) error {
	passed, failed := 0, 0
	for _, r := range results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}

	if globals.Format == "ndjson" {
		w := report.NewNDJSONWriter(globals.Stdout)
		for _, r := range results {
			if err := w.WriteResult(r); err != nil {
				return err
			}
		}
		if err := w.WriteSummary(passed, failed); err != nil {
			return err
		}
	} else {
		if err := report.RenderTable(globals.Stdout, results); err != nil {
			return err
		}
		if !globals.Quiet {
			fmt.Fprintf(globals.Stdout, "%d passed, %d failed\n", passed, failed)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d conformance checks failed", failed)
	}
	return nil
}
