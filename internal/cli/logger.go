package cli

import "go.uber.org/zap"

// newHarnessLogger builds the zap logger sessions report through. Quiet by
// default; --verbose switches on JSON debug output.
func newHarnessLogger(globals *Globals) *zap.Logger {
	if globals == nil || !globals.Verbose {
		return zap.NewNop()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	cfg.Encoding = "json"
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
