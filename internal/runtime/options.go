// Package runtime carries the command-wide flags every subcommand shares:
// log level and format. The actual *logger.Logger is built per-command
// (serve's structured logger needs a service name and version that only it
// knows), so this package only validates the flags fail fast, before any
// subcommand does real work.
package runtime

import "fmt"

// Options holds the persistent flags parsed by the root command.
type Options struct {
	JSONLogs bool
	LogLevel string
}

// SetupLogger validates LogLevel against the set of levels the logger
// package understands. It exists so a bad --log-level is rejected at flag
// parsing time rather than surfacing later from inside logger.New.
func (o *Options) SetupLogger() error {
	switch o.LogLevel {
	case "", "info", "debug", "warn", "warning", "err", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", o.LogLevel)
	}
}
