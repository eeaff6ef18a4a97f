// Package logging builds the process logger: structured JSON records
// fanned out to stderr plus any additional sink collaborators (durable
// store, live tail). Sinks receive each record exactly once, in order.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New creates the process logger at the given level. Unknown levels fall
// back to info. Extra sinks are appended to the stderr stream via a
// multi-level writer, so per-record append ordering is preserved.
func New(level string, sinks ...io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writers := append([]io.Writer{os.Stderr}, sinks...)
	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
