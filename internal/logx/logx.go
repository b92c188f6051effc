package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/retrograde/internal/errs"
)

// Options select the log sink.
type Options struct {
	// Level is a zerolog level name; empty means info.
	Level string
	// Format is "console" (default) or "json".
	Format string
	// Out defaults to stderr.
	Out io.Writer
}

// Validate checks the level and format names.
func (o Options) Validate() error {
	if _, err := parseLevel(o.Level); err != nil {
		return err
	}
	switch strings.ToLower(o.Format) {
	case "", "console", "json":
		return nil
	}
	return errs.Config("logx", "unknown log format %q", o.Format)
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, errs.Config("logx", "log level %q: %v", s, err)
	}
	return l, nil
}

// NewLogger returns a zerolog logger with timestamps and short callers.
// Invalid options fall back to the defaults; call Validate first to reject them.
func NewLogger(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(opts.Format, "json") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	zerolog.CallerMarshalFunc = shortCaller
	level, err := parseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
}

// shortCaller keeps the file name only, padded so messages line up.
func shortCaller(_ uintptr, file string, line int) string {
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%-24s", fmt.Sprintf("%s:%d", file, line))
}
