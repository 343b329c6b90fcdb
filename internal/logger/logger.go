package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Options struct {
	// Level is a zerolog level name. Empty means info.
	Level string
	// Format is FormatConsole or FormatJSON. Empty means json.
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(opts.Format) {
	case "", FormatJSON:
	case FormatConsole:
		out = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = opts.Output
			if w.Out == nil {
				w.Out = os.Stderr
			}
			w.TimeFormat = "15:04:05.000"
			w.NoColor = opts.Output != nil
		})
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", opts.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
