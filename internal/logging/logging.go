package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. Dev environments get the console writer,
// everything else writes JSON lines to stdout.
func New(dev bool, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, dev, level)
}

func NewWithWriter(w io.Writer, dev bool, level string) zerolog.Logger {
	if dev {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
