package utils

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

func InitLogger(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	SetLogOutput(os.Stderr)
}

func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// logSink lets loggers derived before a redirect follow it.
type logSink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

var sink = &logSink{out: os.Stderr}

// SetLogOutput points the global console logger at w, e.g. a progress painter.
func SetLogOutput(w io.Writer) {
	sink.mu.Lock()
	sink.out = zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
		NoColor:    !IsTerminal(w),
	}
	sink.mu.Unlock()
	log.Logger = zerolog.New(sink).With().Timestamp().Logger()
}

// IsTerminal reports whether w ends up on a terminal. Writers that wrap a
// terminal can say so with a Terminal() bool method.
func IsTerminal(w io.Writer) bool {
	switch v := w.(type) {
	case *os.File:
		return term.IsTerminal(int(v.Fd()))
	case interface{ Terminal() bool }:
		return v.Terminal()
	}
	return false
}

// TerminalWidth is the column count of stderr, or fallback when unknown.
func TerminalWidth(fallback int) int {
	width, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}
