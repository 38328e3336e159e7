package goAuthSync

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
)

func parseLevel(s string) (log.Level, error) {
	if s == "" {
		return log.WarnLevel, nil
	}
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("Logging Level %q is invalid: %w", s, err)
	}
	return lvl, nil
}

// NewLogger returns the logger used when none is injected: timestamps on, prefixed,
// writing to w (stderr when nil).
func NewLogger(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = log.WarnLevel
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "goAuthSync",
		Level:           lvl,
	})
}
