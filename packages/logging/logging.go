// Package logging builds the go-ethereum structured logger used across the
// sweeper.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
)

const (
	FormatTerminal = "terminal"
	FormatLogfmt   = "logfmt"
	FormatJSON     = "json"
)

// NewHandler returns a handler writing to w at the given level. Terminal
// output is coloured only when w is a TTY.
func NewHandler(w io.Writer, level, format string) (slog.Handler, error) {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	switch format {
	case FormatTerminal, "":
		return log.NewTerminalHandlerWithLevel(w, lvl, useColor(w)), nil
	case FormatLogfmt:
		return log.LogfmtHandlerWithLevel(w, lvl), nil
	case FormatJSON:
		return log.JSONHandlerWithLevel(w, lvl), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// New builds a logger on w and installs it as the process default.
func New(w io.Writer, level, format string) (log.Logger, error) {
	h, err := NewHandler(w, level, format)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogger(h)
	log.SetDefault(logger)
	return logger, nil
}

func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
