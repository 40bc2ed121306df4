// Package charmlog provides an implementation of coopsync.Logger using
// charmbracelet/log, optionally writing to a rotated log file.
package charmlog

import (
	"io"
	"os"

	"github.com/Prismer-AI/coopsync"
	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Writer receives log output when Path is empty. Defaults to stderr.
	Writer io.Writer
	// Path enables file logging with rotation.
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	// JSON switches to the JSON formatter.
	JSON bool
}

// NewLogger returns the logger and a closer for the log file, which is a
// no-op when logging to Writer.
func NewLogger(opts Options) (coopsync.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.Writer != nil {
		w = opts.Writer
	}
	if opts.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			Compress:   true,
		}
		w, closer = lj, lj
	}

	lvl, err := log.ParseLevel(opts.Level)
	if err != nil {
		lvl = log.InfoLevel
	}

	logOpts := log.Options{
		Level:           lvl,
		Prefix:          "coopsync",
		ReportTimestamp: opts.Path != "",
	}
	if opts.JSON {
		logOpts.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, logOpts), closer
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
