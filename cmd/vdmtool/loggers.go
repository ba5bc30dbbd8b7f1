package main

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// initLogger returns the logger for a run, writing to stderr or to a rotating
// logfile. The returned func must be called once logging is done.
func initLogger(logfile string, verbose bool, stderr io.Writer, run string) (*slog.Logger, func() error) {
	w := stderr
	closeLog := func() error { return nil }
	if logfile != "" {
		lj := &lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    5, // megabytes
			MaxBackups: 3,
		}
		w, closeLog = lj, lj.Close
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("run", run), closeLog
}
