// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog logger used by the example binaries
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mobiletoly/offsync/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a level name to slog.Level; unknown names mean INFO
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup returns a logger writing to w, plus a size-rotated file when cfg.File is set.
// The returned closer flushes and closes the file.
func Setup(cfg config.Log, w io.Writer) (*slog.Logger, io.Closer) {
	if w == nil {
		w = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w = io.MultiWriter(w, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.ToUpper(cfg.Format) == "JSON" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
