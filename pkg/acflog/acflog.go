// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acflog wraps log/slog with a filtering handler: third-party
// library logs (go-redis, koanf, chi) are suppressed below debug level so
// an operator running at info/warn only sees the fabric's own events.
package acflog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const acfPackagePrefix = "github.com/acme/acf"

// ParseLevel converts a string log level to slog.Level. Unrecognized
// values fall back to warn, matching the teacher's conservative default.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// filteringHandler wraps a slog handler and filters third-party library
// logs. Third-party logs are only shown when log level is DEBUG.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug {
		return h.handler.Handle(ctx, record)
	}
	if h.isACFPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isACFPackage(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	fullName := fn.Name()
	file, _ := fn.FileLine(pc)
	return strings.Contains(fullName, acfPackagePrefix) || strings.Contains(file, "/acf/")
}

// New builds a fabric logger at the given level, writing text-formatted
// records to output. Third-party logs below debug are filtered out.
func New(level slog.Level, output *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.String() == "WARNING" {
				return slog.String(slog.LevelKey, "WARN")
			}
			return a
		},
	}
	base := slog.NewTextHandler(output, opts)
	return slog.New(&filteringHandler{handler: base, minLevel: level})
}

// Init sets the process-wide default logger, for libraries (and ACF code
// that calls slog.Default()) that don't hold an explicit *slog.Logger.
func Init(level slog.Level, output *os.File) *slog.Logger {
	defaultLogger = New(level, output)
	slog.SetDefault(defaultLogger)
	return defaultLogger
}

// Default returns the process-wide fabric logger, initializing one at
// info level to stderr on first use.
func Default() *slog.Logger {
	if defaultLogger == nil {
		return Init(slog.LevelInfo, os.Stderr)
	}
	return defaultLogger
}
