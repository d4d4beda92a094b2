// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide logging capability for the
// shared-context server.
//
// This is a thin shim over log/slog. New code should inject *slog.Logger
// directly; use [Get] to obtain the underlying logger for injection.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[slog.Logger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger(os.Stderr, slog.LevelInfo))
}

// get returns the current singleton logger.
func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Initialize creates the process-wide logger. Debug level is enabled when the
// viper "debug" key is set (bound to the --debug flag by the CLI).
func Initialize() {
	level := slog.LevelInfo
	if viper.GetBool("debug") {
		level = slog.LevelDebug
	}
	singleton.Store(newLogger(os.Stderr, level))
}

// newLogger builds a slog.Logger writing to w. JSON output is the default;
// UNSTRUCTURED_LOGS=true switches to the human-readable text handler.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if unstructured, _ := strconv.ParseBool(os.Getenv("UNSTRUCTURED_LOGS")); unstructured {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugf logs a message at debug level using the singleton logger.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs a message at debug level using the singleton logger with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Info logs a message at info level using the singleton logger.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a message at info level using the singleton logger.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level using the singleton logger with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a message at warning level using the singleton logger.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level using the singleton logger with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Error logs a message at error level using the singleton logger.
func Error(msg string) {
	get().Error(msg)
}

// Errorf logs a message at error level using the singleton logger.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level using the singleton logger with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}
