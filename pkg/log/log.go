// Copyright 2023 The Ukern Authors.
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

// Package log implements a leveled logger used by the kernel packages.
//
// The default target writes to stderr. Packages log through the
// package-level helpers or through a Logger obtained from Log().
package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level uint32

// The following levels are fixed, and can never be changed. Since
// levels are implicitly comparable the verbosity rises with the value.
const (
	// Warning indicates that output should be produced.
	Warning Level = iota

	// Info indicates that output should be produced.
	Info

	// Debug indicates that output should be produced.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// Logger is a high-level logging interface. Within the log package it
// is implemented by BasicLogger and wrapped by Throttled; it is also
// provided for others to provide contextual loggers that may append
// some additional information to log statements.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged.
	IsLogging(level Level) bool
}

// BasicLogger logs to an io.Writer with a timestamp and level prefix.
type BasicLogger struct {
	Level
	Emitter io.Writer
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.emit(Debug, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.emit(Info, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.emit(Warning, format, v...)
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return level <= l.Level
}

func (l *BasicLogger) emit(level Level, format string, v ...any) {
	if !l.IsLogging(level) {
		return
	}
	prefix := fmt.Sprintf("%c%s] ", level.String()[0], time.Now().Format(time.StampMicro))
	fmt.Fprintf(l.Emitter, prefix+format+"\n", v...)
}

var logger atomic.Pointer[BasicLogger]

func init() {
	logger.Store(&BasicLogger{Level: Info, Emitter: os.Stderr})
}

// Log retrieves the global logger.
func Log() Logger {
	return logger.Load()
}

// SetTarget sets the log target and level for the global logger.
func SetTarget(w io.Writer, level Level) {
	logger.Store(&BasicLogger{Level: level, Emitter: w})
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	logger.Load().Debugf(format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	logger.Load().Infof(format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	logger.Load().Warningf(format, v...)
}

// IsLogging returns whether the global logger is logging.
func IsLogging(level Level) bool {
	return logger.Load().IsLogging(level)
}
