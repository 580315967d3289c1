// Copyright 2026 The vmcore Authors.
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

package log

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter emits messages through a logrus logger. Level filtering is
// done by BasicLogger, so the logrus logger itself accepts everything.
type LogrusEmitter struct {
	logger *logrus.Logger
}

// NewEmitter returns an Emitter writing to w in the given format: "text"
// (default) or "json".
func NewEmitter(format string, w io.Writer) (*LogrusEmitter, error) {
	l := logrus.New()
	l.SetOutput(&Writer{Next: w})
	l.SetLevel(logrus.DebugLevel)
	switch format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "0102 15:04:05.000000",
			DisableColors:   true,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
	}
	return &LogrusEmitter{logger: l}, nil
}

// DefaultEmitter returns a text emitter writing to w.
func DefaultEmitter(w io.Writer) *LogrusEmitter {
	e, err := NewEmitter("text", w)
	if err != nil {
		panic(err)
	}
	return e
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.logger.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:] // Trim any directory path from the file.
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Warning:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}
