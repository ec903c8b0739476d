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
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger, for hosts that
// collect logrus output.
type LogrusEmitter struct {
	// Logger is the destination. If nil, logrus.StandardLogger() is used.
	Logger *logrus.Logger

	// Fields are attached to every entry.
	Fields logrus.Fields
}

// logrusLevel maps a Level to the corresponding logrus level.
func logrusLevel(level Level) logrus.Level {
	switch level {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	l := e.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	entry := l.WithTime(timestamp).WithField("caller", callerLocation(depth+1))
	if len(e.Fields) > 0 {
		entry = entry.WithFields(e.Fields)
	}
	entry.Logf(logrusLevel(level), format, v...)
}
