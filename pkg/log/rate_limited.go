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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled is a Logger for hot paths such as region searches and TLB
// refills. It passes at most burst messages per interval to the underlying
// logger and counts the rest; the next message let through carries the
// count.
//
// Messages at a level the underlying logger ignores neither consume the
// budget nor count as dropped.
type Throttled struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

// NewThrottled returns a Throttled logger writing to logger.
func NewThrottled(logger Logger, every time.Duration, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}

// Throttle returns a Throttled logger writing to the global logger, one
// message per interval. The global logger is looked up per message, so the
// result may be created before SetTarget is called.
func Throttle(every time.Duration) *Throttled {
	return NewThrottled(globalLogger{}, every, 1)
}

// Dropped returns the number of messages suppressed since the last one let
// through.
func (t *Throttled) Dropped() uint64 {
	return t.dropped.Load()
}

// Debugf implements Logger.Debugf.
func (t *Throttled) Debugf(format string, v ...any) {
	if format, v, ok := t.admit(Debug, format, v); ok {
		t.logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (t *Throttled) Infof(format string, v ...any) {
	if format, v, ok := t.admit(Info, format, v); ok {
		t.logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (t *Throttled) Warningf(format string, v ...any) {
	if format, v, ok := t.admit(Warning, format, v); ok {
		t.logger.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (t *Throttled) IsLogging(level Level) bool {
	return t.logger.IsLogging(level)
}

func (t *Throttled) admit(level Level, format string, v []any) (string, []any, bool) {
	if !t.logger.IsLogging(level) {
		return "", nil, false
	}
	if !t.limit.Allow() {
		t.dropped.Add(1)
		return "", nil, false
	}
	if n := t.dropped.Swap(0); n > 0 {
		return format + " (%d similar messages suppressed)", append(v[:len(v):len(v)], n), true
	}
	return format, v, true
}

// globalLogger forwards to the logger installed at the time of each message.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) { Log().DebugfAtDepth(2, format, v...) }

func (globalLogger) Infof(format string, v ...any) { Log().InfofAtDepth(2, format, v...) }

func (globalLogger) Warningf(format string, v ...any) { Log().WarningfAtDepth(2, format, v...) }

func (globalLogger) IsLogging(level Level) bool { return Log().IsLogging(level) }
