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

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// throttledLogger damps log storms from hot kernel paths. The fault
// handler is the canonical producer: a runaway thread can take
// thousands of identical unresolvable faults per second, and each one
// wants a diagnostic line. A token bucket lets a short burst through
// (the interesting part: the first faults of a storm, from distinct
// threads) and then drops the rest, counting them. The next line that
// passes carries the number dropped, so the log still shows the
// storm's magnitude without its volume.
type throttledLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

func (tl *throttledLogger) emit(f func(format string, v ...any), format string, v ...any) {
	if !tl.limit.Allow() {
		tl.suppressed.Add(1)
		return
	}
	if n := tl.suppressed.Swap(0); n > 0 {
		f(format+" (%d earlier messages suppressed)", append(v, n)...)
		return
	}
	f(format, v...)
}

func (tl *throttledLogger) Debugf(format string, v ...any) {
	tl.emit(tl.logger.Debugf, format, v...)
}

func (tl *throttledLogger) Infof(format string, v ...any) {
	tl.emit(tl.logger.Infof, format, v...)
}

func (tl *throttledLogger) Warningf(format string, v ...any) {
	tl.emit(tl.logger.Warningf, format, v...)
}

func (tl *throttledLogger) IsLogging(level Level) bool {
	return tl.logger.IsLogging(level)
}

// Throttled returns a Logger that forwards to logger at most burst
// messages at once and one per every thereafter, reporting how many
// were dropped in between. Suppression is shared across levels: a
// flood of Infof also consumes the budget of Warningf, which is the
// point — one storm, one throttle.
func Throttled(logger Logger, every time.Duration, burst int) Logger {
	if burst < 1 {
		burst = 1
	}
	return &throttledLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
