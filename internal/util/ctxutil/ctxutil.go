// Copyright 2021 FerretDB Inc.
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

// Package ctxutil provides context helpers.
package ctxutil

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SigTerm returns a copy of the parent context that is marked done
// (its Done channel is closed) when termination signal arrives,
// when the returned stop function is called, or when the parent context's
// Done channel is closed, whichever happens first.
func SigTerm(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Sleep pauses the current goroutine until d has passed or ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// DurationWithJitter returns an exponential backoff duration based on attempt with random "full jitter".
// The result is in [1ms, limit].
//
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/.
func DurationWithJitter(limit time.Duration, attempt int64) time.Duration {
	const base = time.Millisecond

	if limit < base {
		limit = base
	}

	if attempt < 1 {
		attempt = 1
	}

	upper := limit
	if attempt < 32 {
		if d := base << attempt; d > 0 && d < limit {
			upper = d
		}
	}

	return base + rand.N(upper-base+1)
}
