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


package testutil

import (
	"sync"
	"testing"
)

// Stress runs f in n goroutines at once and waits for all of them to return.
//
// Goroutines are started first and released together,
// so calls of f overlap as much as the scheduler allows.
// f gets the goroutine's index.
func Stress(tb testing.TB, n int, f func(i int)) {
	tb.Helper()

	if n <= 0 {
		tb.Fatalf("invalid number of goroutines: %d", n)
	}

	var ready, done sync.WaitGroup
	start := make(chan struct{})

	ready.Add(n)
	done.Add(n)

	for i := range n {
		go func() {
			// f may call runtime.Goexit via tb.FailNow
			defer done.Done()

			ready.Done()
			<-start

			f(i)
		}()
	}

	ready.Wait()
	close(start)

	done.Wait()
}
