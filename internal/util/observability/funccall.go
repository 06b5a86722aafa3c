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


package observability

import (
	"context"
	"runtime"
	"runtime/trace"
	"strings"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// modulePrefix is trimmed from function names.
const modulePrefix = "github.com/FerretDB/pgcursors/"

// FuncCall marks a function call for the Go execution tracer and the current OpenTelemetry span.
//
// It should be called at the very beginning of the function,
// and returned function should be called at exit:
//
//	func foo(ctx context.Context) {
//	    defer FuncCall(ctx)()
//	    // ...
//
// The region is created only when the execution tracer is enabled;
// span events are added only when the span is recording.
func FuncCall(ctx context.Context) func() {
	span := oteltrace.SpanFromContext(ctx)
	recording := span.IsRecording()

	if !recording && !trace.IsEnabled() {
		return func() {}
	}

	name := callerName(2)

	if recording {
		span.AddEvent(name)
	}

	if !trace.IsEnabled() {
		return func() {}
	}

	return trace.StartRegion(ctx, name).End
}

// callerName returns the short name of the function skip frames above callerName's caller.
func callerName(skip int) string {
	pc := make([]uintptr, 1)
	runtime.Callers(skip+1, pc)
	f, _ := runtime.CallersFrames(pc).Next()

	return strings.TrimPrefix(f.Function, modulePrefix)
}
