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


// Package debugbuild reports whether this is a debug build.
//
// Debug builds are produced with the `pgcursors_debug` build tag.
package debugbuild

import (
	"fmt"
	"runtime"
	"strings"
)

// maxFrames is the maximal number of frames returned by Stack.
const maxFrames = 32

// Stack returns a formatted call stack of the function calling Stack in debug builds,
// skipping the given number of its callers.
// For non-debug builds, it returns an empty string.
func Stack(skip int) string {
	if !Enabled {
		return ""
	}

	pc := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pc)
	frames := runtime.CallersFrames(pc[:n])

	var sb strings.Builder

	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)

		if !more {
			break
		}
	}

	return sb.String()
}
