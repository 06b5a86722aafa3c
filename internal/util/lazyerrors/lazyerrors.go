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

// Package lazyerrors provides error wrapping that records the wrap site.
//
// Errors returned by this module's packages are usually wrapped with [Error] or [Errorf],
// so callers should use [errors.Is] and [errors.As] instead of comparing errors directly.
package lazyerrors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// located is an error annotated with the program counter of its creation site.
type located struct {
	err error
	pc  uintptr
}

// Error implements error interface.
func (e *located) Error() string {
	loc := location(e.pc)
	if loc == "" {
		return e.err.Error()
	}

	return "[" + loc + "] " + e.err.Error()
}

// Unwrap returns the wrapped error.
func (e *located) Unwrap() error {
	return e.err
}

// New returns a new error with the given text, annotated with the caller's location.
func New(s string) error {
	return &located{err: errors.New(s), pc: callerPC()}
}

// Error annotates err with the caller's location.
//
// It panics if err is nil.
func Error(err error) error {
	if err == nil {
		panic("lazyerrors.Error: err is nil")
	}

	return &located{err: err, pc: callerPC()}
}

// Errorf formats an error like [fmt.Errorf] and annotates it with the caller's location.
func Errorf(format string, a ...any) error {
	return &located{err: fmt.Errorf(format, a...), pc: callerPC()}
}

// callerPC returns the program counter of the function that called New, Error, or Errorf.
func callerPC() uintptr {
	var pcs [1]uintptr

	// skip runtime.Callers, callerPC, and New/Error/Errorf
	if runtime.Callers(3, pcs[:]) < 1 {
		return 0
	}

	return pcs[0]
}

// location formats pc as "file.go:line package.Function".
func location(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return "unknown"
	}

	res := filepath.Base(f.File) + ":" + strconv.Itoa(f.Line)

	if fn := f.Function; fn != "" {
		res += " " + fn[strings.LastIndex(fn, "/")+1:]
	}

	return res
}
