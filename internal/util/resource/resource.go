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

// Package resource tracks lifetimes of objects that own external resources,
// such as cursors holding server-side state and dedicated database connections.
//
// Tracked objects must be released explicitly.
// If one becomes unreachable while still tracked, that is reported as a leak:
// debug builds panic, other builds log a warning.
package resource

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/FerretDB/pgcursors/internal/util/debugbuild"
)

// Token is a field of a tracked object, holding the cleanup handle and the leak message.
type Token struct {
	h   atomic.Pointer[runtime.Cleanup]
	msg string
}

// NewToken returns a new Token.
func NewToken() *Token {
	return new(Token)
}

// leaked is called by the runtime for tracked objects that were not untracked.
func leaked(t *Token) {
	if debugbuild.Enabled {
		panic(t.msg)
	}

	zap.L().Named("resource").Warn(t.msg)
}

// profilesM protects profile creation.
var profilesM sync.Mutex

// profileName returns pprof profile name for the given object.
func profileName(obj any) string {
	return "pgcursors/" + reflect.TypeOf(obj).Elem().String()
}

// profile returns existing or new pprof profile for the given object.
func profile(obj any) *pprof.Profile {
	name := profileName(obj)

	if p := pprof.Lookup(name); p != nil {
		return p
	}

	profilesM.Lock()
	defer profilesM.Unlock()

	// a concurrent call might have created a profile already; check again
	if p := pprof.Lookup(name); p != nil {
		return p
	}

	return pprof.NewProfile(name)
}

// Track tracks the lifetime of an object until Untrack is called on it.
//
// Obj should be a pointer to a struct with a field "token" of type *Token.
func Track[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	// add token instead of obj itself;
	// otherwise, the profile holds a reference to obj and the cleanup never runs
	profile(obj).Add(token, 1)

	token.msg = fmt.Sprintf("%T has not been released", obj)
	if st := debugbuild.Stack(1); st != "" {
		token.msg += "\nObject created by:\n" + st
	}

	h := runtime.AddCleanup(obj, leaked, token)
	token.h.Store(&h)
}

// Untrack stops tracking the lifetime of an object.
//
// It is safe to call this function multiple times concurrently.
func Untrack[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	h := token.h.Swap(nil)
	if h == nil {
		return
	}

	h.Stop()

	if p := pprof.Lookup(profileName(obj)); p != nil {
		p.Remove(token)
	}
}

// checkArgs checks Track and Untrack arguments.
func checkArgs(obj any, token *Token) {
	if obj == nil {
		panic("obj must not be nil")
	}

	if token == nil {
		panic("token must not be nil")
	}

	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("obj must be a pointer to struct, got %T", obj))
	}

	f := v.Elem().FieldByName("token")
	if f.Kind() != reflect.Ptr || f.UnsafePointer() != unsafe.Pointer(token) {
		panic("token must be a pointer field of a struct")
	}
}
