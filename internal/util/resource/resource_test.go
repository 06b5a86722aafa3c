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

package resource

import (
	"runtime"
	"runtime/pprof"
	"testing"

	"github.com/stretchr/testify/assert"
)

type tracked struct {
	token *Token
}

type untracked struct {
	t *Token
}

func count(obj any) int {
	if p := pprof.Lookup(profileName(obj)); p != nil {
		return p.Count()
	}

	return 0
}

func TestTrack(t *testing.T) {
	// not parallel because of the shared profile

	obj := &tracked{token: NewToken()}
	before := count(obj)

	Track(obj, obj.token)
	assert.Equal(t, before+1, count(obj))

	runtime.GC()
	runtime.KeepAlive(obj)
	assert.Equal(t, before+1, count(obj))

	Untrack(obj, obj.token)
	assert.Equal(t, before, count(obj))

	assert.NotPanics(t, func() { Untrack(obj, obj.token) }, "second Untrack is a no-op")
}

func TestCheckArgs(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { Track[tracked](nil, NewToken()) })
	assert.Panics(t, func() { Track(&tracked{}, nil) })
	assert.Panics(t, func() { Track(&tracked{token: NewToken()}, NewToken()) })

	u := &untracked{t: NewToken()}
	assert.PanicsWithValue(t, "token must be a pointer field of a struct", func() { Track(u, u.t) })
}
