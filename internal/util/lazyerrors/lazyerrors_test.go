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

package lazyerrors

import (
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocation(t *testing.T) {
	t.Parallel()

	err := New("boom")
	assert.Regexp(t, regexp.MustCompile(`^\[lazyerrors_test\.go:\d+ lazyerrors\.TestLocation\] boom$`), err.Error())

	wrapped := Errorf("wrapped: %w", err)
	assert.Regexp(
		t,
		regexp.MustCompile(`^\[lazyerrors_test\.go:\d+ lazyerrors\.TestLocation\] wrapped: \[lazyerrors_test\.go:\d+ `),
		wrapped.Error(),
	)

	closure := func() error {
		return Error(io.EOF)
	}
	assert.Regexp(t, regexp.MustCompile(`lazyerrors\.TestLocation\.func1\] EOF$`), closure().Error())
}

func TestIs(t *testing.T) {
	t.Parallel()

	err := Error(io.EOF)
	err = Errorf("read: %w", err)
	err = Error(err)

	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, io.EOF, UnwrapAll(err))
	assert.Nil(t, UnwrapAll(nil))

	var target *located
	require.True(t, errors.As(err, &target))
}

func TestErrorNil(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		_ = Error(nil)
	})
}

var drain error

func BenchmarkNew(b *testing.B) {
	for i := 0; i < b.N; i++ {
		drain = New("err")
	}

	b.StopTimer()

	assert.NotNil(b, drain)
}
