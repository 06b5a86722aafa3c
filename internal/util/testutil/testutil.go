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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/FerretDB/pgcursors/internal/util/ctxutil"
)

func init() {
	if !testing.Testing() {
		panic("testutil package must be used only by tests")
	}
}

// Ctx returns test context.
// It is canceled when test is finished or interrupted.
func Ctx(tb testing.TB) context.Context {
	tb.Helper()

	ctx, stop := ctxutil.SigTerm(context.Background())
	tb.Cleanup(stop)

	ctx, span := otel.Tracer("").Start(ctx, tb.Name())
	tb.Cleanup(func() {
		span.End()
	})

	return ctx
}

// nonIdentifier matches characters that are not allowed in unquoted PostgreSQL identifiers.
var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)

// DatabaseName returns a stable PostgreSQL database name for the given test.
func DatabaseName(tb testing.TB) string {
	tb.Helper()

	name := strings.ToLower(tb.Name())
	name = nonIdentifier.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	const maxLen = 63
	if len(name) > maxLen {
		name = name[len(name)-maxLen:]
	}

	return name
}
