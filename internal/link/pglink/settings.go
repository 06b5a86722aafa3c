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

package pglink

import (
	"context"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
)

// The only supported encoding in canonical form.
const supportedEncoding = "UTF8"

// setDefaultValues sets default query parameters.
func setDefaultValues(values url.Values) {
	if !values.Has("pool_max_conns") {
		// each connection context holds a connection for a long time
		values.Set("pool_max_conns", "50")
	}

	if !values.Has("application_name") {
		values.Set("application_name", "pgcursors")
	}

	values.Set("timezone", "UTC")
}

// simplifySetting simplifies PostgreSQL setting value for comparison.
func simplifySetting(v string) string {
	return strings.ToLower(strings.ReplaceAll(v, "-", ""))
}

// checkSettings checks PostgreSQL settings.
func checkSettings(ctx context.Context, p *pgxpool.Pool, l *zap.Logger) error {
	rows, err := p.Query(ctx, "SHOW ALL")
	if err != nil {
		return lazyerrors.Error(err)
	}
	defer rows.Close()

	for rows.Next() {
		// handle variable number of columns
		values, err := rows.Values()
		if err != nil {
			return lazyerrors.Error(err)
		}

		if len(values) < 2 {
			return lazyerrors.Errorf("invalid row: %#v", values)
		}

		name, _ := values[0].(string)
		value, _ := values[1].(string)

		switch name {
		case "server_encoding", "client_encoding":
			if simplifySetting(value) != simplifySetting(supportedEncoding) {
				return lazyerrors.Errorf("%q is %q; supported value is %q", name, value, supportedEncoding)
			}

		case "standard_conforming_strings":
			// cursor names are quoted by pgx.Identifier.Sanitize
			if value != "on" {
				return lazyerrors.Errorf("%q is %q, want %q", name, value, "on")
			}

		case "server_version":

		default:
			continue
		}

		l.Debug("PostgreSQL setting", zap.String(name, value))
	}

	if err := rows.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}
