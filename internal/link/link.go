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

// Package link defines the database access contracts used by cursors:
// connection provider, dedicated connections, transactions, and SQL execution.
//
// The production implementation lives in the pglink package;
// linktest provides an in-memory one for tests.
package link

import (
	"context"
)

// Query is a source of SQL text, such as a rendered statement builder.
type Query interface {
	// SQL returns SQL text of the query with all values inlined.
	SQL() (string, error)
}

// Text is a Query with a fixed SQL text.
type Text string

// SQL implements Query.
func (t Text) SQL() (string, error) {
	return string(t), nil
}

// Executor executes SQL statements.
//
// Implementations are not safe for concurrent use.
type Executor interface {
	// QueryScalar executes a query that returns a single row with a single column,
	// and scans that value into dst.
	QueryScalar(ctx context.Context, dst any, sql string, args ...any) error

	// ExecNonQuery executes a statement that returns no rows.
	ExecNonQuery(ctx context.Context, sql string, args ...any) error

	// Query executes a query and returns all rows.
	Query(ctx context.Context, sql string, args ...any) (*ResultSet, error)
}

// TxOptions are transaction options.
type TxOptions struct {
	// ForCursors is true if the transaction hosts server-side cursors
	// and must provide a stable snapshot for all of them.
	ForCursors bool
}

// Tx is a transaction on a dedicated connection.
type Tx interface {
	Executor

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction.
	Rollback(ctx context.Context) error
}

// Conn is a dedicated connection, held exclusively until released.
type Conn interface {
	// Begin starts a transaction.
	//
	// The onClosed function is called exactly once when the transaction closes for any reason:
	// commit, rollback, failure, or connection loss.
	// It may be called synchronously from within other Tx methods or from another goroutine.
	Begin(ctx context.Context, opts TxOptions, onClosed func()) (Tx, error)

	// Release returns the connection to the pool it came from.
	Release()
}

// Provider provides dedicated connections.
type Provider interface {
	// OpenDedicated acquires a dedicated connection.
	//
	// It blocks while the pool is exhausted, until ctx is canceled.
	OpenDedicated(ctx context.Context) (Conn, error)

	// MaxPoolSize returns the maximum number of connections in the pool.
	MaxPoolSize() int
}
