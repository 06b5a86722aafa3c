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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
)

// conn implements link.Conn.
type conn struct {
	c *pgxpool.Conn
	l *zap.Logger

	released atomic.Bool

	m  sync.Mutex
	tx *tx
}

// newConn wraps acquired pool connection.
func newConn(c *pgxpool.Conn, l *zap.Logger) *conn {
	return &conn{
		c: c,
		l: l,
	}
}

// Begin implements link.Conn.
func (c *conn) Begin(ctx context.Context, opts link.TxOptions, onClosed func()) (link.Tx, error) {
	var txOpts pgx.TxOptions

	// all cursors of the transaction see the same snapshot
	if opts.ForCursors {
		txOpts.IsoLevel = pgx.RepeatableRead
	}

	pt, err := c.c.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	t := &tx{
		t:        pt,
		c:        c,
		onClosed: onClosed,
	}

	c.m.Lock()
	c.tx = t
	c.m.Unlock()

	return t, nil
}

// Release implements link.Conn.
//
// Connection with an unfinished transaction is closed by the pool instead of being reused.
func (c *conn) Release() {
	if c.released.Swap(true) {
		return
	}

	c.m.Lock()
	t := c.tx
	c.m.Unlock()

	c.c.Release()

	if t != nil {
		t.closed()
	}
}

// tx implements link.Tx.
type tx struct {
	t        pgx.Tx
	c        *conn
	onClosed func()
	once     sync.Once
}

// closed fires the transaction close notification once.
func (t *tx) closed() {
	t.once.Do(func() {
		if t.onClosed != nil {
			t.onClosed()
		}
	})
}

// check notifies about closed transaction if err means that the connection
// or the transaction is no longer usable, and returns err annotated with the caller's location.
func (t *tx) check(err error) error {
	if t.c.c.Conn().IsClosed() || isFatal(err) {
		t.c.l.Debug("Transaction is no longer usable", zap.Error(err))
		t.closed()
	}

	return lazyerrors.Error(err)
}

// isFatal returns true if err terminates the session.
func isFatal(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return pgconn.SafeToRetry(err) || errors.Is(err, pgx.ErrTxClosed)
	}

	switch {
	case pgerrcode.IsConnectionException(pgErr.Code):
		return true
	case pgErr.Code == pgerrcode.AdminShutdown, pgErr.Code == pgerrcode.IdleInTransactionSessionTimeout:
		return true
	default:
		return false
	}
}

// execArgs returns arguments for pgx query methods.
//
// Statements without parameters (MOVE, FETCH, CLOSE with unique cursor names)
// use the simple protocol so they do not fill the statement cache.
func execArgs(args []any) []any {
	if len(args) == 0 {
		return []any{pgx.QueryExecModeSimpleProtocol}
	}

	return args
}

// QueryScalar implements link.Executor.
func (t *tx) QueryScalar(ctx context.Context, dst any, sql string, args ...any) error {
	if err := t.t.QueryRow(ctx, sql, execArgs(args)...).Scan(dst); err != nil {
		return t.check(err)
	}

	return nil
}

// ExecNonQuery implements link.Executor.
func (t *tx) ExecNonQuery(ctx context.Context, sql string, args ...any) error {
	if _, err := t.t.Exec(ctx, sql, execArgs(args)...); err != nil {
		return t.check(err)
	}

	return nil
}

// Query implements link.Executor.
func (t *tx) Query(ctx context.Context, sql string, args ...any) (*link.ResultSet, error) {
	rows, err := t.t.Query(ctx, sql, execArgs(args)...)
	if err != nil {
		return nil, t.check(err)
	}

	values, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]any, error) {
		return row.Values()
	})
	if err != nil {
		return nil, t.check(err)
	}

	fields := rows.FieldDescriptions()

	res := &link.ResultSet{
		Columns: make([]string, len(fields)),
		Rows:    values,
	}

	for i, f := range fields {
		res.Columns[i] = f.Name
	}

	return res, nil
}

// Commit implements link.Tx.
func (t *tx) Commit(ctx context.Context) error {
	defer t.closed()

	if err := t.t.Commit(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// Rollback implements link.Tx.
func (t *tx) Rollback(ctx context.Context) error {
	defer t.closed()

	if err := t.t.Rollback(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// check interfaces
var (
	_ link.Conn = (*conn)(nil)
	_ link.Tx   = (*tx)(nil)
)
