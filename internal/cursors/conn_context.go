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

package cursors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
	"github.com/FerretDB/pgcursors/internal/util/observability"
)

// createCursorSQL calls the server function that declares a scrollable cursor.
const createCursorSQL = "SELECT CreateCursorC($1, $2, $3, $4)"

// rollbackTimeout limits the best-effort rollback on disposal.
const rollbackTimeout = 3 * time.Second

// Disposal reasons used in logs and metrics.
const (
	reasonIdle     = "idle"
	reasonRotation = "rotation"
	reasonFailure  = "failure"
	reasonTxClosed = "tx_closed"
	reasonCleared  = "cleared"
)

// connContext is a dedicated connection with one long-lived transaction
// that hosts cursors.
//
// Lock order: Manager.newConnMu, then mu, then Manager.mu.
// The rw lock protects only the cursors map and is never held while acquiring other locks.
//
//nolint:vet // for readability
type connContext struct {
	m       *Manager
	l       *zap.Logger
	started time.Time

	// serializes all database round-trips
	mu   sync.Mutex
	conn link.Conn
	tx   link.Tx

	rw      sync.RWMutex
	cursors map[string]*Cursor

	isNew     atomic.Bool // connection was not attempted yet
	active    atomic.Bool // transaction is open and usable
	executing atomic.Bool // round-trip is in progress
	doomed    atomic.Bool // must not be chosen for new cursors
	disposed  atomic.Bool

	// number of admitted cursor creations that have not finished yet;
	// changed under Manager.mu
	pending atomic.Int32
}

// newConnContext creates a new connection context without a connection.
func newConnContext(m *Manager, id int64) *connContext {
	c := &connContext{
		m:       m,
		l:       m.l.With(zap.Int64("context", id)),
		started: time.Now(),
		cursors: map[string]*Cursor{},
	}
	c.isNew.Store(true)

	return c
}

// tryCreateConnection opens a dedicated connection and begins a transaction,
// unless that was done already.
//
// Openings are serialized across the whole Manager.
// On failure, the context is disposed.
func (c *connContext) tryCreateConnection(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	c.m.newConnMu.Lock()
	defer c.m.newConnMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	if c.disposed.Load() {
		return lazyerrors.Errorf("%w: connection context is disposed", ErrObjectDisposed)
	}

	c.executing.Store(true)
	defer c.executing.Store(false)

	conn, err := c.m.p.OpenDedicated(ctx)
	if err != nil {
		c.disposeLocked(reasonFailure)
		c.isNew.Store(false)

		return lazyerrors.Error(&DatabaseError{Op: "open", Err: err})
	}

	tx, err := conn.Begin(ctx, link.TxOptions{ForCursors: true}, c.onTxClosed)
	if err != nil {
		conn.Release()
		c.disposeLocked(reasonFailure)
		c.isNew.Store(false)

		return lazyerrors.Error(&DatabaseError{Op: "begin", Err: err})
	}

	c.conn, c.tx = conn, tx
	c.active.Store(true)
	c.isNew.Store(false)

	c.l.Debug("Connection opened")

	return nil
}

// onTxClosed is called by the link layer when the transaction ends outside of our control.
func (c *connContext) onTxClosed() {
	if !c.active.Swap(false) {
		return
	}

	c.l.Warn("Transaction closed unexpectedly")

	go c.dispose(reasonTxClosed)
}

// createCursor declares a new cursor within the context's transaction.
//
// On any failure the context is disposed.
func (c *connContext) createCursor(ctx context.Context, params *CreateParams) (*Cursor, error) {
	defer observability.FuncCall(ctx)()

	if !c.active.Load() {
		return nil, lazyerrors.Errorf("%w: connection context is not active", ErrObjectDisposed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active.Load() {
		return nil, lazyerrors.Errorf("%w: connection context is not active", ErrObjectDisposed)
	}

	c.executing.Store(true)
	defer c.executing.Store(false)

	cur, err := c.createCursorLocked(ctx, params)
	if err != nil {
		c.disposeLocked(reasonFailure)
		return nil, err
	}

	c.rw.Lock()
	c.cursors[cur.name] = cur
	c.rw.Unlock()

	c.l.Debug(
		"Cursor created",
		zap.String("cursor", cur.name), zap.Int("records", cur.recordCount), zap.Int("search", cur.searchResultPosition),
	)

	return cur, nil
}

// createCursorLocked performs round-trips of createCursor.
// The caller must hold mu.
func (c *connContext) createCursorLocked(ctx context.Context, params *CreateParams) (*Cursor, error) {
	if params.Before != nil {
		if err := params.Before(ctx, c.tx); err != nil {
			return nil, lazyerrors.Error(dbError("before hook", err))
		}
	}

	query, err := params.Query.SQL()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	var column, id any
	if params.SearchColumn != "" {
		column = params.SearchColumn

		if params.SearchID != nil {
			id = *params.SearchID
		}
	}

	name := c.m.nextName()

	var res string
	if err = c.tx.QueryScalar(ctx, &res, createCursorSQL, name, query, column, id); err != nil {
		return nil, lazyerrors.Error(&DatabaseError{Op: "CreateCursorC", Err: err})
	}

	count, index, err := parseCreateResult(res)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if params.CountQuery != nil {
		var countSQL string
		if countSQL, err = params.CountQuery.SQL(); err != nil {
			return nil, lazyerrors.Error(err)
		}

		var n int64
		if err = c.tx.QueryScalar(ctx, &n, countSQL); err != nil {
			return nil, lazyerrors.Error(&DatabaseError{Op: "count", Err: err})
		}

		// the cursor can't return more rows than it holds
		if n < 0 || n > int64(count) {
			return nil, lazyerrors.Errorf("%w: count query returned %d for %d rows", ErrProtocol, n, count)
		}

		count = int(n)
	}

	return newCursor(c, name, query, count, index, params.After), nil
}

// fetchCursor positions the cursor at offset and fetches count rows.
//
// On database failure the context is disposed.
func (c *connContext) fetchCursor(ctx context.Context, cur *Cursor, offset, count int) (*link.ResultSet, error) {
	defer observability.FuncCall(ctx)()

	switch cur.getOwner() {
	case c:
	case nil:
		return nil, lazyerrors.Errorf("%w: cursor %s is closed", ErrObjectDisposed, cur.name)
	default:
		return nil, lazyerrors.Errorf("%w: cursor %s does not belong to this connection context", ErrInvalidArgument, cur.name)
	}

	if offset < 0 || count < 0 || offset+count > cur.recordCount {
		return nil, lazyerrors.Errorf(
			"%w: window [%d, %d) is out of range [0, %d)", ErrInvalidArgument, offset, offset+count, cur.recordCount,
		)
	}

	if !c.active.Load() {
		return nil, lazyerrors.Errorf("%w: connection context is not active", ErrObjectDisposed)
	}

	if cur.recordCount == 0 || count == 0 {
		return new(link.ResultSet), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active.Load() || c.getCursor(cur.name) == nil {
		return nil, lazyerrors.Errorf("%w: cursor %s is closed", ErrObjectDisposed, cur.name)
	}

	c.executing.Store(true)
	defer c.executing.Store(false)

	rs, err := c.fetchCursorLocked(ctx, cur, offset, count)
	if err != nil {
		c.disposeLocked(reasonFailure)
		return nil, err
	}

	return rs, nil
}

// fetchCursorLocked performs round-trips of fetchCursor.
// The caller must hold mu.
func (c *connContext) fetchCursorLocked(ctx context.Context, cur *Cursor, offset, count int) (*link.ResultSet, error) {
	name := pgx.Identifier{cur.name}.Sanitize()

	var move string

	switch pos := cur.serverPos; {
	case pos < 0:
		move = fmt.Sprintf("MOVE ABSOLUTE %d IN %s", offset, name)
	case offset > pos:
		move = fmt.Sprintf("MOVE FORWARD %d IN %s", offset-pos, name)
	case offset < pos:
		move = fmt.Sprintf("MOVE BACKWARD %d IN %s", pos-offset, name)
	}

	if move != "" {
		if err := c.tx.ExecNonQuery(ctx, move); err != nil {
			return nil, lazyerrors.Error(&DatabaseError{Op: "MOVE", Err: err})
		}
	}

	cur.serverPos = offset
	cur.position.Store(int64(offset))

	rs, err := c.tx.Query(ctx, fmt.Sprintf("FETCH %d FROM %s", count, name))
	if err != nil {
		return nil, lazyerrors.Error(&DatabaseError{Op: "FETCH", Err: err})
	}

	n := rs.RowCount()

	// a short FETCH leaves the server-side cursor after the last row;
	// if nothing was returned, the last row is not known
	switch {
	case n == count:
		cur.serverPos = offset + n
	case n > 0:
		cur.serverPos = offset + n + 1
	default:
		cur.serverPos = -1
	}

	cur.position.Store(int64(offset + n))
	cur.touch()

	return rs, nil
}

// closeCursor closes the given cursor and runs its cleanup hook.
//
// The context is disposed if that was its last cursor and no creations are pending.
func (c *connContext) closeCursor(ctx context.Context, cur *Cursor) error {
	c.rw.Lock()
	_, ok := c.cursors[cur.name]
	delete(c.cursors, cur.name)
	remaining := len(c.cursors)
	c.rw.Unlock()

	if !ok {
		return nil
	}

	var err error

	if c.active.Load() {
		c.mu.Lock()

		if c.active.Load() {
			c.executing.Store(true)

			if err = c.closeCursorLocked(ctx, cur); err != nil {
				c.disposeLocked(reasonFailure)
			}

			c.executing.Store(false)
		}

		c.mu.Unlock()
	}

	c.l.Debug("Cursor closed", zap.String("cursor", cur.name), zap.Int("remaining", remaining), zap.Error(err))

	if err != nil {
		return err
	}

	if remaining == 0 && c.m.shouldDispose(c) {
		c.dispose(reasonIdle)
	}

	return nil
}

// closeCursorLocked performs round-trips of closeCursor.
// The caller must hold mu.
func (c *connContext) closeCursorLocked(ctx context.Context, cur *Cursor) error {
	if err := c.tx.ExecNonQuery(ctx, "CLOSE "+pgx.Identifier{cur.name}.Sanitize()); err != nil {
		return lazyerrors.Error(&DatabaseError{Op: "CLOSE", Err: err})
	}

	if cur.cleanup != nil {
		if err := cur.cleanup(ctx, c.tx); err != nil {
			return lazyerrors.Error(dbError("after hook", err))
		}
	}

	return nil
}

// getCursor returns the open cursor with the given name, or nil.
func (c *connContext) getCursor(name string) *Cursor {
	c.rw.RLock()
	defer c.rw.RUnlock()

	return c.cursors[name]
}

// cursorCount returns the number of open cursors.
func (c *connContext) cursorCount() int {
	c.rw.RLock()
	defer c.rw.RUnlock()

	return len(c.cursors)
}

// dispose ends the transaction, releases the connection, and removes the context from the Manager.
//
// It waits for the in-flight round-trip, if any. It is idempotent.
func (c *connContext) dispose(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disposeLocked(reason)
}

// disposeLocked implements dispose.
// The caller must hold mu.
func (c *connContext) disposeLocked(reason string) {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	c.active.Store(false)

	c.rw.Lock()
	cursors := c.cursors
	c.cursors = map[string]*Cursor{}
	c.rw.Unlock()

	for _, cur := range cursors {
		cur.detach()
	}

	if c.tx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		if err := c.tx.Rollback(ctx); err != nil {
			c.l.Debug("Rollback failed", zap.Error(err))
		}
		cancel()

		c.tx = nil
	}

	if c.conn != nil {
		c.conn.Release()
		c.conn = nil
	}

	c.l.Debug(
		"Connection context disposed",
		zap.String("reason", reason), zap.Int("cursors", len(cursors)), zap.Duration("age", time.Since(c.started)),
	)

	c.m.remove(c, reason)
}

// dbError wraps hook errors that are not already classified.
func dbError(op string, err error) error {
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) || errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrObjectDisposed) {
		return err
	}

	return &DatabaseError{Op: op, Err: err}
}
