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

package linktest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/util/ctxutil"
)

var (
	moveRe  = regexp.MustCompile(`^MOVE (FORWARD|BACKWARD|ABSOLUTE) (\d+) IN "([^"]+)"$`)
	fetchRe = regexp.MustCompile(`^FETCH (\d+) FROM "([^"]+)"$`)
	closeRe = regexp.MustCompile(`^CLOSE "([^"]+)"$`)
)

// serverCursor is a declared scrollable cursor.
type serverCursor struct {
	d   *dataset
	pos int // 0 is before the first row, len(rows)+1 is after the last one
}

// conn implements link.Conn.
type conn struct {
	s  *Server
	id int

	killed atomic.Bool
	busy   atomic.Bool

	m        sync.Mutex
	tx       *tx
	released bool
	cursors  map[string]*serverCursor
}

// tx implements link.Tx.
type tx struct {
	c        *conn
	onClosed func()
	once     sync.Once

	// protected by c.m
	done    bool
	aborted bool
}

// Begin implements link.Conn.
func (c *conn) Begin(ctx context.Context, opts link.TxOptions, onClosed func()) (link.Tx, error) {
	if _, err := c.s.record(c, fmt.Sprintf("BEGIN /* cursors: %t */", opts.ForCursors), nil); err != nil {
		return nil, err
	}

	if c.killed.Load() {
		return nil, ErrConnClosed
	}

	c.m.Lock()
	defer c.m.Unlock()

	if c.tx != nil && !c.tx.done {
		return nil, errors.New("linktest: transaction already in progress")
	}

	t := &tx{
		c:        c,
		onClosed: onClosed,
	}
	c.tx = t

	return t, nil
}

// Release implements link.Conn.
func (c *conn) Release() {
	c.m.Lock()

	if c.released {
		c.m.Unlock()
		panic("linktest: connection released twice")
	}

	c.released = true
	t := c.tx
	c.m.Unlock()

	if t != nil {
		t.finish()
	}

	c.s.release(c)
}

// kill closes connection and notifies its transaction asynchronously.
func (c *conn) kill() {
	if !c.killed.CompareAndSwap(false, true) {
		return
	}

	c.m.Lock()
	t := c.tx
	c.m.Unlock()

	if t != nil {
		go t.finish()
	}
}

// finish marks transaction as done and fires the notification once.
func (t *tx) finish() {
	t.c.m.Lock()
	t.done = true
	clear(t.c.cursors)
	t.c.m.Unlock()

	t.once.Do(func() {
		if t.onClosed != nil {
			t.onClosed()
		}
	})
}

// exec executes a single command.
func (t *tx) exec(ctx context.Context, sql string, args []any) (*link.ResultSet, any, error) {
	c := t.c

	if !c.busy.CompareAndSwap(false, true) {
		c.s.violations.Add(1)
	} else {
		defer c.busy.Store(false)
	}

	d, fault := c.s.record(c, sql, args)
	if d > 0 {
		ctxutil.Sleep(ctx, d)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if c.killed.Load() {
		return nil, nil, ErrConnClosed
	}

	c.m.Lock()
	defer c.m.Unlock()

	if t.done {
		return nil, nil, errors.New("linktest: transaction is closed")
	}

	if t.aborted {
		return nil, nil, errors.New("linktest: current transaction is aborted, commands ignored until end of transaction block")
	}

	if fault != nil {
		t.aborted = true
		return nil, nil, fault
	}

	rs, v, err := c.run(sql, args)
	if err != nil {
		t.aborted = true
		return nil, nil, err
	}

	return rs, v, nil
}

// run interprets a single command.
// Connection's mutex should be held by the caller.
func (c *conn) run(sql string, args []any) (*link.ResultSet, any, error) {
	if strings.HasPrefix(sql, "SELECT CreateCursorC(") {
		v, err := c.createCursor(args)
		return nil, v, err
	}

	if m := moveRe.FindStringSubmatch(sql); m != nil {
		n, _ := strconv.Atoi(m[2])

		cur := c.cursors[m[3]]
		if cur == nil {
			return nil, nil, fmt.Errorf("linktest: cursor %q does not exist", m[3])
		}

		switch m[1] {
		case "FORWARD":
			cur.pos = min(cur.pos+n, len(cur.d.rows)+1)
		case "BACKWARD":
			cur.pos = max(cur.pos-n, 0)
		default:
			cur.pos = min(n, len(cur.d.rows)+1)
		}

		return nil, nil, nil
	}

	if m := fetchRe.FindStringSubmatch(sql); m != nil {
		n, _ := strconv.Atoi(m[1])

		cur := c.cursors[m[2]]
		if cur == nil {
			return nil, nil, fmt.Errorf("linktest: cursor %q does not exist", m[2])
		}

		rs := &link.ResultSet{Columns: cur.d.columns}

		for range n {
			if cur.pos >= len(cur.d.rows) {
				cur.pos = len(cur.d.rows) + 1
				break
			}

			rs.Rows = append(rs.Rows, cur.d.rows[cur.pos])
			cur.pos++
		}

		return rs, nil, nil
	}

	if m := closeRe.FindStringSubmatch(sql); m != nil {
		if c.cursors[m[1]] == nil {
			return nil, nil, fmt.Errorf("linktest: cursor %q does not exist", m[1])
		}

		delete(c.cursors, m[1])

		return nil, nil, nil
	}

	if v, ok := c.s.lookupScalar(sql); ok {
		return nil, v, nil
	}

	if d, ok := c.s.lookupQuery(sql); ok {
		return &link.ResultSet{Columns: d.columns, Rows: d.rows}, nil, nil
	}

	// other statements (SET, temporary tables, etc.) are accepted as is
	return nil, nil, nil
}

// createCursor implements CreateCursorC server function.
func (c *conn) createCursor(args []any) (string, error) {
	if len(args) != 4 {
		return "", fmt.Errorf("linktest: CreateCursorC expects 4 arguments, got %d", len(args))
	}

	name, _ := args[0].(string)
	query, _ := args[1].(string)

	if _, ok := c.cursors[name]; ok {
		return "", fmt.Errorf("linktest: cursor %q already exists", name)
	}

	d, ok := c.s.lookupQuery(query)
	if !ok {
		return "", fmt.Errorf("linktest: unknown query %q", query)
	}

	c.cursors[name] = &serverCursor{d: d}

	if res, ok := c.s.overrideCreate(query); ok {
		return res, nil
	}

	idx := -1

	if col, ok := args[2].(string); ok && col != "" {
		ci := -1

		for i, name := range d.columns {
			if name == col {
				ci = i
				break
			}
		}

		if ci < 0 {
			return "", fmt.Errorf("linktest: column %q does not exist", col)
		}

		if id, ok := args[3].(string); ok {
			for i, row := range d.rows {
				if fmt.Sprint(row[ci]) == id {
					idx = i
					break
				}
			}
		}
	}

	return fmt.Sprintf("%d|%d", len(d.rows), idx), nil
}

// QueryScalar implements link.Executor.
func (t *tx) QueryScalar(ctx context.Context, dst any, sql string, args ...any) error {
	_, v, err := t.exec(ctx, sql, args)
	if err != nil {
		return err
	}

	if v == nil {
		return fmt.Errorf("linktest: %q returned no scalar", sql)
	}

	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("linktest: invalid destination %T", dst)
	}

	sv := reflect.ValueOf(v)
	if !sv.CanConvert(dv.Elem().Type()) {
		return fmt.Errorf("linktest: can't scan %T into %T", v, dst)
	}

	dv.Elem().Set(sv.Convert(dv.Elem().Type()))

	return nil
}

// ExecNonQuery implements link.Executor.
func (t *tx) ExecNonQuery(ctx context.Context, sql string, args ...any) error {
	_, _, err := t.exec(ctx, sql, args)
	return err
}

// Query implements link.Executor.
func (t *tx) Query(ctx context.Context, sql string, args ...any) (*link.ResultSet, error) {
	rs, _, err := t.exec(ctx, sql, args)
	if err != nil {
		return nil, err
	}

	if rs == nil {
		rs = new(link.ResultSet)
	}

	return rs, nil
}

// Commit implements link.Tx.
func (t *tx) Commit(ctx context.Context) error {
	return t.end(ctx, "COMMIT")
}

// Rollback implements link.Tx.
func (t *tx) Rollback(ctx context.Context) error {
	return t.end(ctx, "ROLLBACK")
}

// end finishes transaction with the given command.
func (t *tx) end(ctx context.Context, sql string) error {
	defer t.finish()

	if _, err := t.c.s.record(t.c, sql, nil); err != nil {
		return err
	}

	if t.c.killed.Load() {
		return ErrConnClosed
	}

	t.c.m.Lock()
	defer t.c.m.Unlock()

	if t.done {
		return errors.New("linktest: transaction is closed")
	}

	return ctx.Err()
}

// check interfaces
var (
	_ link.Conn = (*conn)(nil)
	_ link.Tx   = (*tx)(nil)
)
