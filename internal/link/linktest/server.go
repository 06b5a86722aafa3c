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

// Package linktest provides an in-memory implementation of link contracts for tests.
//
// Server understands the subset of SQL issued by the cursors package:
// CreateCursorC function calls, MOVE, FETCH, and CLOSE commands.
// Other statements are either answered from registered scalars or just logged.
package linktest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerretDB/pgcursors/internal/link"
)

// ErrConnClosed is returned for commands on connections killed by [Server.KillConnections].
var ErrConnClosed = errors.New("linktest: connection closed")

// Command is a logged command.
type Command struct {
	Conn int
	SQL  string
	Args []any
}

// dataset is a registered query result.
type dataset struct {
	columns []string
	rows    [][]any
}

// fault is a registered failure.
type fault struct {
	prefix string
	err    error
}

// Server is an in-memory database server and connection pool.
//
// All methods are safe for concurrent use.
//
//nolint:vet // for readability
type Server struct {
	sem chan struct{}

	rw       sync.RWMutex
	queries  map[string]*dataset
	scalars  map[string]any
	faults   []fault
	delay    func(sql string) time.Duration
	override func(sql string) (string, bool)
	log      []Command
	conns    map[*conn]struct{}

	lastID     atomic.Int32
	open       atomic.Int32
	maxOpen    atomic.Int32
	opened     atomic.Int32
	violations atomic.Int32
}

// NewServer creates a new server with a pool of the given size.
func NewServer(poolSize int) *Server {
	if poolSize < 1 {
		panic("pool size must be positive")
	}

	return &Server{
		sem:     make(chan struct{}, poolSize),
		queries: map[string]*dataset{},
		scalars: map[string]any{},
		conns:   map[*conn]struct{}{},
	}
}

// AddQuery registers the result of the given query text.
func (s *Server) AddQuery(sql string, columns []string, rows ...[]any) {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.queries[sql] = &dataset{columns: columns, rows: rows}
}

// AddScalar registers the result of the given scalar query text.
func (s *Server) AddScalar(sql string, v any) {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.scalars[sql] = v
}

// FailOn makes the next command that starts with the given prefix fail with err.
func (s *Server) FailOn(prefix string, err error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.faults = append(s.faults, fault{prefix: prefix, err: err})
}

// SetDelay sets a function that returns the execution time of each command.
func (s *Server) SetDelay(f func(sql string) time.Duration) {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.delay = f
}

// OverrideCreateCursor sets a function that may replace the CreateCursorC result for the given query text.
func (s *Server) OverrideCreateCursor(f func(sql string) (string, bool)) {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.override = f
}

// KillConnections closes all open connections, like a server administrator would.
// Transaction close notifications are delivered asynchronously.
func (s *Server) KillConnections() {
	s.rw.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.rw.RUnlock()

	for _, c := range conns {
		c.kill()
	}
}

// Log returns a copy of all executed commands.
func (s *Server) Log() []Command {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return slices.Clone(s.log)
}

// OpenConns returns the number of currently acquired connections.
func (s *Server) OpenConns() int {
	return int(s.open.Load())
}

// MaxOpenConns returns the maximum number of simultaneously acquired connections so far.
func (s *Server) MaxOpenConns() int {
	return int(s.maxOpen.Load())
}

// OpenedConns returns the total number of acquired connections so far.
func (s *Server) OpenedConns() int {
	return int(s.opened.Load())
}

// Violations returns the number of commands that were issued on a connection
// while another command was still executing on it.
func (s *Server) Violations() int {
	return int(s.violations.Load())
}

// OpenDedicated implements link.Provider.
func (s *Server) OpenDedicated(ctx context.Context) (link.Conn, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c := &conn{
		s:       s,
		id:      int(s.lastID.Add(1)),
		cursors: map[string]*serverCursor{},
	}

	s.rw.Lock()
	s.conns[c] = struct{}{}
	s.rw.Unlock()

	s.opened.Add(1)

	open := s.open.Add(1)
	for {
		m := s.maxOpen.Load()
		if open <= m || s.maxOpen.CompareAndSwap(m, open) {
			break
		}
	}

	return c, nil
}

// MaxPoolSize implements link.Provider.
func (s *Server) MaxPoolSize() int {
	return cap(s.sem)
}

// release returns connection's slot to the pool.
func (s *Server) release(c *conn) {
	s.rw.Lock()
	delete(s.conns, c)
	s.rw.Unlock()

	s.open.Add(-1)
	<-s.sem
}

// record logs the command and returns its delay and the fault, if any.
func (s *Server) record(c *conn, sql string, args []any) (time.Duration, error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.log = append(s.log, Command{Conn: c.id, SQL: sql, Args: args})

	var d time.Duration
	if s.delay != nil {
		d = s.delay(sql)
	}

	for i, f := range s.faults {
		if strings.HasPrefix(sql, f.prefix) {
			s.faults = slices.Delete(s.faults, i, i+1)
			return d, f.err
		}
	}

	return d, nil
}

// lookupQuery returns registered dataset for the given query text.
func (s *Server) lookupQuery(sql string) (*dataset, bool) {
	s.rw.RLock()
	defer s.rw.RUnlock()

	d, ok := s.queries[sql]

	return d, ok
}

// lookupScalar returns registered scalar for the given query text.
func (s *Server) lookupScalar(sql string) (any, bool) {
	s.rw.RLock()
	defer s.rw.RUnlock()

	v, ok := s.scalars[sql]

	return v, ok
}

// overrideCreate returns the CreateCursorC override for the given query text.
func (s *Server) overrideCreate(sql string) (string, bool) {
	s.rw.RLock()
	f := s.override
	s.rw.RUnlock()

	if f == nil {
		return "", false
	}

	return f(sql)
}

// check interfaces
var (
	_ link.Provider = (*Server)(nil)
)

// String implements fmt.Stringer.
func (cmd Command) String() string {
	if len(cmd.Args) == 0 {
		return fmt.Sprintf("#%d %s", cmd.Conn, cmd.SQL)
	}

	return fmt.Sprintf("#%d %s %v", cmd.Conn, cmd.SQL, cmd.Args)
}
