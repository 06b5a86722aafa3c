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
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
	"github.com/FerretDB/pgcursors/internal/util/resource"
)

// Hook is a function executed within the connection context's transaction.
//
// It is used to prepare the session before the cursor is declared
// (for example, to create temporary tables) and to clean up after it is closed.
type Hook func(ctx context.Context, e link.Executor) error

// Cursor is a handle to a server-side scrollable cursor.
//
// Cursor belongs to exactly one connection context, which serializes all round-trips.
// Accessors are safe for concurrent use; Execute and Close may block on sibling cursors.
//
//nolint:vet // for readability
type Cursor struct {
	name                 string
	query                string
	recordCount          int
	searchResultPosition int
	created              time.Time
	cleanup              Hook

	// written under owner's mu, read without it
	position atomic.Int64
	executed atomic.Int64 // unix nanoseconds

	// row index the next FETCH starts at, protected by owner's mu;
	// differs from position after a FETCH ran past the end of the result
	serverPos int

	rw    sync.RWMutex
	owner *connContext // nil after close or owner disposal

	token *resource.Token
}

// newCursor creates a new open cursor owned by the given connection context.
func newCursor(owner *connContext, name, query string, recordCount, searchResultPosition int, cleanup Hook) *Cursor {
	now := time.Now()

	c := &Cursor{
		name:                 name,
		query:                query,
		recordCount:          recordCount,
		searchResultPosition: searchResultPosition,
		created:              now,
		cleanup:              cleanup,
		owner:                owner,
		token:                resource.NewToken(),
	}
	c.executed.Store(now.UnixNano())

	resource.Track(c, c.token)

	return c
}

// Name returns the unique server-side name of the cursor.
func (c *Cursor) Name() string {
	return c.name
}

// Query returns the SQL text the cursor was declared for.
func (c *Cursor) Query() string {
	return c.query
}

// RecordCount returns the total number of rows in the cursor's result.
func (c *Cursor) RecordCount() int {
	return c.recordCount
}

// Position returns the number of rows before the server-side cursor position.
//
// It is equal to offset + returned rows after each successful Execute.
func (c *Cursor) Position() int {
	return int(c.position.Load())
}

// SearchResultPosition returns the 0-based index of the first row matching search criteria, or -1.
func (c *Cursor) SearchResultPosition() int {
	return c.searchResultPosition
}

// Found returns true if the search found a matching row.
func (c *Cursor) Found() bool {
	return c.searchResultPosition >= 0
}

// Created returns the cursor creation time.
func (c *Cursor) Created() time.Time {
	return c.created
}

// LastExecuted returns the time of the last successful fetch, or creation time.
func (c *Cursor) LastExecuted() time.Time {
	return time.Unix(0, c.executed.Load())
}

// Execute returns up to count rows starting at 0-based offset.
//
// The window is clamped to the cursor's result.
// Empty window returns empty result set without a database round-trip.
func (c *Cursor) Execute(ctx context.Context, offset, count int) (*link.ResultSet, error) {
	return c.execute(ctx, offset, count, false)
}

// ExecuteForce is like Execute, but an empty window still checks that the connection context is usable.
func (c *Cursor) ExecuteForce(ctx context.Context, offset, count int) (*link.ResultSet, error) {
	return c.execute(ctx, offset, count, true)
}

// execute implements Execute and ExecuteForce.
func (c *Cursor) execute(ctx context.Context, offset, count int, force bool) (*link.ResultSet, error) {
	if offset < 0 || count < 0 {
		return nil, lazyerrors.Errorf("%w: offset %d, count %d", ErrInvalidArgument, offset, count)
	}

	owner := c.getOwner()
	if owner == nil {
		return nil, lazyerrors.Errorf("%w: cursor %s is closed", ErrObjectDisposed, c.name)
	}

	offset = min(offset, c.recordCount)
	count = min(count, c.recordCount-offset)

	if count == 0 && !force {
		return new(link.ResultSet), nil
	}

	return owner.fetchCursor(ctx, c, offset, count)
}

// Close closes the cursor.
//
// Closing already closed cursor is a no-op.
// If that was the last cursor of the connection context, it may be disposed.
func (c *Cursor) Close(ctx context.Context) error {
	owner := c.detach()
	if owner == nil {
		return nil
	}

	return owner.closeCursor(ctx, c)
}

// getOwner returns the owning connection context, or nil.
func (c *Cursor) getOwner() *connContext {
	c.rw.RLock()
	defer c.rw.RUnlock()

	return c.owner
}

// detach removes the cursor's owner reference and returns the previous owner.
// It returns nil if the cursor was already detached.
func (c *Cursor) detach() *connContext {
	c.rw.Lock()
	owner := c.owner
	c.owner = nil
	c.rw.Unlock()

	if owner == nil {
		return nil
	}

	resource.Untrack(c, c.token)
	owner.m.lifetime.Observe(time.Since(c.created).Seconds())

	return owner
}

// touch updates last execution time.
func (c *Cursor) touch() {
	c.executed.Store(time.Now().UnixNano())
}
