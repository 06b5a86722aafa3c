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
	"strings"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/link/linktest"
	"github.com/FerretDB/pgcursors/internal/util/testutil"
)

// usersQuery is a registered query with four rows.
const usersQuery = link.Text("SELECT id, name FROM users ORDER BY id")

// setup returns a new server with registered users query and a Manager using it.
func setup(t *testing.T, poolSize int, params *NewManagerParams) (*linktest.Server, *Manager) {
	t.Helper()

	s := linktest.NewServer(poolSize)
	s.AddQuery(
		string(usersQuery),
		[]string{"id", "name"},
		[]any{int64(1), "alice"},
		[]any{int64(2), "bob"},
		[]any{int64(3), "carol"},
		[]any{int64(4), "dave"},
	)

	if params == nil {
		params = new(NewManagerParams)
	}

	params.Provider = s
	params.L = testutil.Logger(t)

	m, err := NewManager(params)
	require.NoError(t, err)

	t.Cleanup(m.Close)

	return s, m
}

// ids returns values of id column.
func ids(rs *link.ResultSet) []any {
	res := rs.ColumnValues("id")
	if res == nil {
		res = []any{}
	}

	return res
}

// commands returns SQL texts of logged commands that start with the given prefix.
func commands(s *linktest.Server, prefix string) []string {
	var res []string

	for _, cmd := range s.Log() {
		if strings.HasPrefix(cmd.SQL, prefix) {
			res = append(res, cmd.SQL)
		}
	}

	return res
}

func TestParseCreateResult(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		s     string
		count int
		index int
		err   bool
	}{
		"NoSearch":    {s: "4|-1", count: 4, index: -1},
		"Found":       {s: "4|2", count: 4, index: 2},
		"EmptyIndex":  {s: "4|", count: 4, index: -1},
		"Empty":       {s: "0|-1", count: 0, index: -1},
		"NoSeparator": {s: "4", err: true},
		"TooMany":     {s: "4|1|2", err: true},
		"BadCount":    {s: "four|1", err: true},
		"Negative":    {s: "-1|-1", err: true},
		"OutOfRange":  {s: "4|4", err: true},
		"BadIndex":    {s: "4|x", err: true},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			count, index, err := parseCreateResult(tc.s)
			if tc.err {
				require.ErrorIs(t, err, ErrProtocol)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.count, count)
			assert.Equal(t, tc.index, index)
		})
	}
}

func TestCursorExecute(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	c, err := m.CreateCursor(ctx, &CreateParams{
		Query:        usersQuery,
		SearchColumn: "id",
		SearchID:     pointer.ToString("3"),
	})
	require.NoError(t, err)

	assert.Equal(t, string(usersQuery), c.Query())
	assert.Equal(t, 4, c.RecordCount())
	assert.Equal(t, 2, c.SearchResultPosition())
	assert.True(t, c.Found())
	assert.Equal(t, 0, c.Position())
	assert.True(t, m.ContainsCursor(c.Name()))
	assert.Same(t, c, m.GetCursor(c.Name()))
	assert.Equal(t, 1, m.CursorCount())
	assert.Equal(t, 1, m.ConnectionCount())

	name := fmt.Sprintf("%q", c.Name())

	rs, err := c.Execute(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, ids(rs))
	assert.Equal(t, 2, c.Position())

	rs, err = c.Execute(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3)}, ids(rs))
	assert.Equal(t, 3, c.Position())

	rs, err = c.Execute(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(4)}, ids(rs))
	assert.Equal(t, 4, c.Position())

	rs, err = c.Execute(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, ids(rs))
	assert.Equal(t, 1, c.Position())

	expected := []string{
		"FETCH 2 FROM " + name,
		"MOVE BACKWARD 1 IN " + name,
		"FETCH 2 FROM " + name,
		"FETCH 1 FROM " + name,
		"MOVE BACKWARD 4 IN " + name,
		"FETCH 1 FROM " + name,
	}

	var actual []string
	for _, cmd := range s.Log() {
		if strings.HasPrefix(cmd.SQL, "MOVE ") || strings.HasPrefix(cmd.SQL, "FETCH ") {
			actual = append(actual, cmd.SQL)
		}
	}
	assert.Equal(t, expected, actual)

	t.Run("EmptyWindow", func(t *testing.T) {
		before := len(s.Log())

		rs, err := c.Execute(ctx, 4, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, rs.RowCount())

		rs, err = c.Execute(ctx, 100, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, rs.RowCount())

		rs, err = c.ExecuteForce(ctx, 4, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, rs.RowCount())

		assert.Len(t, s.Log(), before, "empty windows must not hit the database")
		assert.Equal(t, 1, c.Position())
	})

	t.Run("InvalidArgument", func(t *testing.T) {
		_, err := c.Execute(ctx, -1, 1)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = c.Execute(ctx, 0, -1)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		owner := c.getOwner()
		require.NotNil(t, owner)

		_, err = owner.fetchCursor(ctx, c, 3, 2)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	require.NoError(t, c.Close(ctx))
}

func TestCursorNotFound(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	_, m := setup(t, 4, nil)

	c, err := m.CreateCursor(ctx, &CreateParams{
		Query:        usersQuery,
		SearchColumn: "id",
		SearchID:     pointer.ToString("42"),
	})
	require.NoError(t, err)

	assert.Equal(t, -1, c.SearchResultPosition())
	assert.False(t, c.Found())

	c2, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)
	assert.Equal(t, -1, c2.SearchResultPosition())
	assert.NotEqual(t, c.Name(), c2.Name())

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c2.Close(ctx))
}

func TestCursorClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	var cleanups int

	c, err := m.CreateCursor(ctx, &CreateParams{
		Query: usersQuery,
		Before: func(ctx context.Context, e link.Executor) error {
			return e.ExecNonQuery(ctx, "CREATE TEMPORARY TABLE filter (id bigint)")
		},
		After: func(ctx context.Context, e link.Executor) error {
			cleanups++
			return e.ExecNonQuery(ctx, "DROP TABLE filter")
		},
	})
	require.NoError(t, err)

	_, err = c.Execute(ctx, 0, 1)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	assert.Equal(t, 1, cleanups)
	assert.False(t, m.ContainsCursor(c.Name()))
	assert.Nil(t, m.GetCursor(c.Name()))
	assert.Equal(t, 0, m.CursorCount())
	assert.Equal(t, 0, m.ConnectionCount(), "idle connection context must be disposed")
	assert.Equal(t, 0, s.OpenConns())

	assert.Equal(t, []string{"CLOSE " + fmt.Sprintf("%q", c.Name())}, commands(s, "CLOSE "))
	assert.Equal(t, []string{"DROP TABLE filter"}, commands(s, "DROP "))
	assert.Len(t, commands(s, "ROLLBACK"), 1)

	_, err = c.Execute(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrObjectDisposed)

	_, err = c.ExecuteForce(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrObjectDisposed)
}

func TestSharedConnectionContext(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	cursors := make([]*Cursor, 3)

	for i := range cursors {
		c, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
		require.NoError(t, err)

		cursors[i] = c
	}

	assert.Equal(t, 1, m.ConnectionCount())
	assert.Equal(t, 1, s.OpenedConns())
	assert.Equal(t, 3, m.CursorCount())

	for i, c := range cursors {
		rs, err := c.Execute(ctx, i, 1)
		require.NoError(t, err)
		assert.Equal(t, []any{int64(i + 1)}, ids(rs))
	}

	for i, c := range cursors {
		require.NoError(t, c.Close(ctx))
		assert.Equal(t, len(cursors)-i-1, m.CursorCount())
	}

	assert.Equal(t, 0, m.ConnectionCount())
	assert.Equal(t, 0, s.OpenConns())
}

func TestCountQuery(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	const countQuery = "SELECT count(*) FROM users WHERE id <= 2"
	s.AddScalar(countQuery, int64(2))

	c, err := m.CreateCursor(ctx, &CreateParams{
		Query:      usersQuery,
		CountQuery: link.Text(countQuery),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, c.RecordCount())

	rs, err := c.Execute(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, ids(rs))

	require.NoError(t, c.Close(ctx))
}

func TestCountQueryExceedsRows(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	const countQuery = "SELECT 6"
	s.AddScalar(countQuery, int64(6))

	_, err := m.CreateCursor(ctx, &CreateParams{
		Query:      usersQuery,
		CountQuery: link.Text(countQuery),
	})
	require.ErrorIs(t, err, ErrProtocol)

	assert.Equal(t, 0, m.ConnectionCount())
	assert.Equal(t, 0, s.OpenConns())
}

func TestShortFetch(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	// the server reports more rows than the query returns
	s.OverrideCreateCursor(func(string) (string, bool) {
		return "6|", true
	})

	c, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)
	require.Equal(t, 6, c.RecordCount())

	for _, tc := range []struct {
		offset   int
		count    int
		expected []any
		position int
	}{
		{offset: 2, count: 4, expected: []any{int64(3), int64(4)}, position: 4},
		{offset: 0, count: 1, expected: []any{int64(1)}, position: 1},
		{offset: 4, count: 2, expected: []any{}, position: 4},
		{offset: 1, count: 2, expected: []any{int64(2), int64(3)}, position: 3},
		{offset: 3, count: 3, expected: []any{int64(4)}, position: 4},
		{offset: 2, count: 1, expected: []any{int64(3)}, position: 3},
	} {
		rs, err := c.Execute(ctx, tc.offset, tc.count)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, ids(rs), "offset %d, count %d", tc.offset, tc.count)
		assert.Equal(t, tc.position, c.Position(), "offset %d, count %d", tc.offset, tc.count)
	}

	name := fmt.Sprintf("%q", c.Name())
	expected := []string{
		"MOVE FORWARD 2 IN " + name,
		"MOVE BACKWARD 5 IN " + name,
		"MOVE FORWARD 3 IN " + name,
		"MOVE ABSOLUTE 1 IN " + name,
		"MOVE BACKWARD 3 IN " + name,
	}
	assert.Equal(t, expected, commands(s, "MOVE "))

	require.NoError(t, c.Close(ctx))
}

func TestFetchClosedCursor(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	_, m := setup(t, 4, nil)
	_, other := setup(t, 4, nil)

	c1, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	c2, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	foreign, err := other.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	owner := c1.getOwner()
	require.NotNil(t, owner)

	// Execute got the owner just before a concurrent Close detached it
	require.NoError(t, c1.Close(ctx))

	_, err = owner.fetchCursor(ctx, c1, 0, 1)
	assert.ErrorIs(t, err, ErrObjectDisposed)

	_, err = owner.fetchCursor(ctx, foreign, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	rs, err := c2.Execute(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, ids(rs))

	require.NoError(t, c2.Close(ctx))
	require.NoError(t, foreign.Close(ctx))
}

func TestDatabaseFailure(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	c1, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	c2, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	require.Same(t, c1.getOwner(), c2.getOwner())

	boom := errors.New("boom")
	s.FailOn("FETCH", boom)

	_, err = c1.Execute(ctx, 0, 2)

	var dbErr *DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "FETCH", dbErr.Op)
	assert.ErrorIs(t, err, boom)

	_, err = c2.Execute(ctx, 0, 2)
	assert.ErrorIs(t, err, ErrObjectDisposed)

	assert.Equal(t, 0, m.CursorCount())
	assert.Equal(t, 0, m.ConnectionCount())
	assert.Equal(t, 0, s.OpenConns())

	require.NoError(t, c1.Close(ctx))
	require.NoError(t, c2.Close(ctx))

	c3, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	rs, err := c3.Execute(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, ids(rs))

	require.NoError(t, c3.Close(ctx))
}

func TestCreateFailure(t *testing.T) {
	t.Parallel()

	t.Run("Protocol", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		s, m := setup(t, 4, nil)

		s.OverrideCreateCursor(func(string) (string, bool) {
			return "garbage", true
		})

		_, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
		require.ErrorIs(t, err, ErrProtocol)

		assert.Equal(t, 0, m.ConnectionCount())
		assert.Equal(t, 0, s.OpenConns())
	})

	t.Run("Database", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		s, m := setup(t, 4, nil)

		_, err := m.CreateCursor(ctx, &CreateParams{Query: link.Text("SELECT * FROM missing")})

		var dbErr *DatabaseError
		require.ErrorAs(t, err, &dbErr)
		assert.Equal(t, "CreateCursorC", dbErr.Op)

		assert.Equal(t, 0, m.ConnectionCount())
		assert.Equal(t, 0, s.OpenConns())
	})

	t.Run("BeforeHook", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		s, m := setup(t, 4, nil)

		c1, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
		require.NoError(t, err)

		hookErr := errors.New("hook failed")

		_, err = m.CreateCursor(ctx, &CreateParams{
			Query: usersQuery,
			Before: func(context.Context, link.Executor) error {
				return hookErr
			},
		})
		require.ErrorIs(t, err, hookErr)

		var dbErr *DatabaseError
		require.ErrorAs(t, err, &dbErr)

		// sibling cursor shared the failed connection context
		_, err = c1.Execute(ctx, 0, 1)
		assert.ErrorIs(t, err, ErrObjectDisposed)

		assert.Equal(t, 0, m.ConnectionCount())
		assert.Equal(t, 0, s.OpenConns())
	})

	t.Run("InvalidParams", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		s, m := setup(t, 4, nil)

		_, err := m.CreateCursor(ctx, nil)
		require.ErrorIs(t, err, ErrInvalidArgument)

		_, err = m.CreateCursor(ctx, new(CreateParams))
		require.ErrorIs(t, err, ErrInvalidArgument)

		assert.Empty(t, s.Log())
	})
}

func TestKillConnections(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	c, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	s.KillConnections()

	require.Eventually(t, func() bool {
		return m.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, s.OpenConns())

	_, err = c.Execute(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrObjectDisposed)
	require.NoError(t, c.Close(ctx))
}

func TestManagerClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, &NewManagerParams{TransactionTimeout: time.Minute})

	c, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)
	assert.True(t, m.IsActive())

	m.Close()
	m.Close()

	assert.False(t, m.IsActive())
	assert.Equal(t, 0, m.ConnectionCount())
	assert.Equal(t, 0, s.OpenConns())

	_, err = c.Execute(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrObjectDisposed)

	_, err = m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	assert.ErrorIs(t, err, ErrObjectDisposed)
}

func TestClear(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	s, m := setup(t, 4, nil)

	c, err := m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)

	m.Clear()

	assert.True(t, m.IsActive())
	assert.Equal(t, 0, m.ConnectionCount())
	assert.Equal(t, 0, m.CursorCount())
	assert.Equal(t, 0, s.OpenConns())

	_, err = c.Execute(ctx, 0, 1)
	assert.ErrorIs(t, err, ErrObjectDisposed)

	c, err = m.CreateCursor(ctx, &CreateParams{Query: usersQuery})
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))
}

func TestNewManager(t *testing.T) {
	t.Parallel()

	_, err := NewManager(new(NewManagerParams))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewManager(&NewManagerParams{
		Provider:           linktest.NewServer(1),
		TransactionTimeout: -time.Second,
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, m := setup(t, 8, &NewManagerParams{ActiveTransactionLimit: 3})

	assert.Equal(t, 3, m.ActiveTransactionLimit())
	assert.Equal(t, time.Duration(0), m.TransactionTimeout())
	assert.Equal(t, 3, m.maxConnections(0))

	m.SetActiveTransactionLimit(20)
	assert.Equal(t, 8, m.maxConnections(0))

	m.SetTransactionTimeout(time.Minute)
	assert.Equal(t, time.Minute, m.TransactionTimeout())
	assert.Equal(t, 4, m.maxConnections(m.TransactionTimeout()))

	m.SetActiveTransactionLimit(3)
	assert.Equal(t, 3, m.maxConnections(m.TransactionTimeout()))

	m.SetActiveTransactionLimit(-1)
	assert.Equal(t, 0, m.ActiveTransactionLimit())
}
