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

package link

import (
	"slices"
)

// ResultSet contains rows returned by a query.
//
// The zero value is an empty result set without columns.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// RowCount returns the number of rows.
func (rs *ResultSet) RowCount() int {
	if rs == nil {
		return 0
	}

	return len(rs.Rows)
}

// Value returns the value of the given cell.
//
// It panics if row or col is out of range.
func (rs *ResultSet) Value(row, col int) any {
	return rs.Rows[row][col]
}

// ColumnIndex returns the index of the column with the given name, or -1.
func (rs *ResultSet) ColumnIndex(name string) int {
	if rs == nil {
		return -1
	}

	return slices.Index(rs.Columns, name)
}

// ColumnValues returns all values of the column with the given name,
// or nil if there is no such column.
func (rs *ResultSet) ColumnValues(name string) []any {
	i := rs.ColumnIndex(name)
	if i < 0 {
		return nil
	}

	res := make([]any, len(rs.Rows))
	for j, row := range rs.Rows {
		res[j] = row[i]
	}

	return res
}

// Append appends rows of other result set, adopting its columns if rs has none.
func (rs *ResultSet) Append(other *ResultSet) {
	if other == nil {
		return
	}

	if rs.Columns == nil {
		rs.Columns = other.Columns
	}

	rs.Rows = append(rs.Rows, other.Rows...)
}
