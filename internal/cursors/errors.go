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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidArgument indicates invalid offset or count, or a cursor passed to a foreign connection context.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrObjectDisposed indicates an operation on a closed cursor, inactive connection context, or closed manager.
	ErrObjectDisposed = errors.New("object disposed")

	// ErrProtocol indicates a malformed result of the CreateCursorC server function.
	ErrProtocol = errors.New("protocol error")
)

// DatabaseError is returned for failed database round-trips.
//
// The connection context that issued the failed command is disposed
// before DatabaseError is returned, so all cursors sharing it become unusable.
type DatabaseError struct {
	Op  string // failed operation, such as "FETCH" or "open"
	Err error  // underlying driver error
}

// Error implements error interface.
func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database failure: %s: %s", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// parseCreateResult parses "<rowCount>|<searchIndex>" result of CreateCursorC.
//
// Empty searchIndex means that search was not requested.
func parseCreateResult(s string) (count, index int, err error) {
	parts := strings.Split(s, "|")
	if len(parts) != 2 {
		err = fmt.Errorf("%w: CreateCursorC returned %q", ErrProtocol, s)
		return
	}

	if count, err = strconv.Atoi(parts[0]); err != nil || count < 0 {
		err = fmt.Errorf("%w: CreateCursorC returned invalid row count %q", ErrProtocol, s)
		return
	}

	if parts[1] == "" {
		index = -1
		return
	}

	if index, err = strconv.Atoi(parts[1]); err != nil || index < -1 || index >= max(count, 1) {
		err = fmt.Errorf("%w: CreateCursorC returned invalid search index %q", ErrProtocol, s)
		return
	}

	return
}
