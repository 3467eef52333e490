// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"

	"github.com/mysoftskill/commandfeed/command"
)

// ErrConflict is returned by Replace when the record's version token
// no longer matches the stored one: a concurrent writer got there
// first. Callers re-read and retry; the store never overwrites
// silently.
var ErrConflict = errors.New("history: version conflict")

// Store is the durable command-history store. Implementations must
// support partial-fragment reads and writes: a caller that only
// touched the status map should not pay for (or race on) the audit
// map.
type Store interface {
	// Query loads the record for commandID with the requested
	// fragments populated. Returns (nil, nil) when no record exists;
	// absence is an expected condition (commands expire), not an
	// error.
	Query(ctx context.Context, commandID command.CommandID, fragments Fragments) (*Record, error)

	// Replace persists the named fragments of record, guarded by the
	// record's version token. Returns ErrConflict when a concurrent
	// writer has replaced the record since it was read.
	Replace(ctx context.Context, record *Record, fragments Fragments) error
}
