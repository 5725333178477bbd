// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Management operation wraps exactly
// one of them and can be tested with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrConflict        = errors.New("conflict")
	ErrPrecondition    = errors.New("precondition failed")
	ErrUnknownEntity   = errors.New("unknown entity")
	ErrIOFailure       = errors.New("i/o failure")
	ErrInvalidStreamId = errors.New("invalid stream id")
)

var (
	ErrDuplicateName        = fmt.Errorf("%w: duplicate name", ErrConflict)
	ErrDuplicateAddressPort = fmt.Errorf("%w: duplicate address and port", ErrConflict)

	ErrStillStarted             = fmt.Errorf("%w: still started", ErrPrecondition)
	ErrMustBeStopped            = fmt.Errorf("%w: must be stopped", ErrPrecondition)
	ErrAssociationsStillStarted = fmt.Errorf("%w: associations still started", ErrPrecondition)
	ErrNotConnected             = fmt.Errorf("%w: not connected", ErrPrecondition)
	ErrManagementNotStarted     = fmt.Errorf("%w: management not started", ErrPrecondition)

	ErrUnknownServer      = fmt.Errorf("%w: unknown server", ErrUnknownEntity)
	ErrUnknownAssociation = fmt.Errorf("%w: unknown association", ErrUnknownEntity)
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrValidation, "ValidationError"},
	{ErrConflict, "ConflictError"},
	{ErrPrecondition, "PreconditionError"},
	{ErrUnknownEntity, "UnknownEntity"},
	{ErrIOFailure, "IOFailure"},
	{ErrInvalidStreamId, "InvalidStreamId"},
}

// ErrorKind names the kind of an error, e.g., "ConflictError". Errors outside
// this package's taxonomy are reported as "InternalError".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind.err) {
			return kind.name
		}
	}
	return "InternalError"
}
