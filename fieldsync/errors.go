// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

// Sentinels for facade callers
var (
	ErrSyncInProgress   = errors.New("sync cycle already in progress")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrConflictResolved = errors.New("conflict already resolved")
	ErrChangeNotFound   = errors.New("change record not found")
	ErrClosed           = errors.New("sync engine has been closed")
	ErrInvalidChange    = errors.New("invalid change")
	ErrInvalidStrategy  = errors.New("invalid sync strategy")
	ErrNotDeadLettered  = errors.New("change record is not dead-lettered")
	ErrRequeueBlocked   = errors.New("entity already has a live change record")
)

// NetworkError is a transient failure talking to the remote store. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a payload the remote store rejected. Not retryable.
type ValidationError struct {
	EntityType string
	EntityID   string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s/%s: %v", e.EntityType, e.EntityID, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// ExhaustedRetriesError marks a change that failed more than retry_attempts times.
// The record stays dead-lettered until requeued.
type ExhaustedRetriesError struct {
	ChangeID string
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("change %s exhausted %d attempts: %v", e.ChangeID, e.Attempts, e.Last)
}
func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// classifyRemoteError maps a remote store error into the engine taxonomy.
// Revision mismatches are returned unchanged: they are conflicts, not failures.
func classifyRemoteError(op, entityType, entityID string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, remote.ErrRevisionMismatch), errors.Is(err, remote.ErrNotFound):
		return err
	case errors.Is(err, remote.ErrInvalid), errors.Is(err, remote.ErrMissingRevision):
		return &ValidationError{EntityType: entityType, EntityID: entityID, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &NetworkError{Op: op, Err: err}
	}
}

func isValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func isNotFound(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}
