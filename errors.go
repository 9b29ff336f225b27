package anchored

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the sync core.
var (
	// ErrNotFound is returned when a document is missing or trashed.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned when creating a document whose id is taken.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrVersionConflict is returned by a Remote when a conditional update
	// matched no row. The Engine resolves it; it never reaches callers.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned by a sync run when the network is unavailable.
	ErrOffline = errors.New("network unavailable")

	// ErrEngineStopped is returned when scheduling a sync on a stopped engine.
	ErrEngineStopped = errors.New("sync engine stopped")

	// ErrNotTrashed is returned when restoring or purging a document that is
	// not in the trash.
	ErrNotTrashed = errors.New("document is not trashed")

	// ErrEntryNotFound is returned when a queue entry does not exist.
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrNoRemote is returned when syncing a client configured without a remote.
	ErrNoRemote = errors.New("no remote configured")
)

// ValidationError is returned when input or configuration is rejected.
// Validation errors are synchronous and never produce queue entries.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote operation fails with details.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("sync: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// isTerminal reports whether err means the pass cannot continue, as opposed
// to a per-entry failure that the retry policy absorbs.
func isTerminal(err error) bool {
	return errors.Is(err, errLocal) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// errLocal marks failures of the local store during a sync run. They abort
// the run instead of being charged to a queue entry.
var errLocal = errors.New("local store")

func localErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errLocal, err)
}
