package anchored

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dwaynemcyrus/anchored/internal/kv"
)

// Queue is the durable, ordered log of pending local-to-remote mutations.
// It shares the store's backend so conflict resolution can enqueue in the
// same transaction that writes the conflict copy.
type Queue struct {
	store  *Store
	policy RetryPolicy
	ids    *entryIDs
}

// NewQueue creates a queue persisted in store's backend.
func NewQueue(store *Store, policy RetryPolicy) *Queue {
	return &Queue{
		store:  store,
		policy: policy.WithDefaults(),
		ids:    newEntryIDs(),
	}
}

// Policy returns the retry policy applied by RecordFailure.
func (q *Queue) Policy() RetryPolicy { return q.policy }

// Enqueue appends an entry. ID, Timestamp and Status are assigned here;
// any values set by the caller are ignored.
func (q *Queue) Enqueue(e QueueEntry) (*QueueEntry, error) {
	if err := validateEntry(&e); err != nil {
		return nil, err
	}
	err := q.store.update(func(tx kv.Tx) error {
		return q.enqueueTx(tx, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func validateEntry(e *QueueEntry) error {
	switch e.Table {
	case TableDocuments, TableBodies:
	default:
		return &ValidationError{Field: "table", Message: fmt.Sprintf("unknown table %q", e.Table)}
	}
	switch e.Operation {
	case OpUpsert, OpInsert, OpDelete:
	default:
		return &ValidationError{Field: "operation", Message: fmt.Sprintf("unknown operation %q", e.Operation)}
	}
	if e.RecordID == "" {
		return &ValidationError{Field: "record_id", Message: "required"}
	}
	return nil
}

func (q *Queue) enqueueTx(tx kv.Tx, e *QueueEntry) error {
	now := q.store.clock.Now().UTC()
	e.ID = q.ids.next(now)
	e.Timestamp = now
	e.Status = QueuePending
	e.RetryCount = 0
	e.LastError = ""
	e.NextAttemptAt = nil
	return putEntry(tx, e)
}

// List returns entries in enqueue order. By default only entries ready for
// an attempt are returned: deferred and failed entries are excluded.
func (q *Queue) List(opts ListOptions) ([]QueueEntry, error) {
	now := q.store.clock.Now()
	var out []QueueEntry
	err := q.store.view(func(tx kv.Tx) error {
		return scanEntries(tx, func(e QueueEntry) error {
			if e.Status == QueueFailed {
				if opts.IncludeFailed {
					out = append(out, e)
				}
				return nil
			}
			if opts.IncludeDeferred || q.policy.Ready(&e, now) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

// Get returns one entry.
func (q *Queue) Get(id string) (*QueueEntry, error) {
	var e *QueueEntry
	err := q.store.view(func(tx kv.Tx) error {
		var err error
		e, err = getEntry(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Remove deletes an entry after it has been applied remotely. Removing an
// entry that no longer exists is a no-op.
func (q *Queue) Remove(id string) error {
	return q.store.update(func(tx kv.Tx) error {
		return tx.Delete(kv.Queue, id)
	})
}

// RemoveRecord deletes every entry for a record in table and returns how
// many were removed.
func (q *Queue) RemoveRecord(table Table, recordID string) (int, error) {
	var n int
	err := q.store.update(func(tx kv.Tx) error {
		var err error
		n, err = removeRecordTx(tx, recordID, table)
		return err
	})
	return n, err
}

// HasRecord reports whether any entry, failed ones included, exists for a
// record in table.
func (q *Queue) HasRecord(table Table, recordID string) (bool, error) {
	found := false
	err := q.store.view(func(tx kv.Tx) error {
		return scanRecordEntries(tx, recordID, func(e QueueEntry) error {
			if e.Table == table {
				found = true
				return kv.ErrStop
			}
			return nil
		})
	})
	return found, err
}

// RecordFailure applies the retry policy to an entry after a failed
// attempt and returns the updated entry.
func (q *Queue) RecordFailure(id string, cause error) (*QueueEntry, error) {
	return q.modify(id, func(e *QueueEntry) {
		q.policy.Fail(e, cause, q.store.clock.Now().UTC())
	})
}

// Failed returns entries that exhausted their retries, oldest first.
func (q *Queue) Failed() ([]QueueEntry, error) {
	var out []QueueEntry
	err := q.store.view(func(tx kv.Tx) error {
		return scanEntries(tx, func(e QueueEntry) error {
			if e.Status == QueueFailed {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

// Retry re-arms an entry so the next push pass attempts it immediately.
// It is the operator's way out of the failed state.
func (q *Queue) Retry(id string) (*QueueEntry, error) {
	return q.modify(id, q.policy.Rearm)
}

// Dismiss removes an entry without applying it. The record stays dirty
// locally.
func (q *Queue) Dismiss(id string) error {
	return q.store.update(func(tx kv.Tx) error {
		if _, err := getEntry(tx, id); err != nil {
			return err
		}
		return tx.Delete(kv.Queue, id)
	})
}

// Counts tallies entries by status.
func (q *Queue) Counts() (QueueCounts, error) {
	var c QueueCounts
	err := q.store.view(func(tx kv.Tx) error {
		return scanEntries(tx, func(e QueueEntry) error {
			switch e.Status {
			case QueueFailed:
				c.Failed++
			case QueueRetrying:
				c.Retrying++
			default:
				c.Pending++
			}
			return nil
		})
	})
	return c, err
}

func (q *Queue) modify(id string, fn func(e *QueueEntry)) (*QueueEntry, error) {
	var out *QueueEntry
	err := q.store.update(func(tx kv.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		fn(e)
		out = e
		return putEntry(tx, e)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sortEntries(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
}

// removeRecordTx deletes the entries of a record in the given tables.
func removeRecordTx(tx kv.Tx, recordID string, tables ...Table) (int, error) {
	var ids []string
	err := scanRecordEntries(tx, recordID, func(e QueueEntry) error {
		for _, t := range tables {
			if e.Table == t {
				ids = append(ids, e.ID)
				break
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := tx.Delete(kv.Queue, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func getEntry(tx kv.Tx, id string) (*QueueEntry, error) {
	raw, err := tx.Get(kv.Queue, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get entry %s: %w", id, err)
	}
	var e QueueEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("queue: decode entry %s: %w", id, err)
	}
	return &e, nil
}

func putEntry(tx kv.Tx, e *QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: encode entry %s: %w", e.ID, err)
	}
	return tx.Put(kv.Queue, e.ID, raw)
}

func scanEntries(tx kv.Tx, fn func(e QueueEntry) error) error {
	return tx.Scan(kv.Queue, func(key string, raw []byte) error {
		var e QueueEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("queue: decode entry %s: %w", key, err)
		}
		return fn(e)
	})
}

// scanRecordEntries visits the entries of one record through the
// record index.
func scanRecordEntries(tx kv.Tx, recordID string, fn func(e QueueEntry) error) error {
	return tx.ScanRecord(kv.Queue, recordID, func(key string, raw []byte) error {
		var e QueueEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("queue: decode entry %s: %w", key, err)
		}
		return fn(e)
	})
}

// snapshot encodes a payload for a queue entry.
func snapshot(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// entryAge is how long an entry has waited since it was enqueued.
func entryAge(e *QueueEntry, now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}
