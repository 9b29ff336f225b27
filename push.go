package anchored

import (
	"context"
	"errors"
	"fmt"

	"github.com/dwaynemcyrus/anchored/internal/kv"
)

// push drains ready queue entries. Documents entries go before bodies
// entries, each group in enqueue order. An entry that is not ready, or that
// fails during this pass, holds back every later entry for the same record.
func (e *Engine) push(ctx context.Context, stats *SyncStats) error {
	entries, err := e.queue.List(ListOptions{IncludeDeferred: true, IncludeFailed: true})
	if err != nil {
		return localErr(fmt.Errorf("list queue: %w", err))
	}

	now := e.clock.Now()
	policy := e.queue.Policy()
	blocked := make(map[string]bool)
	for _, entry := range orderForPush(entries) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !policy.Ready(&entry, now) {
			blocked[entry.RecordID] = true
			continue
		}
		if !IsRemoteID(entry.RecordID) {
			if err := e.queue.Remove(entry.ID); err != nil {
				return localErr(err)
			}
			stats.Dropped++
			e.logger.Debug("dropped local-only record", "record", entry.RecordID, "table", entry.Table)
			continue
		}
		if blocked[entry.RecordID] {
			stats.Postponed++
			continue
		}

		e.logger.Debug("pushing entry",
			"entry", entry.ID,
			"table", entry.Table,
			"op", entry.Operation,
			"record", entry.RecordID,
			"age", entryAge(&entry, e.clock.Now()))

		err := e.pushEntry(ctx, &entry, stats)
		if err == nil {
			continue
		}
		if isTerminal(err) {
			return err
		}

		blocked[entry.RecordID] = true
		stats.Failures++
		updated, ferr := e.queue.RecordFailure(entry.ID, err)
		if errors.Is(ferr, ErrEntryNotFound) {
			continue
		}
		if ferr != nil {
			return localErr(ferr)
		}
		if updated.Status == QueueFailed {
			e.logger.Error("queue entry failed permanently",
				"entry", updated.ID, "record", updated.RecordID, "attempts", updated.RetryCount, "err", err)
		} else {
			e.logger.Warn("push failed, will retry",
				"entry", updated.ID, "record", updated.RecordID, "attempt", updated.RetryCount,
				"next_attempt_at", updated.NextAttemptAt, "err", err)
		}
	}
	return nil
}

// orderForPush returns documents entries then bodies entries, each in the
// order given.
func orderForPush(entries []QueueEntry) []QueueEntry {
	out := make([]QueueEntry, 0, len(entries))
	for _, t := range []Table{TableDocuments, TableBodies} {
		for _, entry := range entries {
			if entry.Table == t {
				out = append(out, entry)
			}
		}
	}
	return out
}

func (e *Engine) pushEntry(ctx context.Context, entry *QueueEntry, stats *SyncStats) error {
	switch entry.Table {
	case TableDocuments:
		return e.pushDocument(ctx, entry, stats)
	case TableBodies:
		return e.pushBody(ctx, entry, stats)
	}
	return localErr(e.queue.Remove(entry.ID))
}

func (e *Engine) pushDocument(ctx context.Context, entry *QueueEntry, stats *SyncStats) error {
	if entry.Operation == OpDelete {
		if err := e.remote.Delete(ctx, entry.RecordID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		stats.Pushed++
		return localErr(e.queue.Remove(entry.ID))
	}

	local, err := e.store.Lookup(entry.RecordID)
	if errors.Is(err, ErrNotFound) {
		// Purged locally after it was queued.
		return localErr(e.queue.Remove(entry.ID))
	}
	if err != nil {
		return localErr(err)
	}
	if !local.IsDirty() {
		// An earlier entry or a pull already confirmed this state.
		return localErr(e.queue.Remove(entry.ID))
	}

	if entry.Operation == OpInsert {
		created, err := e.remote.Insert(ctx, *local)
		switch {
		case err == nil:
			return e.confirmDocument(entry, local, created.Version, stats)
		case errors.Is(err, ErrAlreadyExists):
			// A lost response to an earlier insert; continue as an update.
		default:
			return err
		}
	}

	updated, err := e.remote.UpdateWithVersion(ctx, local.ID, *local, local.Version)
	switch {
	case err == nil:
		return e.confirmDocument(entry, local, updated.Version, stats)
	case errors.Is(err, ErrVersionConflict):
		return e.resolvePushConflict(ctx, local, stats)
	default:
		return err
	}
}

func (e *Engine) confirmDocument(entry *QueueEntry, snapshot *Document, version int64, stats *SyncStats) error {
	if _, err := e.store.confirmDocument(snapshot.ID, version, snapshot.UpdatedAt); err != nil {
		return localErr(err)
	}
	stats.Pushed++
	return localErr(e.queue.Remove(entry.ID))
}

// resolvePushConflict handles a conditional update that matched no row.
func (e *Engine) resolvePushConflict(ctx context.Context, local *Document, stats *SyncStats) error {
	remoteDoc, err := e.remote.FetchByID(ctx, local.ID)
	if errors.Is(err, ErrNotFound) {
		remoteDoc = nil
	} else if err != nil {
		return err
	}

	reason := ReasonServerDeleted
	if remoteDoc != nil && remoteDoc.DeletedAt == nil {
		if remoteDoc.Version > local.Version {
			reason = ReasonServerNewer
		} else {
			reason = ReasonVersionMismatch
		}
	}
	return e.replaceWithRemote(ctx, local, remoteDoc, reason, stats)
}

// replaceWithRemote preserves the local state of a record as a conflict
// copy and installs the remote state under the original id. A nil
// remoteDoc means the row is gone remotely and the original is removed.
// Pending queue entries of the original are dropped: its local state now
// lives in the copy.
func (e *Engine) replaceWithRemote(ctx context.Context, local *Document, remoteDoc *Document, reason ConflictReason, stats *SyncStats) error {
	var remoteBody *Body
	if remoteDoc != nil {
		bodies, err := e.remote.FetchBodiesByIDs(ctx, []string{local.ID})
		if err != nil {
			return err
		}
		if len(bodies) > 0 {
			remoteBody = &bodies[0]
		}
	}

	id := local.ID
	now := e.store.now()
	var cp *Document
	err := e.store.update(func(tx kv.Tx) error {
		current, err := getDocument(tx, id)
		if errors.Is(err, ErrNotFound) {
			current = local
		} else if err != nil {
			return err
		}
		body, err := getBody(tx, id)
		if errors.Is(err, ErrNotFound) {
			body = nil
		} else if err != nil {
			return err
		}

		cp, err = e.resolver.preserveTx(tx, *current, body, reason)
		if err != nil {
			return err
		}

		if remoteDoc == nil {
			if err := e.store.dropRecord(tx, id); err != nil {
				return err
			}
		} else {
			d := remoteDoc.Clone()
			if err := applyRemoteDocument(tx, &d, now); err != nil {
				return err
			}
			switch {
			case remoteBody != nil:
				b := *remoteBody
				b.SyncedAt = timePtr(now)
				if err := e.store.writeBody(tx, &b); err != nil {
					return err
				}
			case body != nil:
				if err := e.store.dropBody(tx, id); err != nil {
					return err
				}
			}
		}

		_, err = removeRecordTx(tx, id, TableDocuments, TableBodies)
		return err
	})
	if err != nil {
		return localErr(err)
	}

	stats.Conflicts++
	e.logger.Info("conflict copy created", "record", id, "copy", cp.ID, "reason", reason)
	return nil
}

func (e *Engine) pushBody(ctx context.Context, entry *QueueEntry, stats *SyncStats) error {
	if entry.Operation == OpDelete {
		// Remote bodies are removed with their document.
		return localErr(e.queue.Remove(entry.ID))
	}

	// Document operations for a record go out before its body.
	waiting, err := e.queue.HasRecord(TableDocuments, entry.RecordID)
	if err != nil {
		return localErr(err)
	}
	if waiting {
		stats.Postponed++
		return nil
	}

	body, err := e.store.GetBody(entry.RecordID)
	if errors.Is(err, ErrNotFound) {
		return localErr(e.queue.Remove(entry.ID))
	}
	if err != nil {
		return localErr(err)
	}
	if !body.IsDirty() {
		return localErr(e.queue.Remove(entry.ID))
	}

	if _, err := e.remote.UpsertBody(ctx, *body); err != nil {
		return err
	}
	if _, err := e.store.confirmBody(body.DocumentID, body.UpdatedAt); err != nil {
		return localErr(err)
	}
	stats.Pushed++
	return localErr(e.queue.Remove(entry.ID))
}
