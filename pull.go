package anchored

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dwaynemcyrus/anchored/internal/kv"
)

// pull applies remote documents and bodies changed since their cursors,
// then advances each cursor to the newest updated_at it observed. Documents
// and bodies are fetched in separate requests, so a write landing between
// the two must not move the other stream's cursor. Cursors never move
// backwards.
func (e *Engine) pull(ctx context.Context, stats *SyncStats) error {
	cursor, err := e.store.Cursor()
	if err != nil {
		return localErr(err)
	}
	bodyCursor, err := e.store.BodyCursor()
	if err != nil {
		return localErr(err)
	}

	docs, err := e.remote.FetchSince(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetch documents: %w", err)
	}
	newest := cursor
	for i := range docs {
		if err := e.pullDocument(ctx, &docs[i], stats); err != nil {
			return err
		}
		if docs[i].UpdatedAt.After(newest) {
			newest = docs[i].UpdatedAt
		}
	}
	if stats.Cursor, err = e.store.AdvanceCursor(newest); err != nil {
		return localErr(err)
	}

	bodies, err := e.remote.FetchBodiesSince(ctx, bodyCursor)
	if err != nil {
		return fmt.Errorf("fetch bodies: %w", err)
	}
	newestBody := bodyCursor
	for i := range bodies {
		if err := e.pullBody(&bodies[i], stats); err != nil {
			return err
		}
		if bodies[i].UpdatedAt.After(newestBody) {
			newestBody = bodies[i].UpdatedAt
		}
	}
	_, err = e.store.AdvanceBodyCursor(newestBody)
	return localErr(err)
}

func (e *Engine) pullDocument(ctx context.Context, rd *Document, stats *SyncStats) error {
	applied, dirty, err := e.store.applyRemote(*rd)
	if err != nil {
		return localErr(err)
	}
	if applied {
		stats.Pulled++
		return nil
	}
	if dirty == nil || rd.Version <= dirty.Version {
		// Local edits at the same version push on their own.
		return nil
	}

	reason := ReasonServerNewer
	if rd.DeletedAt != nil {
		reason = ReasonServerDeleted
	}
	if err := e.replaceWithRemote(ctx, dirty, rd, reason, stats); err != nil {
		return err
	}
	stats.Pulled++
	return nil
}

func (e *Engine) pullBody(rb *Body, stats *SyncStats) error {
	applied, dirty, err := e.store.applyRemoteBody(*rb)
	if err != nil {
		return localErr(err)
	}
	if applied {
		stats.PulledBodies++
		return nil
	}
	if dirty == nil {
		return nil
	}

	id := rb.DocumentID
	now := e.store.now()
	var cp *Document
	err = e.store.update(func(tx kv.Tx) error {
		doc, err := getDocument(tx, id)
		if errors.Is(err, ErrNotFound) {
			doc = orphanDocument(id, now)
		} else if err != nil {
			return err
		}
		body, err := getBody(tx, id)
		if errors.Is(err, ErrNotFound) {
			body = dirty
		} else if err != nil {
			return err
		}

		cp, err = e.resolver.preserveTx(tx, *doc, body, ReasonBodyConflict)
		if err != nil {
			return err
		}
		b := *rb
		b.SyncedAt = timePtr(now)
		if err := e.store.writeBody(tx, &b); err != nil {
			return err
		}
		_, err = removeRecordTx(tx, id, TableBodies)
		return err
	})
	if err != nil {
		return localErr(err)
	}

	stats.PulledBodies++
	stats.Conflicts++
	e.logger.Info("conflict copy created", "record", id, "copy", cp.ID, "reason", ReasonBodyConflict)
	return nil
}

// orphanDocument stands in for the metadata of a body whose document is
// missing locally, so its content can still be preserved.
func orphanDocument(id string, now time.Time) *Document {
	return &Document{
		ID:        id,
		Type:      "note",
		Title:     "Untitled",
		Status:    StatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
