package anchored

import (
	"strings"
	"time"

	"github.com/dwaynemcyrus/anchored/internal/kv"
)

// Conflict copy markers.
const (
	ConflictTag         = "conflict"
	ConflictTitleSuffix = " (Conflict copy)"

	FrontmatterConflictOf     = "conflictOf"
	FrontmatterConflictAt     = "conflictAt"
	FrontmatterConflictReason = "conflictReason"
)

// NewConflictCopy synthesizes a new document holding the local divergent
// state of doc. The copy has a fresh id and is dirty, so it syncs as an
// ordinary document. body may be nil.
func NewConflictCopy(doc Document, body *Body, reason ConflictReason, now time.Time, clientID string) (Document, *Body) {
	now = now.UTC()
	cp := doc.Clone()
	cp.ID = NewDocumentID()
	cp.Version = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.ClientID = clientID
	cp.SyncedAt = nil

	if cp.Frontmatter == nil {
		cp.Frontmatter = Frontmatter{}
	}
	cp.Frontmatter[FrontmatterConflictOf] = doc.ID
	cp.Frontmatter[FrontmatterConflictAt] = now.Format(time.RFC3339)
	cp.Frontmatter[FrontmatterConflictReason] = string(reason)

	cp.Tags = NormalizeTags(append(cp.Tags, ConflictTag))
	if !strings.HasSuffix(cp.Title, ConflictTitleSuffix) {
		cp.Title += ConflictTitleSuffix
	}

	if body == nil {
		return cp, nil
	}
	return cp, &Body{
		DocumentID: cp.ID,
		Content:    body.Content,
		UpdatedAt:  now,
	}
}

// Resolver persists conflict copies. Remote state always wins for the
// original id; the local divergent state survives as a new document.
type Resolver struct {
	store   *Store
	queue   *Queue
	metrics *Metrics
}

// NewResolver creates a resolver writing to store and queue.
func NewResolver(store *Store, queue *Queue, metrics *Metrics) *Resolver {
	return &Resolver{store: store, queue: queue, metrics: metrics}
}

// Preserve stores a conflict copy of doc and enqueues it for insert, plus a
// body upsert when body is non-nil, all in one transaction.
func (r *Resolver) Preserve(doc Document, body *Body, reason ConflictReason) (*Document, error) {
	var cp *Document
	err := r.store.update(func(tx kv.Tx) error {
		var err error
		cp, err = r.preserveTx(tx, doc, body, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (r *Resolver) preserveTx(tx kv.Tx, doc Document, body *Body, reason ConflictReason) (*Document, error) {
	cp, cpBody := NewConflictCopy(doc, body, reason, r.store.now(), r.store.clientID)

	if err := putDocument(tx, &cp); err != nil {
		return nil, err
	}
	if err := r.queue.enqueueTx(tx, &QueueEntry{
		Table:     TableDocuments,
		RecordID:  cp.ID,
		Operation: OpInsert,
		Payload:   snapshot(cp),
	}); err != nil {
		return nil, err
	}

	if cpBody != nil {
		if err := putBody(tx, cpBody); err != nil {
			return nil, err
		}
		if err := r.queue.enqueueTx(tx, &QueueEntry{
			Table:     TableBodies,
			RecordID:  cp.ID,
			Operation: OpUpsert,
			Payload:   snapshot(cpBody),
		}); err != nil {
			return nil, err
		}
	}

	r.metrics.conflict(reason)
	return &cp, nil
}
