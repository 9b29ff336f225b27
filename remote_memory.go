package anchored

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dwaynemcyrus/anchored/internal/clock"
)

// Remote operation names, used by MemoryRemote call counting and hooks.
const (
	OpFetchSince        = "fetch_since"
	OpFetchBodiesSince  = "fetch_bodies_since"
	OpFetchByID         = "fetch_by_id"
	OpFetchBodiesByIDs  = "fetch_bodies_by_ids"
	OpInsertRemote      = "insert"
	OpUpdateWithVersion = "update_with_version"
	OpDeleteRemote      = "delete"
	OpUpsertBody        = "upsert_body"
	OpPing              = "ping"
)

// MemoryRemote is an in-process canonical datastore with the same
// semantics as the Postgres and REST adapters. It backs tests and local
// demos. Rows are stored in wire form, with tags folded into frontmatter.
type MemoryRemote struct {
	clock clock.Clock

	mu     sync.Mutex
	docs   map[string]Document
	bodies map[string]Body
	calls  map[string]int
	last   time.Time

	// Hook, when set, runs before every operation. A non-nil error fails
	// the operation without touching state.
	Hook func(ctx context.Context, op, id string) error
}

var _ Remote = (*MemoryRemote)(nil)

// NewMemoryRemote creates an empty remote. A nil clock uses the real one.
func NewMemoryRemote(c clock.Clock) *MemoryRemote {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryRemote{
		clock:  c,
		docs:   make(map[string]Document),
		bodies: make(map[string]Body),
		calls:  make(map[string]int),
	}
}

func (m *MemoryRemote) begin(ctx context.Context, op, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := m.hook(); hook != nil {
		if err := hook(ctx, op, id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryRemote) hook() func(context.Context, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Hook
}

// SetHook replaces the hook safely while the remote is in use.
func (m *MemoryRemote) SetHook(fn func(ctx context.Context, op, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hook = fn
}

// stamp returns a server timestamp strictly after the previous one.
func (m *MemoryRemote) stamp() time.Time {
	t := m.clock.Now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

// FetchSince returns documents updated after cursor, oldest first.
func (m *MemoryRemote) FetchSince(ctx context.Context, cursor time.Time) ([]Document, error) {
	if err := m.begin(ctx, OpFetchSince, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Document
	for _, row := range m.docs {
		if row.UpdatedAt.After(cursor) {
			out = append(out, fromWire(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FetchBodiesSince returns bodies updated after cursor, oldest first.
func (m *MemoryRemote) FetchBodiesSince(ctx context.Context, cursor time.Time) ([]Body, error) {
	if err := m.begin(ctx, OpFetchBodiesSince, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Body
	for _, b := range m.bodies {
		if b.UpdatedAt.After(cursor) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out, nil
}

// FetchByID returns one document or ErrNotFound.
func (m *MemoryRemote) FetchByID(ctx context.Context, id string) (*Document, error) {
	if err := m.begin(ctx, OpFetchByID, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	doc := fromWire(row)
	return &doc, nil
}

// FetchBodiesByIDs returns the bodies that exist for ids.
func (m *MemoryRemote) FetchBodiesByIDs(ctx context.Context, ids []string) ([]Body, error) {
	if err := m.begin(ctx, OpFetchBodiesByIDs, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Body
	for _, id := range ids {
		if b, ok := m.bodies[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// Insert creates a row at version 1.
func (m *MemoryRemote) Insert(ctx context.Context, doc Document) (*Document, error) {
	if err := m.begin(ctx, OpInsertRemote, doc.ID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[doc.ID]; ok {
		return nil, ErrAlreadyExists
	}
	row := toWire(doc)
	row.Version = 1
	row.UpdatedAt = m.stamp()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}
	m.docs[doc.ID] = row
	out := fromWire(row)
	return &out, nil
}

// UpdateWithVersion writes doc only if the row is at version expected.
func (m *MemoryRemote) UpdateWithVersion(ctx context.Context, id string, doc Document, expected int64) (*Document, error) {
	if err := m.begin(ctx, OpUpdateWithVersion, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.docs[id]
	if !ok || cur.Version != expected {
		return nil, ErrVersionConflict
	}
	row := toWire(doc)
	row.ID = id
	row.CreatedAt = cur.CreatedAt
	row.Version = expected + 1
	row.UpdatedAt = m.stamp()
	m.docs[id] = row
	out := fromWire(row)
	return &out, nil
}

// Delete removes a row and its body.
func (m *MemoryRemote) Delete(ctx context.Context, id string) error {
	if err := m.begin(ctx, OpDeleteRemote, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	delete(m.bodies, id)
	return nil
}

// UpsertBody writes a body. The owning document must exist.
func (m *MemoryRemote) UpsertBody(ctx context.Context, body Body) (*Body, error) {
	if err := m.begin(ctx, OpUpsertBody, body.DocumentID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[body.DocumentID]; !ok {
		return nil, ErrNotFound
	}
	stored := Body{
		DocumentID: body.DocumentID,
		Content:    body.Content,
		UpdatedAt:  m.stamp(),
	}
	m.bodies[body.DocumentID] = stored
	return &stored, nil
}

// Ping always succeeds unless the hook fails it.
func (m *MemoryRemote) Ping(ctx context.Context) error {
	return m.begin(ctx, OpPing, "")
}

// ============================================================================
// Server-side access, bypassing hooks and call counting
// ============================================================================

// Put writes a row as another device would, bumping its version and
// updated_at. It returns the stored document.
func (m *MemoryRemote) Put(doc Document) Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := toWire(doc)
	if cur, ok := m.docs[doc.ID]; ok {
		row.CreatedAt = cur.CreatedAt
		if row.Version <= cur.Version {
			row.Version = cur.Version + 1
		}
	} else if row.Version < 1 {
		row.Version = 1
	}
	row.UpdatedAt = m.stamp()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}
	m.docs[doc.ID] = row
	return fromWire(row)
}

// PutBody writes a body as another device would.
func (m *MemoryRemote) PutBody(documentID, content string) Body {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := Body{DocumentID: documentID, Content: content, UpdatedAt: m.stamp()}
	m.bodies[documentID] = b
	return b
}

// SoftDelete trashes a row as another device would.
func (m *MemoryRemote) SoftDelete(id string) (Document, bool) {
	m.mu.Lock()
	row, ok := m.docs[id]
	m.mu.Unlock()
	if !ok {
		return Document{}, false
	}
	doc := fromWire(row)
	doc.Status = StatusTrash
	doc.DeletedAt = timePtr(m.clock.Now().UTC())
	return m.Put(doc), true
}

// Remove deletes a row and its body as another device's purge would.
func (m *MemoryRemote) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	delete(m.bodies, id)
}

// Document returns the stored row for id.
func (m *MemoryRemote) Document(id string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.docs[id]
	if !ok {
		return Document{}, false
	}
	return fromWire(row), true
}

// Body returns the stored body for id.
func (m *MemoryRemote) Body(id string) (Body, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bodies[id]
	return b, ok
}

// Len returns the number of stored documents.
func (m *MemoryRemote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Calls returns how many times op was invoked.
func (m *MemoryRemote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// toWire folds tags into frontmatter and drops local bookkeeping.
func toWire(doc Document) Document {
	row := doc.Clone()
	row.Frontmatter = JoinTags(doc.Frontmatter, doc.Tags)
	row.Tags = nil
	row.SyncedAt = nil
	return row
}

func fromWire(row Document) Document {
	doc := row.Clone()
	doc.Frontmatter, doc.Tags = SplitTags(row.Frontmatter)
	if len(doc.Frontmatter) == 0 {
		doc.Frontmatter = nil
	}
	return doc
}
