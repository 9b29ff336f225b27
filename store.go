package anchored

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/dwaynemcyrus/anchored/internal/clock"
	"github.com/dwaynemcyrus/anchored/internal/kv"
)

// Meta keys in the sync_meta bucket.
const (
	MetaLastSyncedAt   = "lastSyncedAt"
	MetaBodiesSyncedAt = "lastBodiesSyncedAt"
	MetaClientID       = "clientId"
)

const defaultBodyCacheBytes = 32 << 20

// StoreOptions configures a Store.
type StoreOptions struct {
	// Clock stamps local writes. Defaults to the real clock.
	Clock clock.Clock
	// ClientID identifies this device on every local write.
	ClientID string
	// BodyCacheBytes bounds the body read cache. Defaults to 32 MiB.
	BodyCacheBytes int64
	// Metrics records body cache hits and misses. Optional.
	Metrics *Metrics
}

// Store is the per-device cache of documents and bodies. User writes mark
// records dirty; only remote-confirmed writes (BulkUpsert, BulkUpsertBodies
// and the sync engine) mark them clean.
type Store struct {
	kv       kv.Backend
	clock    clock.Clock
	clientID string
	bodies   *ristretto.Cache[string, Body]
	metrics  *Metrics

	// mu orders cache fills against writes; kv serializes the data itself.
	mu     sync.RWMutex
	closed bool

	stampMu   sync.Mutex
	lastStamp time.Time
}

// OpenStore opens or creates a SQLite-backed store at path.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	backend, err := kv.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s, err := NewStore(backend, opts)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store over an existing backend. The store owns the
// backend and closes it on Close.
func NewStore(backend kv.Backend, opts StoreOptions) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.BodyCacheBytes <= 0 {
		opts.BodyCacheBytes = defaultBodyCacheBytes
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, Body]{
		NumCounters: 1e5,
		MaxCost:     opts.BodyCacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("store: create body cache: %w", err)
	}

	return &Store{
		kv:       backend,
		clock:    opts.Clock,
		clientID: opts.ClientID,
		bodies:   cache,
		metrics:  opts.Metrics,
	}, nil
}

// ClientID returns the device identifier stamped on local writes.
func (s *Store) ClientID() string { return s.clientID }

// Close closes the store and its backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.bodies.Close()
	return s.kv.Close()
}

// now returns a write timestamp strictly after every earlier one, so a
// changed record never carries the UpdatedAt of the snapshot it replaced.
func (s *Store) now() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	t := s.clock.Now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

func (s *Store) view(fn func(tx kv.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return mapKVError(s.kv.View(fn))
}

func (s *Store) update(fn func(tx kv.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return mapKVError(s.kv.Update(fn))
}

func mapKVError(err error) error {
	if errors.Is(err, kv.ErrClosed) {
		return ErrStoreClosed
	}
	return err
}

// ============================================================================
// Documents
// ============================================================================

// Get returns an active or archived document. Missing and trashed ids
// return ErrNotFound.
func (s *Store) Get(id string) (*Document, error) {
	doc, err := s.Lookup(id)
	if err != nil {
		return nil, err
	}
	if doc.IsTrashed() {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Lookup returns a document in any status, including trashed ones.
func (s *Store) Lookup(id string) (*Document, error) {
	var doc *Document
	err := s.view(func(tx kv.Tx) error {
		var err error
		doc, err = getDocument(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns documents matching filter, most recently updated first.
func (s *Store) List(filter ListFilter) ([]Document, error) {
	var docs []Document
	err := s.view(func(tx kv.Tx) error {
		return scanDocuments(tx, func(d Document) error {
			if filter.matches(&d) {
				docs = append(docs, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	if filter.Limit > 0 && len(docs) > filter.Limit {
		docs = docs[:filter.Limit]
	}
	return docs, nil
}

func (f ListFilter) matches(d *Document) bool {
	switch {
	case f.Status == "" && d.IsTrashed():
		return false
	case f.Status != "" && d.Status != f.Status:
		return false
	case f.Type != "" && d.Type != f.Type:
		return false
	case f.Subtype != "" && d.Subtype != f.Subtype:
		return false
	case f.Tag != "" && !HasTag(d.Tags, f.Tag):
		return false
	case f.DirtyOnly && !d.IsDirty():
		return false
	}
	return true
}

// Create stores a new dirty document, and its body when one is given.
func (s *Store) Create(in CreateInput) (*Document, error) {
	if err := validateCreate(&in); err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = NewDocumentID()
	}
	status := in.Status
	if status == "" {
		status = StatusActive
	}
	fm, fmTags := SplitTags(in.Frontmatter)
	now := s.now()

	doc := Document{
		ID:          id,
		Type:        in.Type,
		Subtype:     in.Subtype,
		Title:       in.Title,
		Status:      status,
		Frontmatter: fm,
		Tags:        NormalizeTags(append(fmTags, in.Tags...)),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		ClientID:    s.clientID,
	}
	if status == StatusTrash {
		doc.DeletedAt = timePtr(now)
	}

	err := s.update(func(tx kv.Tx) error {
		if _, err := getDocument(tx, id); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := putDocument(tx, &doc); err != nil {
			return err
		}
		if in.Body != nil {
			return putBody(tx, &Body{DocumentID: id, Content: *in.Body, UpdatedAt: now})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func validateCreate(in *CreateInput) error {
	err := validation.ValidateStruct(in,
		validation.Field(&in.Type, validation.Required),
		validation.Field(&in.ID, validation.When(in.ID != "", validation.By(notBlank))),
		validation.Field(&in.Status, validation.By(validStatus)),
	)
	return toValidationError(err)
}

func notBlank(value any) error {
	if s, _ := value.(string); strings.TrimSpace(s) == "" {
		return errors.New("must not be blank")
	}
	return nil
}

func validStatus(value any) error {
	st, _ := value.(Status)
	if st != "" && !st.IsValid() {
		return fmt.Errorf("must be one of active, archived, trash")
	}
	return nil
}

// toValidationError converts ozzo validation errors into a *ValidationError
// for the first failing field, in field-name order.
func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return err
	}
	fields := make([]string, 0, len(errs))
	for f := range errs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &ValidationError{Field: fields[0], Message: errs[fields[0]].Error()}
}

// Update applies patch to an active or archived document and marks it dirty.
func (s *Store) Update(id string, patch Patch) (*Document, error) {
	if patch.Type != nil && strings.TrimSpace(*patch.Type) == "" {
		return nil, &ValidationError{Field: "type", Message: "cannot be blank"}
	}
	return s.mutate(id, func(d *Document) error {
		if patch.Type != nil {
			d.Type = *patch.Type
		}
		if patch.Subtype != nil {
			d.Subtype = *patch.Subtype
		}
		if patch.Title != nil {
			d.Title = *patch.Title
		}
		if patch.Frontmatter != nil {
			merged, fmTags := SplitTags(patch.Frontmatter)
			if d.Frontmatter == nil {
				d.Frontmatter = Frontmatter{}
			}
			for k, v := range merged {
				if v == nil {
					delete(d.Frontmatter, k)
					continue
				}
				d.Frontmatter[k] = v
			}
			if fmTags != nil && patch.Tags == nil {
				d.Tags = fmTags
			}
		}
		if patch.Tags != nil {
			d.Tags = NormalizeTags(patch.Tags)
		}
		return nil
	})
}

// Archive moves an active document to the archive.
func (s *Store) Archive(id string) (*Document, error) {
	return s.mutate(id, func(d *Document) error {
		d.Status = StatusArchived
		return nil
	})
}

// Unarchive returns an archived document to active.
func (s *Store) Unarchive(id string) (*Document, error) {
	return s.mutate(id, func(d *Document) error {
		d.Status = StatusActive
		return nil
	})
}

// Trash moves a document to the trash. It stays stored until Purge.
func (s *Store) Trash(id string) (*Document, error) {
	return s.mutate(id, func(d *Document) error {
		d.Status = StatusTrash
		d.DeletedAt = timePtr(s.now())
		return nil
	})
}

// Restore returns a trashed document to active.
func (s *Store) Restore(id string) (*Document, error) {
	var out *Document
	err := s.update(func(tx kv.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		if !doc.IsTrashed() {
			return ErrNotTrashed
		}
		doc.Status = StatusActive
		doc.DeletedAt = nil
		s.touch(doc)
		out = doc
		return putDocument(tx, doc)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Purge physically removes a trashed document and its body.
func (s *Store) Purge(id string) (*Document, error) {
	var out *Document
	err := s.update(func(tx kv.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		if !doc.IsTrashed() {
			return ErrNotTrashed
		}
		out = doc
		return s.dropRecord(tx, id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mutate loads a non-trashed document, applies fn and stores it dirty.
func (s *Store) mutate(id string, fn func(d *Document) error) (*Document, error) {
	var out *Document
	err := s.update(func(tx kv.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		if doc.IsTrashed() {
			return ErrNotFound
		}
		if err := fn(doc); err != nil {
			return err
		}
		s.touch(doc)
		out = doc
		return putDocument(tx, doc)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// touch stamps a user-initiated change.
func (s *Store) touch(d *Document) {
	d.UpdatedAt = s.now()
	d.ClientID = s.clientID
	d.SyncedAt = nil
}

// BulkUpsert writes remote-confirmed documents. Every written document is
// marked clean.
func (s *Store) BulkUpsert(docs []Document) error {
	now := s.now()
	return s.update(func(tx kv.Tx) error {
		for i := range docs {
			d := docs[i].Clone()
			if err := applyRemoteDocument(tx, &d, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyRemoteDocument stores d as remote-confirmed state.
func applyRemoteDocument(tx kv.Tx, d *Document, now time.Time) error {
	if d.DeletedAt != nil {
		d.Status = StatusTrash
	}
	if d.Version < 1 {
		d.Version = 1
	}
	d.Tags = NormalizeTags(d.Tags)
	d.SyncedAt = timePtr(now)
	return putDocument(tx, d)
}

// Dirty returns every document and body with unconfirmed local changes.
func (s *Store) Dirty() ([]Document, []Body, error) {
	var docs []Document
	var bodies []Body
	err := s.view(func(tx kv.Tx) error {
		if err := scanDocuments(tx, func(d Document) error {
			if d.IsDirty() {
				docs = append(docs, d)
			}
			return nil
		}); err != nil {
			return err
		}
		return scanBodies(tx, func(b Body) error {
			if b.IsDirty() {
				bodies = append(bodies, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return docs, bodies, nil
}

// Stats returns counts over the local store.
func (s *Store) Stats() (*StoreStats, error) {
	var stats StoreStats
	err := s.view(func(tx kv.Tx) error {
		if err := scanDocuments(tx, func(d Document) error {
			stats.Documents++
			switch {
			case d.IsTrashed():
				stats.Trashed++
			case d.Status == StatusArchived:
				stats.Archived++
			default:
				stats.Active++
			}
			if d.IsDirty() {
				stats.Dirty++
			}
			return nil
		}); err != nil {
			return err
		}
		return scanBodies(tx, func(b Body) error {
			stats.Bodies++
			if b.IsDirty() {
				stats.DirtyBodies++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ============================================================================
// Bodies
// ============================================================================

// GetBody returns the body of a document. Reads are served from an
// in-memory cache when possible.
func (s *Store) GetBody(id string) (*Body, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	if b, ok := s.bodies.Get(id); ok {
		s.metrics.cacheHit()
		return cloneBody(b), nil
	}
	s.metrics.cacheMiss()

	var body *Body
	err := s.kv.View(func(tx kv.Tx) error {
		var err error
		body, err = getBody(tx, id)
		return err
	})
	if err != nil {
		return nil, mapKVError(err)
	}
	s.bodies.Set(id, *cloneBody(*body), bodyCost(body))
	return body, nil
}

// SetBody replaces the content of a document's body and marks it dirty.
// The document must exist and not be trashed.
func (s *Store) SetBody(id, content string) (*Body, error) {
	var out *Body
	err := s.update(func(tx kv.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		if doc.IsTrashed() {
			return ErrNotFound
		}
		out = &Body{DocumentID: id, Content: content, UpdatedAt: s.now()}
		return s.writeBody(tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BulkUpsertBodies writes remote-confirmed bodies, marking each clean.
func (s *Store) BulkUpsertBodies(bodies []Body) error {
	now := s.now()
	return s.update(func(tx kv.Tx) error {
		for i := range bodies {
			b := bodies[i]
			b.SyncedAt = timePtr(now)
			if err := s.writeBody(tx, &b); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeBody stores b and evicts its cached copy. Callers hold s.mu for
// writing, so no reader can refill the cache with the old value.
func (s *Store) writeBody(tx kv.Tx, b *Body) error {
	s.bodies.Del(b.DocumentID)
	s.bodies.Wait()
	return putBody(tx, b)
}

// dropBody removes a body.
func (s *Store) dropBody(tx kv.Tx, id string) error {
	s.bodies.Del(id)
	s.bodies.Wait()
	return tx.Delete(kv.Bodies, id)
}

// dropRecord removes a document and its body.
func (s *Store) dropRecord(tx kv.Tx, id string) error {
	s.bodies.Del(id)
	s.bodies.Wait()
	if err := tx.Delete(kv.Documents, id); err != nil {
		return err
	}
	return tx.Delete(kv.Bodies, id)
}

func cloneBody(b Body) *Body {
	out := b
	out.SyncedAt = cloneTime(b.SyncedAt)
	return &out
}

func bodyCost(b *Body) int64 { return int64(len(b.Content)) + 64 }

// ============================================================================
// Sync bookkeeping
// ============================================================================

// confirmDocument records a confirmed remote write of a document that was
// read at snapshot. The version always advances; the document is marked
// clean only if it has not changed since the snapshot.
func (s *Store) confirmDocument(id string, version int64, snapshot time.Time) (bool, error) {
	clean := false
	err := s.update(func(tx kv.Tx) error {
		doc, err := getDocument(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if version > doc.Version {
			doc.Version = version
		}
		if doc.UpdatedAt.Equal(snapshot) {
			doc.SyncedAt = timePtr(s.now())
			clean = true
		}
		return putDocument(tx, doc)
	})
	return clean, err
}

// confirmBody marks a body clean if it has not changed since snapshot.
func (s *Store) confirmBody(id string, snapshot time.Time) (bool, error) {
	clean := false
	err := s.update(func(tx kv.Tx) error {
		body, err := getBody(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !body.UpdatedAt.Equal(snapshot) {
			return nil
		}
		body.SyncedAt = timePtr(s.now())
		clean = true
		return s.writeBody(tx, body)
	})
	return clean, err
}

// applyRemote writes a pulled document unless the local copy is dirty.
// A clean local copy at a higher version is left alone. When the local copy
// is dirty it is returned for conflict handling and nothing is written.
func (s *Store) applyRemote(rd Document) (applied bool, dirty *Document, err error) {
	now := s.now()
	err = s.update(func(tx kv.Tx) error {
		local, err := getDocument(tx, rd.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case local.IsDirty():
			dirty = local
			return nil
		case rd.Version < local.Version:
			return nil
		}
		d := rd.Clone()
		applied = true
		return applyRemoteDocument(tx, &d, now)
	})
	if err != nil {
		return false, nil, err
	}
	return applied, dirty, nil
}

// applyRemoteBody writes a pulled body unless the local body is dirty with
// different content, in which case the local body is returned.
func (s *Store) applyRemoteBody(rb Body) (applied bool, dirty *Body, err error) {
	now := s.now()
	err = s.update(func(tx kv.Tx) error {
		local, err := getBody(tx, rb.DocumentID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case local.IsDirty() && local.Content != rb.Content:
			dirty = local
			return nil
		}
		b := rb
		b.SyncedAt = timePtr(now)
		applied = true
		return s.writeBody(tx, &b)
	})
	if err != nil {
		return false, nil, err
	}
	return applied, dirty, nil
}

// Cursor returns the lastSyncedAt watermark for documents, or the zero
// time before the first pull.
func (s *Store) Cursor() (time.Time, error) {
	return s.readCursor(MetaLastSyncedAt)
}

// AdvanceCursor moves the document watermark forward to t. An earlier t
// leaves the cursor unchanged. It returns the resulting cursor.
func (s *Store) AdvanceCursor(t time.Time) (time.Time, error) {
	return s.advanceCursor(MetaLastSyncedAt, t)
}

// BodyCursor returns the watermark for bodies. Bodies are fetched in a
// separate request, so they keep their own cursor.
func (s *Store) BodyCursor() (time.Time, error) {
	return s.readCursor(MetaBodiesSyncedAt)
}

// AdvanceBodyCursor moves the body watermark forward to t.
func (s *Store) AdvanceBodyCursor(t time.Time) (time.Time, error) {
	return s.advanceCursor(MetaBodiesSyncedAt, t)
}

func (s *Store) readCursor(key string) (time.Time, error) {
	var out time.Time
	err := s.view(func(tx kv.Tx) error {
		var err error
		out, err = cursorTx(tx, key)
		return err
	})
	return out, err
}

func (s *Store) advanceCursor(key string, t time.Time) (time.Time, error) {
	var out time.Time
	err := s.update(func(tx kv.Tx) error {
		cur, err := cursorTx(tx, key)
		if err != nil {
			return err
		}
		out = cur
		if !t.After(cur) {
			return nil
		}
		out = t.UTC()
		return tx.Put(kv.Meta, key, []byte(out.Format(time.RFC3339Nano)))
	})
	return out, err
}

func cursorTx(tx kv.Tx, key string) (time.Time, error) {
	v, err := tx.Get(kv.Meta, key)
	if errors.Is(err, kv.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse cursor %s %q: %w", key, v, err)
	}
	return t, nil
}

// GetMeta returns a sync_meta value.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.view(func(tx kv.Tx) error {
		v, err := tx.Get(kv.Meta, key)
		if errors.Is(err, kv.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value = string(v)
		return nil
	})
	return value, err
}

// SetMeta stores a sync_meta value.
func (s *Store) SetMeta(key, value string) error {
	return s.update(func(tx kv.Tx) error {
		return tx.Put(kv.Meta, key, []byte(value))
	})
}

// ============================================================================
// Transaction helpers
// ============================================================================

func getDocument(tx kv.Tx, id string) (*Document, error) {
	raw, err := tx.Get(kv.Documents, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document %s: %w", id, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store: decode document %s: %w", id, err)
	}
	return &doc, nil
}

func putDocument(tx kv.Tx, d *Document) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: encode document %s: %w", d.ID, err)
	}
	return tx.Put(kv.Documents, d.ID, raw)
}

func scanDocuments(tx kv.Tx, fn func(d Document) error) error {
	return tx.Scan(kv.Documents, func(key string, raw []byte) error {
		var d Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("store: decode document %s: %w", key, err)
		}
		return fn(d)
	})
}

func getBody(tx kv.Tx, id string) (*Body, error) {
	raw, err := tx.Get(kv.Bodies, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get body %s: %w", id, err)
	}
	var b Body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("store: decode body %s: %w", id, err)
	}
	return &b, nil
}

func putBody(tx kv.Tx, b *Body) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("store: encode body %s: %w", b.DocumentID, err)
	}
	return tx.Put(kv.Bodies, b.DocumentID, raw)
}

func scanBodies(tx kv.Tx, fn func(b Body) error) error {
	return tx.Scan(kv.Bodies, func(key string, raw []byte) error {
		var b Body
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("store: decode body %s: %w", key, err)
		}
		return fn(b)
	})
}
