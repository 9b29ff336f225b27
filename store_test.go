package anchored

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwaynemcyrus/anchored/internal/clock"
	"github.com/dwaynemcyrus/anchored/internal/kv"
)

// ============================================================================
// Create
// ============================================================================

func TestStore_CreateMarksDirty(t *testing.T) {
	fc := clock.NewFake(testEpoch)
	s := newTestStore(t, fc)

	doc, err := s.Create(CreateInput{
		Type:        "note",
		Title:       "Morning pages",
		Frontmatter: Frontmatter{"mood": "calm", "tags": []any{"daily", " journal ", "daily"}},
		Tags:        []string{"writing"},
		Body:        strPtr("It rained."),
	})
	require.NoError(t, err)

	assert.True(t, IsRemoteID(doc.ID))
	assert.Equal(t, StatusActive, doc.Status)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "device-a", doc.ClientID)
	assert.True(t, doc.IsDirty())
	assert.Equal(t, []string{"daily", "journal", "writing"}, doc.Tags)
	assert.Equal(t, Frontmatter{"mood": "calm"}, doc.Frontmatter)
	assert.True(t, doc.CreatedAt.Equal(doc.UpdatedAt))

	body, err := s.GetBody(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "It rained.", body.Content)
	assert.True(t, body.IsDirty())
}

func TestStore_CreateValidation(t *testing.T) {
	s := newTestStore(t, nil)

	tests := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"missing type", CreateInput{Title: "x"}, "type"},
		{"blank id", CreateInput{ID: "   ", Type: "note"}, "id"},
		{"bad status", CreateInput{Type: "note", Status: "deleted"}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(tt.in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	docs, err := s.List(ListFilter{Status: StatusActive})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestStore_CreateDuplicateID(t *testing.T) {
	s := newTestStore(t, nil)
	id := NewDocumentID()
	_, err := s.Create(CreateInput{ID: id, Type: "note"})
	require.NoError(t, err)

	_, err = s.Create(CreateInput{ID: id, Type: "note"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_CreateTrashedSetsDeletedAt(t *testing.T) {
	s := newTestStore(t, nil)
	doc, err := s.Create(CreateInput{Type: "note", Status: StatusTrash})
	require.NoError(t, err)
	assert.NotNil(t, doc.DeletedAt)

	_, err = s.Get(doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// Update and lifecycle
// ============================================================================

func TestStore_UpdateMergesFrontmatterAndTags(t *testing.T) {
	s := newTestStore(t, clock.NewFake(testEpoch))
	doc, err := s.Create(CreateInput{
		Type:        "habit",
		Title:       "Run",
		Frontmatter: Frontmatter{"goal": 3, "unit": "km"},
		Tags:        []string{"health"},
	})
	require.NoError(t, err)

	updated, err := s.Update(doc.ID, Patch{
		Title:       strPtr("Run daily"),
		Frontmatter: Frontmatter{"goal": 5, "unit": nil, "tags": "health, outdoors"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Run daily", updated.Title)
	assert.Equal(t, Frontmatter{"goal": 5}, updated.Frontmatter)
	assert.Equal(t, []string{"health", "outdoors"}, updated.Tags)
	assert.True(t, updated.UpdatedAt.After(doc.UpdatedAt))
	assert.Equal(t, int64(1), updated.Version, "local edits never advance the version")

	updated, err = s.Update(doc.ID, Patch{Tags: []string{}})
	require.NoError(t, err)
	assert.Nil(t, updated.Tags)
}

func TestStore_UpdateErrors(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.Update(NewDocumentID(), Patch{Title: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	doc, err := s.Create(CreateInput{Type: "note"})
	require.NoError(t, err)
	_, err = s.Update(doc.ID, Patch{Type: strPtr(" ")})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = s.Trash(doc.ID)
	require.NoError(t, err)
	_, err = s.Update(doc.ID, Patch{Title: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Lifecycle(t *testing.T) {
	s := newTestStore(t, nil)
	doc, err := s.Create(CreateInput{Type: "note", Title: "lifecycle"})
	require.NoError(t, err)

	archived, err := s.Archive(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, archived.Status)

	active, err := s.Unarchive(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)

	_, err = s.Restore(doc.ID)
	assert.ErrorIs(t, err, ErrNotTrashed)
	_, err = s.Purge(doc.ID)
	assert.ErrorIs(t, err, ErrNotTrashed)

	trashed, err := s.Trash(doc.ID)
	require.NoError(t, err)
	assert.True(t, trashed.IsTrashed())
	assert.NotNil(t, trashed.DeletedAt)

	_, err = s.Get(doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	found, err := s.Lookup(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTrash, found.Status)

	restored, err := s.Restore(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)
	assert.True(t, restored.IsDirty())

	_, err = s.Trash(doc.ID)
	require.NoError(t, err)
	_, err = s.Purge(doc.ID)
	require.NoError(t, err)
	_, err = s.Lookup(doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PurgeRemovesBody(t *testing.T) {
	s := newTestStore(t, nil)
	doc, err := s.Create(CreateInput{Type: "note", Body: strPtr("bye")})
	require.NoError(t, err)

	// Warm the cache so eviction is exercised.
	_, err = s.GetBody(doc.ID)
	require.NoError(t, err)

	_, err = s.Trash(doc.ID)
	require.NoError(t, err)
	_, err = s.Purge(doc.ID)
	require.NoError(t, err)

	_, err = s.GetBody(doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// List
// ============================================================================

func TestStore_ListFilters(t *testing.T) {
	fc := clock.NewFake(testEpoch)
	s := newTestStore(t, fc)

	mk := func(in CreateInput) *Document {
		fc.Advance(time.Second)
		doc, err := s.Create(in)
		require.NoError(t, err)
		return doc
	}
	n1 := mk(CreateInput{Type: "note", Title: "n1", Tags: []string{"work"}})
	n2 := mk(CreateInput{Type: "note", Subtype: "meeting", Title: "n2"})
	h1 := mk(CreateInput{Type: "habit", Title: "h1", Tags: []string{"work"}})
	t1 := mk(CreateInput{Type: "note", Title: "t1", Status: StatusTrash})
	require.NoError(t, s.BulkUpsert([]Document{{ID: NewDocumentID(), Type: "timer", Title: "clean", Status: StatusActive}}))

	ids := func(docs []Document) []string {
		out := make([]string, 0, len(docs))
		for _, d := range docs {
			out = append(out, d.ID)
		}
		return out
	}

	all, err := s.List(ListFilter{Type: "note"})
	require.NoError(t, err)
	assert.Equal(t, []string{n2.ID, n1.ID}, ids(all), "newest first, trash excluded")

	got, err := s.List(ListFilter{Subtype: "meeting"})
	require.NoError(t, err)
	assert.Equal(t, []string{n2.ID}, ids(got))

	got, err = s.List(ListFilter{Tag: "work"})
	require.NoError(t, err)
	assert.Equal(t, []string{h1.ID, n1.ID}, ids(got))

	got, err = s.List(ListFilter{Status: StatusTrash})
	require.NoError(t, err)
	assert.Equal(t, []string{t1.ID}, ids(got))

	got, err = s.List(ListFilter{DirtyOnly: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{h1.ID, n2.ID}, ids(got))

	got, err = s.List(ListFilter{Type: "timer"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsDirty())
}

// ============================================================================
// Remote-confirmed writes
// ============================================================================

func TestStore_BulkUpsertMarksClean(t *testing.T) {
	s := newTestStore(t, nil)
	id := NewDocumentID()
	deleted := testEpoch
	err := s.BulkUpsert([]Document{
		{ID: id, Type: "note", Title: "from server", Status: StatusActive, Version: 4, Tags: []string{"a", "a"}},
		{ID: NewDocumentID(), Type: "note", DeletedAt: &deleted},
	})
	require.NoError(t, err)

	doc, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, doc.IsDirty())
	assert.Equal(t, int64(4), doc.Version)
	assert.Equal(t, []string{"a"}, doc.Tags)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 1, stats.Trashed)
	assert.Zero(t, stats.Dirty)
}

func TestStore_BodiesAreIndependentOfMetadata(t *testing.T) {
	s := newTestStore(t, nil)
	id := NewDocumentID()
	require.NoError(t, s.BulkUpsert([]Document{{ID: id, Type: "note", Status: StatusActive, Version: 1}}))
	require.NoError(t, s.BulkUpsertBodies([]Body{{DocumentID: id, Content: "server text", UpdatedAt: testEpoch}}))

	body, err := s.GetBody(id)
	require.NoError(t, err)
	assert.False(t, body.IsDirty())

	_, err = s.SetBody(id, "my text")
	require.NoError(t, err)

	body, err = s.GetBody(id)
	require.NoError(t, err)
	assert.Equal(t, "my text", body.Content, "cached copy is replaced on write")
	assert.True(t, body.IsDirty())

	doc, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, doc.IsDirty(), "body edits leave metadata clean")

	docs, bodies, err := s.Dirty()
	require.NoError(t, err)
	assert.Empty(t, docs)
	require.Len(t, bodies, 1)
	assert.Equal(t, id, bodies[0].DocumentID)
}

func TestStore_SetBodyRequiresLiveDocument(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.SetBody(NewDocumentID(), "orphan")
	assert.ErrorIs(t, err, ErrNotFound)

	doc, err := s.Create(CreateInput{Type: "note"})
	require.NoError(t, err)
	_, err = s.Trash(doc.ID)
	require.NoError(t, err)
	_, err = s.SetBody(doc.ID, "too late")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConfirmDocumentChecksSnapshot(t *testing.T) {
	s := newTestStore(t, clock.NewFake(testEpoch))
	doc, err := s.Create(CreateInput{Type: "note"})
	require.NoError(t, err)

	clean, err := s.confirmDocument(doc.ID, 2, doc.UpdatedAt)
	require.NoError(t, err)
	assert.True(t, clean)
	got, err := s.Get(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.False(t, got.IsDirty())

	edited, err := s.Update(doc.ID, Patch{Title: strPtr("later")})
	require.NoError(t, err)
	clean, err = s.confirmDocument(doc.ID, 3, got.UpdatedAt)
	require.NoError(t, err)
	assert.False(t, clean)

	got, err = s.Get(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.True(t, got.IsDirty())
	assert.True(t, got.UpdatedAt.Equal(edited.UpdatedAt))
}

func TestStore_NowIsStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t, clock.NewFake(testEpoch))
	prev := s.now()
	for i := 0; i < 100; i++ {
		next := s.now()
		require.True(t, next.After(prev))
		prev = next
	}
}

// ============================================================================
// Cursor and meta
// ============================================================================

func TestStore_CursorNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t, nil)
	cur, err := s.Cursor()
	require.NoError(t, err)
	assert.True(t, cur.IsZero())

	later := testEpoch.Add(time.Hour)
	got, err := s.AdvanceCursor(later)
	require.NoError(t, err)
	assert.True(t, got.Equal(later))

	got, err = s.AdvanceCursor(testEpoch)
	require.NoError(t, err)
	assert.True(t, got.Equal(later))

	cur, err = s.Cursor()
	require.NoError(t, err)
	assert.True(t, cur.Equal(later))
}

func TestStore_BodyCursorIsIndependent(t *testing.T) {
	s := newTestStore(t, nil)

	later := testEpoch.Add(time.Hour)
	_, err := s.AdvanceBodyCursor(later)
	require.NoError(t, err)

	docCur, err := s.Cursor()
	require.NoError(t, err)
	assert.True(t, docCur.IsZero(), "advancing bodies must not move the document cursor")

	bodyCur, err := s.BodyCursor()
	require.NoError(t, err)
	assert.True(t, bodyCur.Equal(later))

	got, err := s.AdvanceBodyCursor(testEpoch)
	require.NoError(t, err)
	assert.True(t, got.Equal(later))
}

func TestStore_Meta(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.GetMeta(MetaClientID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMeta(MetaClientID, "device-b"))
	v, err := s.GetMeta(MetaClientID)
	require.NoError(t, err)
	assert.Equal(t, "device-b", v)
}

// ============================================================================
// Persistence and lifecycle
// ============================================================================

func TestOpenStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchored.db")

	s, err := OpenStore(path, StoreOptions{ClientID: "device-a"})
	require.NoError(t, err)
	doc, err := s.Create(CreateInput{Type: "note", Title: "durable", Body: strPtr("ink")})
	require.NoError(t, err)
	_, err = s.AdvanceCursor(testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(path, StoreOptions{})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Title)
	assert.True(t, got.IsDirty())
	body, err := s.GetBody(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "ink", body.Content)
	cur, err := s.Cursor()
	require.NoError(t, err)
	assert.True(t, cur.Equal(testEpoch))
}

func TestStore_Closed(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(NewDocumentID())
	assert.True(t, errors.Is(err, ErrStoreClosed))
	_, err = s.GetBody(NewDocumentID())
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Create(CreateInput{Type: "note"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStore_BodyCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s, err := NewStore(kv.NewMemory(), StoreOptions{Metrics: m})
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.Create(CreateInput{Type: "note", Body: strPtr("cached")})
	require.NoError(t, err)

	_, err = s.GetBody(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheMisses))

	// ristretto admits asynchronously.
	s.bodies.Wait()
	_, err = s.GetBody(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheHits))
}
