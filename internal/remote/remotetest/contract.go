// Package remotetest holds the behavioural contract every anchored.Remote
// implementation must satisfy, runnable against any adapter.
package remotetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwaynemcyrus/anchored"
)

// Run exercises r against the Remote contract. Each subtest uses fresh ids,
// so r may be shared with other data for the same user.
func Run(t *testing.T, r anchored.Remote) {
	t.Helper()

	t.Run("insert and conditional update", func(t *testing.T) { insertAndUpdate(t, r) })
	t.Run("fetch since is strict and ordered", func(t *testing.T) { fetchSince(t, r) })
	t.Run("soft delete is visible to pull", func(t *testing.T) { softDelete(t, r) })
	t.Run("bodies", func(t *testing.T) { bodies(t, r) })
	t.Run("delete", func(t *testing.T) { deleteRow(t, r) })
	t.Run("ping", func(t *testing.T) { require.NoError(t, r.Ping(context.Background())) })
}

func newDoc(title string) anchored.Document {
	return anchored.Document{
		ID:          anchored.NewDocumentID(),
		Type:        "note",
		Title:       title,
		Status:      anchored.StatusActive,
		Frontmatter: anchored.Frontmatter{"mood": "calm"},
		Tags:        []string{"inbox", "work"},
		ClientID:    "device-a",
	}
}

func insertAndUpdate(t *testing.T, r anchored.Remote) {
	ctx := context.Background()
	doc := newDoc("first")

	created, err := r.Insert(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, created.ID)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, []string{"inbox", "work"}, created.Tags)
	assert.Equal(t, "calm", created.Frontmatter["mood"])
	assert.False(t, created.UpdatedAt.IsZero())

	_, err = r.Insert(ctx, doc)
	assert.ErrorIs(t, err, anchored.ErrAlreadyExists)

	doc.Title = "second"
	doc.Tags = []string{"done"}
	updated, err := r.UpdateWithVersion(ctx, doc.ID, doc, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "second", updated.Title)
	assert.Equal(t, []string{"done"}, updated.Tags)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	_, err = r.UpdateWithVersion(ctx, doc.ID, doc, 1)
	assert.ErrorIs(t, err, anchored.ErrVersionConflict, "stale version")
	_, err = r.UpdateWithVersion(ctx, anchored.NewDocumentID(), doc, 1)
	assert.ErrorIs(t, err, anchored.ErrVersionConflict, "missing row")

	got, err := r.FetchByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	_, err = r.FetchByID(ctx, anchored.NewDocumentID())
	assert.ErrorIs(t, err, anchored.ErrNotFound)
}

func fetchSince(t *testing.T, r anchored.Remote) {
	ctx := context.Background()

	first, err := r.Insert(ctx, newDoc("a"))
	require.NoError(t, err)
	second, err := r.Insert(ctx, newDoc("b"))
	require.NoError(t, err)
	require.True(t, second.UpdatedAt.After(first.UpdatedAt))

	docs, err := r.FetchSince(ctx, first.UpdatedAt.Add(-time.Microsecond))
	require.NoError(t, err)
	ids := idsOf(docs)
	require.Contains(t, ids, first.ID)
	require.Contains(t, ids, second.ID)
	assert.Less(t, indexOf(ids, first.ID), indexOf(ids, second.ID), "oldest first")
	for i := 1; i < len(docs); i++ {
		assert.False(t, docs[i].UpdatedAt.Before(docs[i-1].UpdatedAt))
	}

	docs, err = r.FetchSince(ctx, first.UpdatedAt)
	require.NoError(t, err)
	ids = idsOf(docs)
	assert.NotContains(t, ids, first.ID, "the cursor row itself is excluded")
	assert.Contains(t, ids, second.ID)
}

func softDelete(t *testing.T, r anchored.Remote) {
	ctx := context.Background()
	created, err := r.Insert(ctx, newDoc("to trash"))
	require.NoError(t, err)

	trashed := *created
	now := time.Now().UTC().Truncate(time.Microsecond)
	trashed.Status = anchored.StatusTrash
	trashed.DeletedAt = &now
	stored, err := r.UpdateWithVersion(ctx, created.ID, trashed, created.Version)
	require.NoError(t, err)

	docs, err := r.FetchSince(ctx, created.UpdatedAt)
	require.NoError(t, err)
	require.Contains(t, idsOf(docs), created.ID)
	got := docs[indexOf(idsOf(docs), created.ID)]
	assert.Equal(t, anchored.StatusTrash, got.Status)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, got.DeletedAt.Equal(now))
	assert.Equal(t, stored.Version, got.Version)
}

func bodies(t *testing.T, r anchored.Remote) {
	ctx := context.Background()

	_, err := r.UpsertBody(ctx, anchored.Body{DocumentID: anchored.NewDocumentID(), Content: "orphan"})
	assert.ErrorIs(t, err, anchored.ErrNotFound)

	doc, err := r.Insert(ctx, newDoc("with body"))
	require.NoError(t, err)
	first, err := r.UpsertBody(ctx, anchored.Body{DocumentID: doc.ID, Content: "v1"})
	require.NoError(t, err)
	second, err := r.UpsertBody(ctx, anchored.Body{DocumentID: doc.ID, Content: "v2"})
	require.NoError(t, err)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	got, err := r.FetchBodiesByIDs(ctx, []string{doc.ID, anchored.NewDocumentID()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].Content)

	since, err := r.FetchBodiesSince(ctx, first.UpdatedAt)
	require.NoError(t, err)
	found := false
	for _, b := range since {
		if b.DocumentID == doc.ID {
			found = true
			assert.Equal(t, "v2", b.Content)
		}
	}
	assert.True(t, found)
}

func deleteRow(t *testing.T, r anchored.Remote) {
	ctx := context.Background()
	doc, err := r.Insert(ctx, newDoc("doomed"))
	require.NoError(t, err)
	_, err = r.UpsertBody(ctx, anchored.Body{DocumentID: doc.ID, Content: "gone soon"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, doc.ID))
	assert.ErrorIs(t, r.Delete(ctx, doc.ID), anchored.ErrNotFound)

	_, err = r.FetchByID(ctx, doc.ID)
	assert.ErrorIs(t, err, anchored.ErrNotFound)
	bodies, err := r.FetchBodiesByIDs(ctx, []string{doc.ID})
	require.NoError(t, err)
	assert.Empty(t, bodies)
}

func idsOf(docs []anchored.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
