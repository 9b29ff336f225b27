package anchored

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwaynemcyrus/anchored/internal/clock"
)

func newTestQueue(t *testing.T) (*Queue, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(testEpoch)
	return NewQueue(newTestStore(t, fc), RetryPolicy{}), fc
}

func TestQueue_EnqueueAssignsIdentity(t *testing.T) {
	q, _ := newTestQueue(t)
	doc := Document{ID: NewDocumentID(), Type: "note", Title: "snap"}

	e, err := q.Enqueue(QueueEntry{
		ID:         "ignored",
		Table:      TableDocuments,
		RecordID:   doc.ID,
		Operation:  OpInsert,
		Payload:    snapshot(doc),
		RetryCount: 4,
		Status:     QueueFailed,
	})
	require.NoError(t, err)

	assert.NotEqual(t, "ignored", e.ID)
	assert.Len(t, e.ID, 26)
	assert.Equal(t, QueuePending, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.True(t, e.Timestamp.Equal(testEpoch))
	assert.Equal(t, recordKey(TableDocuments, doc.ID), e.Key())

	got, err := q.Get(e.ID)
	require.NoError(t, err)
	payload, err := got.DocumentPayload()
	require.NoError(t, err)
	assert.Equal(t, "snap", payload.Title)

	_, err = got.BodyPayload()
	assert.Error(t, err)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	tests := []struct {
		name  string
		entry QueueEntry
		field string
	}{
		{"table", QueueEntry{Table: "tasks", RecordID: "x", Operation: OpUpsert}, "table"},
		{"operation", QueueEntry{Table: TableDocuments, RecordID: "x", Operation: "merge"}, "operation"},
		{"record", QueueEntry{Table: TableBodies, Operation: OpUpsert}, "record_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(tt.entry)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestQueue_ListIsFIFO(t *testing.T) {
	q, fc := newTestQueue(t)

	var want []string
	for i := 0; i < 20; i++ {
		// Half the entries share a timestamp; ids break the tie.
		if i%2 == 0 {
			fc.Advance(time.Millisecond)
		}
		e, err := q.Enqueue(QueueEntry{Table: TableDocuments, RecordID: NewDocumentID(), Operation: OpUpsert})
		require.NoError(t, err)
		want = append(want, e.ID)
	}

	entries, err := q.List(ListOptions{})
	require.NoError(t, err)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.ID)
	}
	assert.Equal(t, want, got)
}

func TestQueue_RecordFailureDefersEntry(t *testing.T) {
	q, fc := newTestQueue(t)
	e, err := q.Enqueue(QueueEntry{Table: TableDocuments, RecordID: NewDocumentID(), Operation: OpUpsert})
	require.NoError(t, err)

	updated, err := q.RecordFailure(e.ID, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, QueueRetrying, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Equal(t, "timeout", updated.LastError)
	require.NotNil(t, updated.NextAttemptAt)
	assert.True(t, updated.NextAttemptAt.Equal(testEpoch.Add(DefaultBaseDelay)))

	ready, err := q.List(ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, ready)

	deferred, err := q.List(ListOptions{IncludeDeferred: true})
	require.NoError(t, err)
	assert.Len(t, deferred, 1)

	fc.Advance(DefaultBaseDelay)
	ready, err = q.List(ListOptions{})
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, QueueCounts{Retrying: 1}, counts)
}

func TestQueue_FailedRetryDismiss(t *testing.T) {
	q, _ := newTestQueue(t)
	e, err := q.Enqueue(QueueEntry{Table: TableBodies, RecordID: NewDocumentID(), Operation: OpUpsert})
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err = q.RecordFailure(e.ID, errors.New("502"))
		require.NoError(t, err)
	}

	failed, err := q.Failed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, QueueFailed, failed[0].Status)

	all, err := q.List(ListOptions{IncludeDeferred: true})
	require.NoError(t, err)
	assert.Empty(t, all, "failed entries need IncludeFailed")

	rearmed, err := q.Retry(e.ID)
	require.NoError(t, err)
	assert.Equal(t, QueuePending, rearmed.Status)
	assert.Zero(t, rearmed.RetryCount)
	assert.Equal(t, "502", rearmed.LastError, "last error kept for inspection")

	ready, err := q.List(ListOptions{})
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	require.NoError(t, q.Dismiss(e.ID))
	assert.ErrorIs(t, q.Dismiss(e.ID), ErrEntryNotFound)
	_, err = q.Retry(e.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = q.Get(e.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestQueue_RemoveIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	e, err := q.Enqueue(QueueEntry{Table: TableDocuments, RecordID: NewDocumentID(), Operation: OpUpsert})
	require.NoError(t, err)

	require.NoError(t, q.Remove(e.ID))
	require.NoError(t, q.Remove(e.ID))

	_, err = q.RecordFailure(e.ID, errors.New("late"))
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestQueue_RecordScopedOperations(t *testing.T) {
	q, _ := newTestQueue(t)
	id := NewDocumentID()
	other := NewDocumentID()
	for _, e := range []QueueEntry{
		{Table: TableDocuments, RecordID: id, Operation: OpInsert},
		{Table: TableDocuments, RecordID: id, Operation: OpUpsert},
		{Table: TableBodies, RecordID: id, Operation: OpUpsert},
		{Table: TableDocuments, RecordID: other, Operation: OpUpsert},
	} {
		_, err := q.Enqueue(e)
		require.NoError(t, err)
	}

	has, err := q.HasRecord(TableBodies, id)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = q.HasRecord(TableBodies, other)
	require.NoError(t, err)
	assert.False(t, has)

	n, err := q.RemoveRecord(TableDocuments, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	has, err = q.HasRecord(TableDocuments, id)
	require.NoError(t, err)
	assert.False(t, has)

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
}
