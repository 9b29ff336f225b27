package anchored

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwaynemcyrus/anchored/internal/clock"
	"github.com/dwaynemcyrus/anchored/internal/kv"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// harness wires a store, queue, in-memory remote and engine on a fake clock.
type harness struct {
	t       *testing.T
	clock   *clock.Fake
	store   *Store
	queue   *Queue
	remote  *MemoryRemote
	network *StaticNetwork
	engine  *Engine
}

func newTestStore(t *testing.T, c clock.Clock) *Store {
	t.Helper()
	store, err := NewStore(kv.NewMemory(), StoreOptions{Clock: c, ClientID: "device-a"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, EngineOptions{})
}

func newHarnessWith(t *testing.T, opts EngineOptions) *harness {
	t.Helper()
	fc := clock.NewFake(testEpoch)
	store := newTestStore(t, fc)
	queue := NewQueue(store, DefaultRetryPolicy())
	remote := NewMemoryRemote(fc)
	network := NewStaticNetwork(true)

	opts.Store = store
	opts.Queue = queue
	opts.Remote = remote
	opts.Network = network
	opts.Clock = fc
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	return &harness{
		t:       t,
		clock:   fc,
		store:   store,
		queue:   queue,
		remote:  remote,
		network: network,
		engine:  engine,
	}
}

// create writes a local document and queues its insert, as the client does
// once the debounce window closes.
func (h *harness) create(in CreateInput) *Document {
	h.t.Helper()
	if in.Type == "" {
		in.Type = "note"
	}
	doc, err := h.store.Create(in)
	require.NoError(h.t, err)
	h.enqueue(TableDocuments, doc.ID, OpInsert)
	if in.Body != nil {
		h.enqueue(TableBodies, doc.ID, OpUpsert)
	}
	return doc
}

func (h *harness) enqueue(table Table, id string, op Operation) *QueueEntry {
	h.t.Helper()
	e, err := h.queue.Enqueue(QueueEntry{Table: table, RecordID: id, Operation: op})
	require.NoError(h.t, err)
	return e
}

// seed stores doc on the remote and the same confirmed state locally.
func (h *harness) seed(doc Document, body *string) Document {
	h.t.Helper()
	if doc.ID == "" {
		doc.ID = NewDocumentID()
	}
	if doc.Type == "" {
		doc.Type = "note"
	}
	if doc.Status == "" {
		doc.Status = StatusActive
	}
	stored := h.remote.Put(doc)
	require.NoError(h.t, h.store.BulkUpsert([]Document{stored}))
	if body != nil {
		b := h.remote.PutBody(stored.ID, *body)
		require.NoError(h.t, h.store.BulkUpsertBodies([]Body{b}))
	}
	return stored
}

func (h *harness) sync() *SyncStats {
	h.t.Helper()
	stats, err := h.engine.ScheduleSync(context.Background())
	require.NoError(h.t, err)
	require.NotNil(h.t, stats)
	return stats
}

func (h *harness) conflictCopies() []Document {
	h.t.Helper()
	docs, err := h.store.List(ListFilter{Tag: ConflictTag})
	require.NoError(h.t, err)
	return docs
}

func strPtr(s string) *string { return &s }
