package anchored

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dwaynemcyrus/anchored/internal/clock"
	"github.com/dwaynemcyrus/anchored/internal/kv"
	"github.com/dwaynemcyrus/anchored/internal/schedule"
)

// TriggerLocalChange is the trigger reason for runs requested after a
// debounced local write reaches the queue.
const TriggerLocalChange = "local-change"

// ClientOptions supplies collaborators that cannot come from Config.
type ClientOptions struct {
	// Remote is the canonical datastore adapter. Required unless the
	// config is offline-only or selects the in-memory remote.
	Remote Remote
	// Network reports connectivity. Defaults to pinging the remote.
	Network Network
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to one built from the config.
	Logger *log.Logger
	// Registerer receives the sync metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Backend overrides the SQLite database at Config.LocalPath.
	Backend kv.Backend
}

// HealthStatus reports the health of the client and its remote.
type HealthStatus struct {
	Healthy         bool   `json:"healthy" yaml:"healthy"`
	StoreOK         bool   `json:"store_ok" yaml:"store_ok"`
	RemoteReachable bool   `json:"remote_reachable" yaml:"remote_reachable"`
	Error           string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Client is the entry point for UI collaborators: local reads and writes,
// debounced enqueueing of remote mutations, and sync control.
type Client struct {
	config   Config
	logger   *log.Logger
	closer   io.Closer
	clock    clock.Clock
	store    *Store
	queue    *Queue
	remote   Remote
	engine   *Engine
	metrics  *Metrics
	debounce *schedule.Debouncer

	mu      sync.Mutex
	pending map[string]pendingOp
	closed  bool
}

type pendingOp struct {
	table Table
	id    string
	op    Operation
}

// Open validates cfg, opens the local store and wires the queue, engine
// and debouncer. The engine is started when cfg.AutoSync is set.
func Open(ctx context.Context, cfg Config, opts ClientOptions) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	closer := io.Closer(nopCloser{})
	if opts.Logger == nil {
		logger, c, err := NewLogger(cfg)
		if err != nil {
			return nil, err
		}
		opts.Logger, closer = logger, c
	}
	metrics := NewMetrics(opts.Registerer)

	remote := opts.Remote
	if remote == nil && cfg.Remote == RemoteMemory {
		remote = NewMemoryRemote(opts.Clock)
	}
	if remote == nil && !cfg.IsOffline() {
		_ = closer.Close()
		return nil, &ValidationError{Field: "Remote", Message: fmt.Sprintf("no adapter supplied for %q", cfg.Remote)}
	}

	storeOpts := StoreOptions{Clock: opts.Clock, ClientID: cfg.ClientID, Metrics: metrics}
	var store *Store
	var err error
	if opts.Backend != nil {
		store, err = NewStore(opts.Backend, storeOpts)
	} else {
		store, err = OpenStore(cfg.LocalPath, storeOpts)
	}
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		config:   cfg,
		logger:   opts.Logger,
		closer:   closer,
		clock:    opts.Clock,
		store:    store,
		queue:    NewQueue(store, cfg.Retry),
		remote:   remote,
		metrics:  metrics,
		debounce: schedule.NewDebouncer(opts.Clock, cfg.DebounceWindow),
		pending:  make(map[string]pendingOp),
	}

	if err := c.resolveClientID(); err != nil {
		_ = c.shutdown()
		return nil, err
	}
	if err := c.recoverDirty(); err != nil {
		_ = c.shutdown()
		return nil, err
	}

	if remote != nil {
		c.engine, err = NewEngine(EngineOptions{
			Store:    store,
			Queue:    c.queue,
			Remote:   remote,
			Network:  opts.Network,
			Clock:    opts.Clock,
			Logger:   opts.Logger,
			Metrics:  metrics,
			Interval: cfg.SyncInterval,
		})
		if err != nil {
			_ = c.shutdown()
			return nil, err
		}
		if cfg.AutoSync {
			if err := c.engine.Start(ctx); err != nil {
				_ = c.shutdown()
				return nil, err
			}
		}
	}

	c.logger.Debug("client opened",
		"path", cfg.LocalPath, "remote", cfg.Remote, "client_id", store.ClientID(), "auto_sync", cfg.AutoSync)
	return c, nil
}

// resolveClientID settles the device id: the configured one, else the one
// persisted in the database, else a fresh one that is then persisted.
func (c *Client) resolveClientID() error {
	id := c.config.ClientID
	if id == "" {
		stored, err := c.store.GetMeta(MetaClientID)
		switch {
		case err == nil:
			id = stored
		case errors.Is(err, ErrNotFound):
			id = NewDocumentID()
			if err := c.store.SetMeta(MetaClientID, id); err != nil {
				return fmt.Errorf("client: persist client id: %w", err)
			}
		default:
			return fmt.Errorf("client: read client id: %w", err)
		}
	}
	c.store.clientID = id
	return nil
}

// recoverDirty enqueues dirty records that have no queue entry, which
// happens when the process exits inside a debounce window.
func (c *Client) recoverDirty() error {
	docs, bodies, err := c.store.Dirty()
	if err != nil {
		return fmt.Errorf("client: scan dirty records: %w", err)
	}
	recovered := 0
	for i := range docs {
		op := OpUpsert
		if docs[i].Version <= 1 {
			op = OpInsert
		}
		ok, err := c.enqueueIfMissing(TableDocuments, docs[i].ID, op, &docs[i])
		if err != nil {
			return err
		}
		if ok {
			recovered++
		}
	}
	for i := range bodies {
		ok, err := c.enqueueIfMissing(TableBodies, bodies[i].DocumentID, OpUpsert, &bodies[i])
		if err != nil {
			return err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		c.logger.Info("recovered unqueued local changes", "entries", recovered)
	}
	return nil
}

func (c *Client) enqueueIfMissing(table Table, id string, op Operation, payload any) (bool, error) {
	has, err := c.queue.HasRecord(table, id)
	if err != nil || has {
		return false, err
	}
	_, err = c.queue.Enqueue(QueueEntry{Table: table, RecordID: id, Operation: op, Payload: snapshot(payload)})
	return err == nil, err
}

// Config returns the resolved configuration.
func (c *Client) Config() Config { return c.config }

// Store returns the local store.
func (c *Client) Store() *Store { return c.store }

// Queue returns the operation queue.
func (c *Client) Queue() *Queue { return c.queue }

// Engine returns the sync engine, or nil when the client is offline-only.
func (c *Client) Engine() *Engine { return c.engine }

// Logger returns the client's logger.
func (c *Client) Logger() *log.Logger { return c.logger }

// ============================================================================
// Documents
// ============================================================================

// Create stores a new document and schedules its insert.
func (c *Client) Create(ctx context.Context, in CreateInput) (*Document, error) {
	doc, err := c.store.Create(in)
	if err != nil {
		return nil, err
	}
	c.schedule(TableDocuments, doc.ID, OpInsert)
	if in.Body != nil {
		c.schedule(TableBodies, doc.ID, OpUpsert)
	}
	return doc, nil
}

// Get returns a non-trashed document.
func (c *Client) Get(ctx context.Context, id string) (*Document, error) {
	return c.store.Get(id)
}

// Lookup returns a document in any status, including the trash.
func (c *Client) Lookup(ctx context.Context, id string) (*Document, error) {
	return c.store.Lookup(id)
}

// List returns documents matching filter.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]Document, error) {
	return c.store.List(filter)
}

// Update patches a document and schedules its upsert.
func (c *Client) Update(ctx context.Context, id string, patch Patch) (*Document, error) {
	return c.mutated(c.store.Update(id, patch))
}

// Archive archives a document.
func (c *Client) Archive(ctx context.Context, id string) (*Document, error) {
	return c.mutated(c.store.Archive(id))
}

// Unarchive returns a document to active.
func (c *Client) Unarchive(ctx context.Context, id string) (*Document, error) {
	return c.mutated(c.store.Unarchive(id))
}

// Trash soft-deletes a document. The remote learns of it as an update.
func (c *Client) Trash(ctx context.Context, id string) (*Document, error) {
	return c.mutated(c.store.Trash(id))
}

// Restore takes a document out of the trash.
func (c *Client) Restore(ctx context.Context, id string) (*Document, error) {
	return c.mutated(c.store.Restore(id))
}

// Purge permanently removes a trashed document. Pending writes for it are
// discarded and a remote delete is queued immediately.
func (c *Client) Purge(ctx context.Context, id string) (*Document, error) {
	doc, err := c.store.Purge(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, table := range []Table{TableDocuments, TableBodies} {
		key := recordKey(table, id)
		c.debounce.Cancel(key)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if _, err := c.queue.RemoveRecord(TableDocuments, id); err != nil {
		return nil, err
	}
	if _, err := c.queue.RemoveRecord(TableBodies, id); err != nil {
		return nil, err
	}
	if _, err := c.queue.Enqueue(QueueEntry{
		Table:     TableDocuments,
		RecordID:  id,
		Operation: OpDelete,
		Payload:   snapshot(doc),
	}); err != nil {
		return nil, err
	}
	c.Trigger(TriggerLocalChange)
	return doc, nil
}

func (c *Client) mutated(doc *Document, err error) (*Document, error) {
	if err != nil {
		return nil, err
	}
	c.schedule(TableDocuments, doc.ID, OpUpsert)
	return doc, nil
}

// GetBody returns a document's body.
func (c *Client) GetBody(ctx context.Context, id string) (*Body, error) {
	return c.store.GetBody(id)
}

// SetBody replaces a document's body and schedules its upsert.
func (c *Client) SetBody(ctx context.Context, id, content string) (*Body, error) {
	body, err := c.store.SetBody(id, content)
	if err != nil {
		return nil, err
	}
	c.schedule(TableBodies, id, OpUpsert)
	return body, nil
}

// ============================================================================
// Debounced enqueue
// ============================================================================

// schedule coalesces writes to one record within the debounce window into
// a single queue entry. A pending insert stays an insert.
func (c *Client) schedule(table Table, id string, op Operation) {
	key := recordKey(table, id)

	c.mu.Lock()
	if prev, ok := c.pending[key]; ok {
		op = mergeOps(prev.op, op)
	}
	c.pending[key] = pendingOp{table: table, id: id, op: op}
	c.mu.Unlock()

	c.debounce.Schedule(key, func() { c.enqueuePending(key) })
}

func mergeOps(prev, next Operation) Operation {
	switch {
	case next == OpDelete:
		return OpDelete
	case prev == OpInsert:
		return OpInsert
	default:
		return next
	}
}

func (c *Client) enqueuePending(key string) {
	c.mu.Lock()
	p, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		return
	}

	var payload any
	switch p.table {
	case TableDocuments:
		doc, err := c.store.Lookup(p.id)
		if errors.Is(err, ErrNotFound) {
			return
		}
		if err != nil {
			c.logger.Error("enqueue failed", "record", p.id, "table", p.table, "err", err)
			return
		}
		payload = doc
	case TableBodies:
		body, err := c.store.GetBody(p.id)
		if errors.Is(err, ErrNotFound) {
			return
		}
		if err != nil {
			c.logger.Error("enqueue failed", "record", p.id, "table", p.table, "err", err)
			return
		}
		payload = body
	}

	entry, err := c.queue.Enqueue(QueueEntry{Table: p.table, RecordID: p.id, Operation: p.op, Payload: snapshot(payload)})
	if err != nil {
		c.logger.Error("enqueue failed", "record", p.id, "table", p.table, "err", err)
		return
	}
	c.logger.Debug("enqueued", "entry", entry.ID, "table", entry.Table, "op", entry.Operation, "record", entry.RecordID)
	c.Trigger(TriggerLocalChange)
}

// Flush enqueues every write still waiting out its debounce window.
func (c *Client) Flush() {
	c.debounce.Flush()
}

// ============================================================================
// Sync
// ============================================================================

// Sync flushes pending writes and runs one sync cycle. It returns
// ErrNoRemote when the client is offline-only.
func (c *Client) Sync(ctx context.Context) (*SyncStats, error) {
	c.Flush()
	if c.engine == nil {
		return nil, ErrNoRemote
	}
	return c.engine.ScheduleSync(ctx)
}

// StartSync starts the background engine. It is a no-op when already
// started and returns ErrNoRemote for an offline-only client.
func (c *Client) StartSync(ctx context.Context) error {
	if c.engine == nil {
		return ErrNoRemote
	}
	return c.engine.Start(ctx)
}

// Trigger asks a started engine for a background run.
func (c *Client) Trigger(reason string) {
	if c.engine != nil {
		c.engine.Trigger(reason)
	}
}

// Subscribe registers fn for sync state changes. Offline-only clients never
// call fn.
func (c *Client) Subscribe(fn func(SyncStatus)) func() {
	if c.engine == nil {
		return func() {}
	}
	return c.engine.Subscribe(fn)
}

// Status returns the sync status. Offline-only clients report StateOffline.
func (c *Client) Status(ctx context.Context) SyncStatus {
	if c.engine != nil {
		return c.engine.Status()
	}
	status := SyncStatus{State: StateOffline}
	if counts, err := c.queue.Counts(); err == nil {
		status.Pending, status.Retrying, status.Failed = counts.Pending, counts.Retrying, counts.Failed
	}
	if cursor, err := c.store.Cursor(); err == nil && !cursor.IsZero() {
		status.Cursor = &cursor
	}
	return status
}

// Stats returns local store statistics.
func (c *Client) Stats() (*StoreStats, error) {
	return c.store.Stats()
}

// HealthCheck reports whether the store is usable and the remote reachable.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, StoreOK: true}

	if _, err := c.store.Stats(); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if c.remote != nil {
		err := c.remote.Ping(ctx)
		status.RemoteReachable = err == nil
		if err != nil {
			status.Error = err.Error()
		}
	}
	return status
}

// ============================================================================
// Queue inspection
// ============================================================================

// QueueEntries lists queue entries.
func (c *Client) QueueEntries(opts ListOptions) ([]QueueEntry, error) {
	return c.queue.List(opts)
}

// FailedEntries lists entries that exhausted their retries.
func (c *Client) FailedEntries() ([]QueueEntry, error) {
	return c.queue.Failed()
}

// RetryEntry re-arms a failed entry and requests a run.
func (c *Client) RetryEntry(id string) (*QueueEntry, error) {
	entry, err := c.queue.Retry(id)
	if err != nil {
		return nil, err
	}
	c.Trigger(TriggerManual)
	return entry, nil
}

// DismissEntry drops an entry without applying it remotely.
func (c *Client) DismissEntry(id string) error {
	return c.queue.Dismiss(id)
}

// Close flushes pending writes, stops the engine and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.debounce.Close()
	return c.shutdown()
}

func (c *Client) shutdown() error {
	if c.engine != nil {
		c.engine.Stop()
	}
	err := c.store.Close()
	if cerr := c.closer.Close(); err == nil {
		err = cerr
	}
	return err
}
