package anchored_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwaynemcyrus/anchored"
	"github.com/dwaynemcyrus/anchored/internal/clock"
	"github.com/dwaynemcyrus/anchored/internal/kv"
)

var clientEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *log.Logger { return log.New(io.Discard) }

// openSynced opens a client backed by an in-memory store and remote, both
// on a fake clock.
func openSynced(t *testing.T) (*anchored.Client, *anchored.MemoryRemote, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(clientEpoch)
	remote := anchored.NewMemoryRemote(fc)
	c, err := anchored.Open(context.Background(), anchored.Config{
		Remote:   anchored.RemoteMemory,
		ClientID: "device-a",
	}, anchored.ClientOptions{
		Remote:  remote,
		Network: anchored.NewStaticNetwork(true),
		Clock:   fc,
		Logger:  quietLogger(),
		Backend: kv.NewMemory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, remote, fc
}

func pendingEntries(t *testing.T, c *anchored.Client) []anchored.QueueEntry {
	t.Helper()
	entries, err := c.QueueEntries(anchored.ListOptions{IncludeDeferred: true, IncludeFailed: true})
	require.NoError(t, err)
	return entries
}

// ============================================================================
// Open
// ============================================================================

func TestOpen_OfflineOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchored.db")
	c, err := anchored.Open(context.Background(), anchored.Config{LocalPath: path}, anchored.ClientOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Engine())

	doc, err := c.Create(context.Background(), anchored.CreateInput{Type: "note", Title: "offline"})
	require.NoError(t, err)
	assert.True(t, doc.IsDirty())

	_, err = c.Sync(context.Background())
	assert.ErrorIs(t, err, anchored.ErrNoRemote)
	assert.ErrorIs(t, c.StartSync(context.Background()), anchored.ErrNoRemote)

	status := c.Status(context.Background())
	assert.Equal(t, anchored.StateOffline, status.State)
	assert.Equal(t, 1, status.Pending, "Sync flushes the debounced insert")
}

func TestOpen_RemoteWithoutAdapter(t *testing.T) {
	_, err := anchored.Open(context.Background(), anchored.Config{
		LocalPath: filepath.Join(t.TempDir(), "anchored.db"),
		Remote:    anchored.RemotePostgres,
		RemoteURL: "postgres://localhost/anchored",
		UserID:    "user-1",
	}, anchored.ClientOptions{Logger: quietLogger()})

	var ve *anchored.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Remote", ve.Field)
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := anchored.Open(context.Background(), anchored.Config{
		LocalPath: filepath.Join(t.TempDir(), "anchored.db"),
		Remote:    "mongo",
	}, anchored.ClientOptions{})

	var ve *anchored.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Remote", ve.Field)
}

func TestOpen_ClientIDPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchored.db")
	opts := anchored.ClientOptions{Logger: quietLogger()}

	first, err := anchored.Open(context.Background(), anchored.Config{LocalPath: path}, opts)
	require.NoError(t, err)
	id := first.Store().ClientID()
	require.NoError(t, first.Close())
	assert.True(t, anchored.IsRemoteID(id), "generated ids are UUIDs, got %q", id)

	second, err := anchored.Open(context.Background(), anchored.Config{LocalPath: path}, opts)
	require.NoError(t, err)
	assert.Equal(t, id, second.Store().ClientID())
	require.NoError(t, second.Close())

	explicit, err := anchored.Open(context.Background(), anchored.Config{LocalPath: path, ClientID: "laptop"}, opts)
	require.NoError(t, err)
	defer explicit.Close()
	assert.Equal(t, "laptop", explicit.Store().ClientID())
}

func TestOpen_RecoversUnqueuedChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchored.db")

	store, err := anchored.OpenStore(path, anchored.StoreOptions{ClientID: "device-a"})
	require.NoError(t, err)
	body := "draft"
	doc, err := store.Create(anchored.CreateInput{Type: "note", Body: &body})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	c, err := anchored.Open(context.Background(), anchored.Config{LocalPath: path}, anchored.ClientOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer c.Close()

	entries := pendingEntries(t, c)
	require.Len(t, entries, 2)
	assert.Equal(t, anchored.TableDocuments, entries[0].Table)
	assert.Equal(t, anchored.OpInsert, entries[0].Operation)
	assert.Equal(t, doc.ID, entries[0].RecordID)
	assert.Equal(t, anchored.TableBodies, entries[1].Table)
}

func TestClose_FlushesPendingWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchored.db")
	opts := anchored.ClientOptions{Logger: quietLogger()}

	c, err := anchored.Open(context.Background(), anchored.Config{LocalPath: path}, opts)
	require.NoError(t, err)
	_, err = c.Create(context.Background(), anchored.CreateInput{Type: "note"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close is idempotent")

	reopened, err := anchored.Open(context.Background(), anchored.Config{LocalPath: path}, opts)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Len(t, pendingEntries(t, reopened), 1)
}

// ============================================================================
// Debounced enqueue
// ============================================================================

func TestClient_DebounceCoalescesEdits(t *testing.T) {
	ctx := context.Background()
	c, remote, fc := openSynced(t)

	doc, err := c.Create(ctx, anchored.CreateInput{Type: "note", Title: "one"})
	require.NoError(t, err)
	for _, title := range []string{"two", "three", "final"} {
		fc.Advance(100 * time.Millisecond)
		_, err = c.Update(ctx, doc.ID, anchored.Patch{Title: &title})
		require.NoError(t, err)
	}
	assert.Empty(t, pendingEntries(t, c), "nothing is queued inside the window")

	fc.Advance(anchored.DefaultDebounceWindow)
	entries := pendingEntries(t, c)
	require.Len(t, entries, 1)
	assert.Equal(t, anchored.OpInsert, entries[0].Operation, "a pending insert stays an insert")

	stats, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)

	stored, ok := remote.Document(doc.ID)
	require.True(t, ok)
	assert.Equal(t, "final", stored.Title)
	assert.Empty(t, pendingEntries(t, c))

	local, err := c.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, local.IsDirty())
}

func TestClient_SeparateRecordsGetSeparateEntries(t *testing.T) {
	ctx := context.Background()
	c, _, fc := openSynced(t)

	body := "hello"
	doc, err := c.Create(ctx, anchored.CreateInput{Type: "note", Body: &body})
	require.NoError(t, err)
	_, err = c.SetBody(ctx, doc.ID, "hello again")
	require.NoError(t, err)

	fc.Advance(anchored.DefaultDebounceWindow)
	entries := pendingEntries(t, c)
	require.Len(t, entries, 2)
	assert.Equal(t, anchored.TableDocuments, entries[0].Table)
	assert.Equal(t, anchored.TableBodies, entries[1].Table)

	payload, err := entries[1].BodyPayload()
	require.NoError(t, err)
	assert.Equal(t, "hello again", payload.Content)
}

func TestClient_PurgeSupersedesPendingWrites(t *testing.T) {
	ctx := context.Background()
	c, remote, _ := openSynced(t)

	doc, err := c.Create(ctx, anchored.CreateInput{Type: "note"})
	require.NoError(t, err)
	_, err = c.Trash(ctx, doc.ID)
	require.NoError(t, err)
	_, err = c.Purge(ctx, doc.ID)
	require.NoError(t, err)

	entries := pendingEntries(t, c)
	require.Len(t, entries, 1)
	assert.Equal(t, anchored.OpDelete, entries[0].Operation)

	stats, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
	assert.Zero(t, remote.Len())
	assert.Empty(t, pendingEntries(t, c))
}

func TestClient_PurgeRequiresTrash(t *testing.T) {
	ctx := context.Background()
	c, _, _ := openSynced(t)

	doc, err := c.Create(ctx, anchored.CreateInput{Type: "note"})
	require.NoError(t, err)
	_, err = c.Purge(ctx, doc.ID)
	assert.ErrorIs(t, err, anchored.ErrNotTrashed)
}

// ============================================================================
// Sync control
// ============================================================================

func TestClient_AutoSyncStartsEngine(t *testing.T) {
	fc := clock.NewFake(clientEpoch)
	remote := anchored.NewMemoryRemote(fc)
	c, err := anchored.Open(context.Background(), anchored.Config{
		Remote:   anchored.RemoteMemory,
		AutoSync: true,
	}, anchored.ClientOptions{
		Remote:  remote,
		Network: anchored.NewStaticNetwork(true),
		Clock:   fc,
		Logger:  quietLogger(),
		Backend: kv.NewMemory(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return remote.Calls(anchored.OpFetchSince) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Status(context.Background()).State == anchored.StateSynced
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	_, err = c.Engine().ScheduleSync(context.Background())
	assert.ErrorIs(t, err, anchored.ErrEngineStopped)
}

func TestClient_RetryAndDismissFailedEntries(t *testing.T) {
	ctx := context.Background()
	c, remote, fc := openSynced(t)
	remote.SetHook(func(_ context.Context, op, _ string) error {
		if op == anchored.OpInsertRemote {
			return &anchored.SyncError{Operation: "insert", StatusCode: 503}
		}
		return nil
	})

	doc, err := c.Create(ctx, anchored.CreateInput{Type: "note"})
	require.NoError(t, err)
	policy := c.Queue().Policy()
	for i := 0; i < policy.MaxAttempts; i++ {
		_, err = c.Sync(ctx)
		require.NoError(t, err)
		fc.Advance(policy.MaxDelay)
	}

	failed, err := c.FailedEntries()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, doc.ID, failed[0].RecordID)
	assert.Equal(t, 1, c.Status(ctx).Failed)

	remote.SetHook(nil)
	_, err = c.RetryEntry(failed[0].ID)
	require.NoError(t, err)
	stats, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)

	_, err = c.RetryEntry(failed[0].ID)
	assert.ErrorIs(t, err, anchored.ErrEntryNotFound)
	assert.ErrorIs(t, c.DismissEntry(failed[0].ID), anchored.ErrEntryNotFound)
}

func TestClient_HealthCheck(t *testing.T) {
	c, remote, _ := openSynced(t)

	h := c.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.True(t, h.RemoteReachable)

	remote.SetHook(func(context.Context, string, string) error { return anchored.ErrOffline })
	h = c.HealthCheck(context.Background())
	assert.True(t, h.StoreOK)
	assert.False(t, h.RemoteReachable)
	assert.NotEmpty(t, h.Error)
}
