package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwaynemcyrus/anchored"
)

type fakeService struct {
	status  func(ctx context.Context) anchored.SyncStatus
	sync    func(ctx context.Context) (*anchored.SyncStats, error)
	entries func(opts anchored.ListOptions) ([]anchored.QueueEntry, error)
	retry   func(id string) (*anchored.QueueEntry, error)
	dismiss func(id string) error
}

func (f *fakeService) Status(ctx context.Context) anchored.SyncStatus { return f.status(ctx) }
func (f *fakeService) Sync(ctx context.Context) (*anchored.SyncStats, error) {
	return f.sync(ctx)
}
func (f *fakeService) QueueEntries(opts anchored.ListOptions) ([]anchored.QueueEntry, error) {
	return f.entries(opts)
}
func (f *fakeService) RetryEntry(id string) (*anchored.QueueEntry, error) { return f.retry(id) }
func (f *fakeService) DismissEntry(id string) error                      { return f.dismiss(id) }

func serve(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLive_NoAuthRequired(t *testing.T) {
	router := NewRouter(&fakeService{}, Options{Token: "secret"})
	w := serve(t, router, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAuth(t *testing.T) {
	svc := &fakeService{status: func(context.Context) anchored.SyncStatus {
		return anchored.SyncStatus{State: anchored.StateIdle}
	}}
	router := NewRouter(svc, Options{Token: "secret"})

	assert.Equal(t, http.StatusUnauthorized, serve(t, router, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, router, http.MethodGet, "/status", "wrong").Code)
	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodGet, "/status", "secret").Code)
}

func TestStatus(t *testing.T) {
	cursor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := &fakeService{status: func(context.Context) anchored.SyncStatus {
		return anchored.SyncStatus{State: anchored.StateSynced, Cursor: &cursor, Pending: 2, Failed: 1}
	}}
	w := serve(t, NewRouter(svc, Options{}), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got anchored.SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, anchored.StateSynced, got.State)
	assert.Equal(t, 2, got.Pending)
	assert.Equal(t, 1, got.Failed)
	require.NotNil(t, got.Cursor)
	assert.True(t, got.Cursor.Equal(cursor))
}

func TestSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"no remote", anchored.ErrNoRemote, http.StatusConflict},
		{"offline", anchored.ErrOffline, http.StatusServiceUnavailable},
		{"other", &anchored.SyncError{Operation: "fetch_since", StatusCode: 502}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{sync: func(context.Context) (*anchored.SyncStats, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &anchored.SyncStats{Pushed: 3}, nil
			}}
			w := serve(t, NewRouter(svc, Options{}), http.MethodPost, "/sync", "")
			assert.Equal(t, tt.want, w.Code)
			if tt.err == nil {
				assert.Contains(t, w.Body.String(), `"pushed":3`)
			} else {
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestQueue_ListAndFilter(t *testing.T) {
	var gotOpts anchored.ListOptions
	svc := &fakeService{entries: func(opts anchored.ListOptions) ([]anchored.QueueEntry, error) {
		gotOpts = opts
		return []anchored.QueueEntry{
			{ID: "a", Status: anchored.QueuePending},
			{ID: "b", Status: anchored.QueueFailed},
		}, nil
	}}
	router := NewRouter(svc, Options{})

	w := serve(t, router, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOpts.IncludeDeferred)
	assert.True(t, gotOpts.IncludeFailed)
	var all []anchored.QueueEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	w = serve(t, router, http.MethodGet, "/queue?status=failed", "")
	var failed []anchored.QueueEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)

	w = serve(t, router, http.MethodGet, "/queue?status=retrying", "")
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestQueue_RetryAndDismiss(t *testing.T) {
	svc := &fakeService{
		retry: func(id string) (*anchored.QueueEntry, error) {
			if id != "known" {
				return nil, anchored.ErrEntryNotFound
			}
			return &anchored.QueueEntry{ID: id, Status: anchored.QueuePending}, nil
		},
		dismiss: func(id string) error {
			if id != "known" {
				return anchored.ErrEntryNotFound
			}
			return nil
		},
	}
	router := NewRouter(svc, Options{})

	w := serve(t, router, http.MethodPost, "/queue/known/retry", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
	assert.Equal(t, http.StatusNotFound, serve(t, router, http.MethodPost, "/queue/missing/retry", "").Code)

	assert.Equal(t, http.StatusNoContent, serve(t, router, http.MethodDelete, "/queue/known", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, router, http.MethodDelete, "/queue/missing", "").Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	anchored.NewMetrics(reg)

	w := serve(t, NewRouter(&fakeService{}, Options{Gatherer: reg}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "anchored_queue_pending")

	w = serve(t, NewRouter(&fakeService{}, Options{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", NewRouter(&fakeService{}, Options{}), nil)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
