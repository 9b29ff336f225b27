// Package statusapi serves the local sync status API: liveness, sync state,
// queue inspection, manual sync and Prometheus metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dwaynemcyrus/anchored"
)

// Service is the part of *anchored.Client the API drives.
type Service interface {
	Status(ctx context.Context) anchored.SyncStatus
	Sync(ctx context.Context) (*anchored.SyncStats, error)
	QueueEntries(opts anchored.ListOptions) ([]anchored.QueueEntry, error)
	RetryEntry(id string) (*anchored.QueueEntry, error)
	DismissEntry(id string) error
}

// Options configures the router.
type Options struct {
	// Token, when set, is required as a Bearer token on every route except
	// /health/live.
	Token string
	// Gatherer serves /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

type handler struct {
	svc    Service
	logger *log.Logger
}

// NewRouter creates a chi router with all status routes mounted.
func NewRouter(svc Service, opts Options) chi.Router {
	h := &handler{svc: svc, logger: opts.Logger}
	if h.logger == nil {
		h.logger = log.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health/live", h.live)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(opts.Token))
		r.Get("/status", h.status)
		r.Post("/sync", h.sync)
		r.Get("/queue", h.queue)
		r.Post("/queue/{id}/retry", h.retry)
		r.Delete("/queue/{id}", h.dismiss)
		if opts.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
		}
	})
	return r
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Sync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, stats)
	case errors.Is(err, anchored.ErrNoRemote):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, anchored.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Warn("manual sync failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handler) queue(w http.ResponseWriter, r *http.Request) {
	opts := anchored.ListOptions{IncludeDeferred: true, IncludeFailed: true}
	entries, err := h.svc.QueueEntries(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []anchored.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.RetryEntry(chi.URLParam(r, "id"))
	if errors.Is(err, anchored.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) dismiss(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DismissEntry(chi.URLParam(r, "id"))
	if errors.Is(err, anchored.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResponse{Error: msg})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
