// Package api serves a read-only JSON view of the inventory and of the live
// host state for the topology UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
	"github.com/cochaviz/slicenet/internal/orchestrator"
	"github.com/cochaviz/slicenet/internal/topology"
)

// LiveView answers questions about resources that exist right now.
type LiveView interface {
	Status(ctx context.Context, id, switchName string) (*orchestrator.StatusResult, error)
	Workers(ctx context.Context) []models.Worker
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// API holds the stores the handlers read from.
type API struct {
	store    *inventory.Store
	topology *topology.Store
	live     LiveView
	logger   *slog.Logger
}

// New returns an API over store. topo and live may be nil; their routes then
// answer 501.
func New(store *inventory.Store, topo *topology.Store, live LiveView, logger *slog.Logger) *API {
	return &API{store: store, topology: topo, live: live, logger: logging.Ensure(logger)}
}

// Router returns a chi router with every route and the standard middleware.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the handlers on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v0", func(r chi.Router) {
		r.Get("/slices", a.listSlicesHandler)
		r.Route("/slices/{id}", func(r chi.Router) {
			r.Use(validSliceID)
			r.Get("/", a.getSliceHandler)
			r.Get("/status", a.sliceStatusHandler)
			r.Get("/topology", a.sliceTopologyHandler)
			r.Get("/operations", a.listOperationsHandler)
		})
		r.Get("/operations", a.listOperationsHandler)
		r.Get("/topology", a.listTopologyHandler)
		r.Get("/workers", a.workersHandler)
	})
}

func validSliceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := naming.ValidateID(chi.URLParam(r, "id")); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid slice id"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *API) listSlicesHandler(w http.ResponseWriter, r *http.Request) {
	slices, err := a.store.ListSlices(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to list slices", err)
		return
	}
	if slices == nil {
		slices = []models.Slice{}
	}
	a.writeJSON(w, http.StatusOK, slices)
}

func (a *API) getSliceHandler(w http.ResponseWriter, r *http.Request) {
	slice, err := a.store.GetSlice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "slice not found", nil)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "failed to get slice", err)
		return
	}
	a.writeJSON(w, http.StatusOK, slice)
}

func (a *API) sliceStatusHandler(w http.ResponseWriter, r *http.Request) {
	if a.live == nil {
		a.writeError(w, http.StatusNotImplemented, "live status not available", nil)
		return
	}
	status, err := a.live.Status(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("switch"))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to collect status", err)
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

func (a *API) sliceTopologyHandler(w http.ResponseWriter, r *http.Request) {
	if a.topology == nil {
		a.writeError(w, http.StatusNotImplemented, "topology store not configured", nil)
		return
	}
	doc, err := a.topology.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.writeError(w, http.StatusNotFound, "topology not found", nil)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "failed to read topology", err)
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

func (a *API) listTopologyHandler(w http.ResponseWriter, _ *http.Request) {
	if a.topology == nil {
		a.writeError(w, http.StatusNotImplemented, "topology store not configured", nil)
		return
	}
	docs, err := a.topology.List()
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to list topology", err)
		return
	}
	if docs == nil {
		docs = []topology.Document{}
	}
	a.writeJSON(w, http.StatusOK, docs)
}

// listOperationsHandler serves both the global and the per-slice history.
// ?limit=N caps the result, newest first.
func (a *API) listOperationsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if value := r.URL.Query().Get("limit"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			a.writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	ops, err := a.store.ListOperations(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to list operations", err)
		return
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	a.writeJSON(w, http.StatusOK, ops)
}

func (a *API) workersHandler(w http.ResponseWriter, r *http.Request) {
	if a.live == nil {
		a.writeError(w, http.StatusNotImplemented, "worker probing not available", nil)
		return
	}
	a.writeJSON(w, http.StatusOK, a.live.Workers(r.Context()))
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string, cause error) {
	if cause != nil {
		a.logger.Error(msg, "error", cause)
	}
	a.writeJSON(w, status, ErrorResponse{Error: msg})
}
