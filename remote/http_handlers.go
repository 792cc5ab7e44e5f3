// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handlers exposes a Store over HTTP
type Handlers struct {
	store  Store
	auth   *JWTAuth
	logger *slog.Logger
}

// NewHandlers creates the HTTP handlers. auth may be nil to disable authentication (tests, local tooling).
func NewHandlers(store Store, auth *JWTAuth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, auth: auth, logger: logger}
}

// Router builds the chi router for the records API
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/health", h.HandleHealth)
	r.Group(func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth.Middleware)
		}
		r.Get("/v1/records/{entityType}/{id}", h.HandleFetch)
		r.Put("/v1/records/{entityType}/{id}", h.HandleUpsert)
		r.Delete("/v1/records/{entityType}/{id}", h.HandleDelete)
	})
	return r
}

// HandleHealth reports store reachability
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if p, ok := h.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.Warn("Health check failed", "error", err)
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, HealthResponse{Status: status, Version: APIVersion})
}

// HandleFetch returns the current record
func (h *Handlers) HandleFetch(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")
	rec, err := h.store.Fetch(r.Context(), entityType, id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleUpsert applies an upsert
func (h *Handlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	wr, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}
	rec, err := h.store.Upsert(r.Context(), wr)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleDelete applies a delete
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	wr, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}
	rec, err := h.store.Delete(r.Context(), wr)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) decodeWrite(w http.ResponseWriter, r *http.Request) (Write, bool) {
	var wr Write
	if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeInvalid, "Failed to parse write request")
		return Write{}, false
	}
	// Path is authoritative
	wr.EntityType = chi.URLParam(r, "entityType")
	wr.ID = chi.URLParam(r, "id")
	return wr, true
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	var mismatch *RevisionMismatchError
	switch {
	case errors.As(err, &mismatch):
		writeJSONErrorBody(w, http.StatusConflict, ErrorResponse{Error: CodeRevisionMismatch, Message: err.Error(), Current: mismatch.Current})
	case errors.Is(err, ErrRevisionMismatch):
		writeJSONError(w, http.StatusConflict, CodeRevisionMismatch, err.Error())
	case errors.Is(err, ErrNotFound):
		writeJSONError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		writeJSONError(w, http.StatusUnprocessableEntity, CodeInvalid, err.Error())
	case errors.Is(err, ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		h.logger.Error("Store operation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a standardized error response
func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONErrorBody(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

func writeJSONErrorBody(w http.ResponseWriter, statusCode int, body ErrorResponse) {
	writeJSON(w, statusCode, body)
}
