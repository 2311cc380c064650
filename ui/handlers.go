// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package ui serves a read-mostly monitor of one robin namespace over HTTP.
package ui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/admwrd/robin"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Inspector is the part of robin.Inspector the monitor reads from.
type Inspector interface {
	Stats(ctx context.Context) (*robin.NamespaceStats, error)
	ListPending(ctx context.Context, limit int) ([]*robin.JobInfo, error)
	ListRetry(ctx context.Context, limit int) ([]*robin.JobInfo, error)
	ListStalled(ctx context.Context, limit int) ([]*robin.JobInfo, error)
	ListDead(ctx context.Context, limit int) ([]*robin.JobInfo, error)
	RequeueDead(ctx context.Context, id string) error
	RequeueAllDead(ctx context.Context) (int, error)
	RequeueStalled(ctx context.Context) (int, error)
}

var _ Inspector = (*robin.Inspector)(nil)

// Handler handles HTTP requests for the UI.
type Handler struct {
	inspector Inspector
	dashboard *template.Template
}

// NewHandler creates a new Handler.
func NewHandler(inspector Inspector) (*Handler, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/dashboard.html")
	if err != nil {
		return nil, err
	}
	return &Handler{inspector: inspector, dashboard: tmpl}, nil
}

// Routes returns the router serving the dashboard and the JSON API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", h.handleDashboard)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.handleStats)
		r.Get("/pending", h.handleList(h.inspector.ListPending))
		r.Get("/retry", h.handleList(h.inspector.ListRetry))
		r.Get("/stalled", h.handleList(h.inspector.ListStalled))
		r.Post("/stalled/requeue", h.handleRequeueStalled)
		r.Get("/dead", h.handleList(h.inspector.ListDead))
		r.Post("/dead/requeue", h.handleRequeueAllDead)
		r.Post("/dead/{id}/requeue", h.handleRequeueDead)
	})
	return r
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	dead, err := h.inspector.ListDead(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	data := map[string]interface{}{
		"Stats": stats,
		"Dead":  dead,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.dashboard.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// jobView is the JSON representation of a job.
type jobView struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	State         string          `json:"state"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RawPayload    string          `json:"raw_payload,omitempty"`
	Attempt       int             `json:"attempt"`
	EnqueuedAt    *int64          `json:"enqueued_at,omitempty"`
	LastErr       string          `json:"last_error,omitempty"`
	LastFailedAt  *int64          `json:"last_failed_at,omitempty"`
	NextProcessAt *int64          `json:"next_process_at,omitempty"`
}

func newJobView(info *robin.JobInfo) jobView {
	v := jobView{
		ID:      info.ID,
		Type:    info.Type,
		State:   info.State,
		Attempt: info.Attempt,
		LastErr: info.LastErr,
	}
	if json.Valid(info.Payload) {
		v.Payload = info.Payload
	} else {
		v.RawPayload = string(info.Payload)
	}
	if !info.EnqueuedAt.IsZero() {
		t := info.EnqueuedAt.Unix()
		v.EnqueuedAt = &t
	}
	if !info.LastFailedAt.IsZero() {
		t := info.LastFailedAt.Unix()
		v.LastFailedAt = &t
	}
	if !info.NextProcessAt.IsZero() {
		t := info.NextProcessAt.Unix()
		v.NextProcessAt = &t
	}
	return v
}

func (h *Handler) handleList(list func(context.Context, int) ([]*robin.JobInfo, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		infos, err := list(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]jobView, len(infos))
		for i, info := range infos {
			views[i] = newJobView(info)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func (h *Handler) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.inspector.RequeueDead(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": 1})
}

func (h *Handler) handleRequeueAllDead(w http.ResponseWriter, r *http.Request) {
	n, err := h.inspector.RequeueAllDead(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) handleRequeueStalled(w http.ResponseWriter, r *http.Request) {
	n, err := h.inspector.RequeueStalled(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, robin.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, robin.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
