package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/bioface/internal/broadcast"
	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/registry"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/types"
	"github.com/go-chi/chi/v5"
)

const errInvalidRequestBody = "invalid request body"

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, types.ErrorResult{Error: message})
}

// respondStoreError maps store errors to status codes.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrOwnerNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSameOwner):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// isInputError reports whether err was caused by a malformed vector or frame.
func isInputError(err error) bool {
	return errors.Is(err, match.ErrEmptyVector) ||
		errors.Is(err, match.ErrZeroVector) ||
		errors.Is(err, match.ErrNonFinite) ||
		errors.Is(err, match.ErrDimensionMismatch) ||
		errors.Is(err, types.ErrNoSubject) ||
		errors.Is(err, registry.ErrNoVectors)
}

func ownerID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := s.deps.Store.ListOwners(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if owners == nil {
		owners = []store.Owner{}
	}
	respondJSON(w, http.StatusOK, owners)
}

// createOwner creates an owner, enrolling the request's vectors if present.
func (s *Server) createOwner(w http.ResponseWriter, r *http.Request) {
	var req registry.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if len(req.Vectors) == 0 {
		o, err := s.deps.Store.CreateOwner(r.Context(), strings.TrimSpace(req.Name))
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, registry.EnrollResult{Owner: o})
		return
	}

	res, err := registry.Enroll(r.Context(), s.deps.Store, s.deps.Engine, req)
	switch {
	case errors.Is(err, registry.ErrAlreadyEnrolled):
		respondJSON(w, http.StatusConflict, res)
		return
	case err != nil && isInputError(err):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		respondStoreError(w, err)
		return
	}
	s.invalidate()
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) getOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid owner ID")
		return
	}
	o, err := s.deps.Store.GetOwner(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) renameOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid owner ID")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if err := s.deps.Store.RenameOwner(r.Context(), id, strings.TrimSpace(body.Name)); err != nil {
		respondStoreError(w, err)
		return
	}
	s.invalidate()
	o, err := s.deps.Store.GetOwner(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) deleteOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid owner ID")
		return
	}
	if err := s.deps.Store.DeleteOwner(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	s.invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteOwnerEmbeddings(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid owner ID")
		return
	}
	n, err := s.deps.Store.DeleteOwnerEmbeddings(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	s.invalidate()
	respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type identifyRequest struct {
	Vector match.Vector `json:"vector"`
}

type identifyResponse struct {
	Outcome    match.Outcome     `json:"outcome"`
	Display    string            `json:"display,omitempty"`
	Candidates []match.Candidate `json:"candidates"`
	Compared   int               `json:"compared"`
	Skipped    int               `json:"skipped"`
}

// identify resolves one vector against the stored corpus without touching
// any tracking session.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	snap, err := s.deps.Store.Snapshot(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	id, err := s.deps.Engine.Identify(req.Vector, snap)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := identifyResponse{
		Outcome:    id.Outcome,
		Candidates: id.Candidates,
		Compared:   id.Report.Compared,
		Skipped:    id.Report.Skipped,
	}
	if resp.Candidates == nil {
		resp.Candidates = []match.Candidate{}
	}
	if id.IsMatch() {
		resp.Display = store.Label(id.OwnerID, id.Name)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) ingestFrame(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		respondError(w, http.StatusServiceUnavailable, "tracking disabled")
		return
	}
	var f types.Frame
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	u, err := s.process(r.Context(), f)
	if err != nil {
		if isInputError(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) listSubjects(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		respondError(w, http.StatusServiceUnavailable, "tracking disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Tracker.Subjects(r.Context()))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{Kind: store.EventKind(q.Get("kind")), Limit: 100}

	if f.Kind != "" && f.Kind != store.EventIdentity && f.Kind != store.EventEmotion {
		respondError(w, http.StatusBadRequest, "kind must be identity or emotion")
		return
	}
	if v := q.Get("owner_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid owner_id")
			return
		}
		f.OwnerID = id
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	events, err := s.deps.Store.Events(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if !broadcast.ValidChannel(channel) {
		respondError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if s.deps.Hub == nil {
		respondError(w, http.StatusServiceUnavailable, "broadcast disabled")
		return
	}
	s.deps.Hub.ServeWS(w, r, channel)
}
