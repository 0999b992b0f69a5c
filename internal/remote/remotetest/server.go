// Package remotetest emulates the remote chat-row API in-process so the
// sync paths can be tested without a real backend. It enforces the same
// (url_id, owner_id) uniqueness the production server does.
package remotetest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"chatvault/internal/remote"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Server struct {
	mu       sync.Mutex
	rows     map[string]remote.Row // keyed by row id
	router   chi.Router
	failNext bool

	apiKey string
}

// New builds an emulation server. apiKey may be empty to disable auth checks.
func New(apiKey string) *Server {
	s := &Server{
		rows:   make(map[string]remote.Row),
		apiKey: apiKey,
	}
	r := chi.NewRouter()
	r.Route("/chats", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/", s.handleSelect)
		r.Post("/", s.handleUpsert)
		r.Patch("/", s.handleUpdate)
		r.Delete("/", s.handleDelete)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// FailNext makes the next request return 500, for transient-failure tests.
func (s *Server) FailNext() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

// Rows returns a copy of the stored rows.
func (s *Server) Rows() []remote.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	return out
}

// Seed inserts a row directly, bypassing uniqueness checks.
func (s *Server) Seed(row remote.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	s.rows[row.ID] = row
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fail := s.failNext
		s.failNext = false
		s.mu.Unlock()
		if fail {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		if s.apiKey != "" && r.Header.Get("apikey") != s.apiKey {
			http.Error(w, "bad api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rowFilter struct {
	id      string
	urlID   string
	ownerID *string
}

func parseFilter(r *http.Request) rowFilter {
	eq := func(key string) (string, bool) {
		v := r.URL.Query().Get(key)
		if strings.HasPrefix(v, "eq.") {
			return strings.TrimPrefix(v, "eq."), true
		}
		return "", false
	}
	var f rowFilter
	f.id, _ = eq("id")
	f.urlID, _ = eq("url_id")
	if owner, ok := eq("owner_id"); ok {
		f.ownerID = &owner
	}
	return f
}

func (f rowFilter) matches(row remote.Row) bool {
	if f.id != "" && row.ID != f.id {
		return false
	}
	if f.urlID != "" && row.URLID != f.urlID {
		return false
	}
	if f.ownerID != nil && row.OwnerID != *f.ownerID {
		return false
	}
	return true
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	s.mu.Lock()
	var matched []remote.Row
	for _, row := range s.rows {
		if f.matches(row) {
			matched = append(matched, row)
		}
	}
	s.mu.Unlock()
	if matched == nil {
		matched = []remote.Row{}
	}
	writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var row remote.Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		http.Error(w, "bad row payload", http.StatusBadRequest)
		return
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	merge := r.Header.Get("Prefer") == "resolution=merge-duplicates" &&
		r.URL.Query().Get("on_conflict") == remote.ConflictKeyURLOwner

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.rows {
		if id == row.ID {
			continue
		}
		if row.URLID != "" && existing.URLID == row.URLID && existing.OwnerID == row.OwnerID {
			if !merge {
				http.Error(w, "duplicate (url_id, owner_id)", http.StatusConflict)
				return
			}
			// 合并语义：原地更新既有行 / merge semantics: update in place
			row.ID = id
			break
		}
	}
	s.rows[row.ID] = row
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "bad patch payload", http.StatusBadRequest)
		return
	}
	f := parseFilter(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if !f.matches(row) {
			continue
		}
		applyPatch(&row, patch)
		s.rows[id] = row
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if f.matches(row) {
			delete(s.rows, id)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func applyPatch(row *remote.Row, patch map[string]json.RawMessage) {
	setString := func(key string, dst *string) {
		if raw, ok := patch[key]; ok {
			_ = json.Unmarshal(raw, dst)
		}
	}
	setString("description", &row.Description)
	setString("model", &row.Model)
	setString("timestamp", &row.Timestamp)
	setString("url_id", &row.URLID)
	if raw, ok := patch["messages"]; ok {
		row.Messages = raw
	}
	if raw, ok := patch["file_state"]; ok {
		row.FileState = raw
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
