// Package relaytest implements the relay's wire contract in memory, using
// gorilla/mux for routing, so push/pull pipeline tests don't need Docker or
// a real relay deployment.
package relaytest

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/haex-space/haex-vault-sync/internal/model"
	"github.com/haex-space/haex-vault-sync/internal/transport"
)

// Server is an in-memory stand-in for a relay, exposing the same HTTP
// surface internal/transport.Client calls.
type Server struct {
	mu      sync.Mutex
	changes map[model.VaultId][]model.ColumnChange
	vaults  map[model.VaultId]transport.VaultSummary
	router  *mux.Router

	// Token, if set, is the only bearer token Handler accepts; empty means
	// accept anything non-empty (most pipeline tests don't exercise auth).
	Token string
}

// New constructs an empty Server and wires its routes.
func New() *Server {
	s := &Server{
		changes: map[model.VaultId][]model.ColumnChange{},
		vaults:  map[model.VaultId]transport.VaultSummary{},
	}
	r := mux.NewRouter()
	r.HandleFunc("/sync/push", s.handlePush).Methods(http.MethodPost)
	r.HandleFunc("/sync/pull", s.handlePull).Methods(http.MethodGet)
	r.HandleFunc("/sync/pull-columns", s.handlePullColumns).Methods(http.MethodPost)
	r.HandleFunc("/sync/vaults", s.handleListVaults).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler, for httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if s.Token == "" {
		return auth != ""
	}
	return auth == "Bearer "+s.Token
}

// Changes returns every change accepted for vaultId, for test assertions.
func (s *Server) Changes(vaultId model.VaultId) []model.ColumnChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ColumnChange, len(s.changes[vaultId]))
	copy(out, s.changes[vaultId])
	return out
}

// Seed preloads changes as if another device had already pushed them,
// useful for pull-path tests.
func (s *Server) Seed(vaultId model.VaultId, changes ...model.ColumnChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[vaultId] = append(s.changes[vaultId], changes...)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req transport.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.changes[req.VaultId] = append(s.changes[req.VaultId], req.Changes...)
	s.mu.Unlock()

	writeJSON(w, transport.PushResponse{ServerTimestamp: time.Now().UTC(), Accepted: len(req.Changes)})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	vaultId := model.VaultId(r.URL.Query().Get("vaultId"))

	s.mu.Lock()
	all := append([]model.ColumnChange{}, s.changes[vaultId]...)
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].TableName != all[j].TableName {
			return all[i].TableName < all[j].TableName
		}
		return all[i].RowPKs < all[j].RowPKs
	})

	writeJSON(w, transport.PullPage{Changes: all, HasMore: false, ServerTimestamp: time.Now().UTC()})
}

func (s *Server) handlePullColumns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VaultId model.VaultId             `json:"vaultId"`
		Columns []transport.ColumnSelector `json:"columns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wanted := map[string]struct{}{}
	for _, c := range req.Columns {
		wanted[c.TableName+"."+c.ColumnName] = struct{}{}
	}

	s.mu.Lock()
	var out []model.ColumnChange
	for _, ch := range s.changes[req.VaultId] {
		if _, ok := wanted[ch.TableName+"."+ch.ColumnName]; ok {
			out = append(out, ch)
		}
	}
	s.mu.Unlock()

	writeJSON(w, transport.PullPage{Changes: out, HasMore: false, ServerTimestamp: time.Now().UTC()})
}

func (s *Server) handleListVaults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var out []transport.VaultSummary
	for _, v := range s.vaults {
		out = append(out, v)
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
