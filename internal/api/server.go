package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"exhibition-bot/internal/config"
	"exhibition-bot/internal/models"
	"exhibition-bot/internal/store"
	"exhibition-bot/internal/telemetry"
)

// Server wires HTTP handlers for tenant administration and the evaluation
// API. Evaluation writes clear the synced flag; the per-tenant sync job picks
// the records up on its next run.
type Server struct {
	cfg   config.Config
	store *store.Store
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store) *Server {
	return &Server{cfg: cfg, store: st}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tenants", s.handleCreateTenant)
	r.Get("/tenants", s.handleListTenants)
	r.Get("/tenants/{id}", s.handleGetTenant)
	r.Post("/tenants/{id}/activate", s.handleSetActive(true))
	r.Post("/tenants/{id}/deactivate", s.handleSetActive(false))

	r.Get("/tenants/{id}/records", s.handleListRecords)
	r.Get("/records/{id}", s.handleGetRecord)
	r.Post("/evaluations", s.handleEvaluate)
	return r
}

type createTenantRequest struct {
	Name        string `json:"name"`
	BotToken    string `json:"bot_token"`
	PhotoPrefix string `json:"photo_prefix"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.BotToken == "" {
		http.Error(w, "name and bot_token are required", http.StatusBadRequest)
		return
	}

	tenant, err := s.store.CreateTenant(r.Context(), req.Name, req.BotToken, req.PhotoPrefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListActiveTenants(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.store.GetTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.SetTenantActive(r.Context(), chi.URLParam(r, "id"), active); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state != "" && !models.ValidRecordState(state) {
		http.Error(w, "unknown state filter", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.store.ListRecords(r.Context(), chi.URLParam(r, "id"), state, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type evaluateRequest struct {
	RecordIDs   []string `json:"record_ids"`
	State       string   `json:"state"`
	EvaluatorID string   `json:"evaluator_id"`
	Comment     string   `json:"comment"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.RecordIDs) == 0 {
		http.Error(w, "record_ids is required", http.StatusBadRequest)
		return
	}
	if !models.ValidRecordState(req.State) || req.State == models.StatePending {
		http.Error(w, "state must be approved, featured, or rejected", http.StatusBadRequest)
		return
	}
	if req.EvaluatorID == "" {
		http.Error(w, "evaluator_id is required", http.StatusBadRequest)
		return
	}

	updated, err := s.store.MarkEvaluated(r.Context(), req.RecordIDs, req.State, req.EvaluatorID, req.Comment)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
