package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"exhibition-bot/internal/supervisor"
	"exhibition-bot/internal/telemetry"
)

// Admin exposes the bot process's operational surface: supervisor status and
// the operator reset for abandoned tenants.
type Admin struct {
	sup *supervisor.Supervisor
}

// NewAdmin constructs the admin server.
func NewAdmin(sup *supervisor.Supervisor) *Admin {
	return &Admin{sup: sup}
}

// Router builds the admin HTTP router.
func (a *Admin) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/supervisor/status", a.handleStatus)
	r.Post("/supervisor/tenants/{id}/reset", a.handleReset)
	return r
}

func (a *Admin) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": a.sup.Status()})
}

func (a *Admin) handleReset(w http.ResponseWriter, r *http.Request) {
	err := a.sup.ResetTenant(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	case errors.Is(err, supervisor.ErrUnknownTenant):
		http.Error(w, "no worker handle for tenant", http.StatusNotFound)
	case errors.Is(err, supervisor.ErrNotAbandoned):
		http.Error(w, "tenant is not abandoned", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
