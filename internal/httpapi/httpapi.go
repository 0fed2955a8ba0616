// Package httpapi wires internal/controlplane's operations onto a plain
// net/http.ServeMux. It exists to demonstrate every control-plane
// operation is reachable over HTTP (spec.md §1 keeps the production
// routing/auth/middleware stack itself out of scope) — this is
// intentionally not a production router.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/taskhub/taskhub/internal/controlplane"
	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// NewMux builds the HTTP surface over cp.
func NewMux(cp *controlplane.ControlPlane) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks/{task_id}/runs", handleSubmitRun(cp))
	mux.HandleFunc("GET /runs", handleListRuns(cp))
	mux.HandleFunc("GET /runs/{run_id}", handleGetRun(cp))
	mux.HandleFunc("POST /runs/{run_id}/cancel", handleCancelRun(cp))
	mux.HandleFunc("GET /runs/{run_id}/events", handleReadEvents(cp))
	mux.HandleFunc("GET /runs/{run_id}/artifacts", handleReadArtifacts(cp))
	mux.HandleFunc("GET /runs/{run_id}/files/{file_id}", handleDownload(cp))

	mux.HandleFunc("POST /cron", handleCreateCronJob(cp))
	mux.HandleFunc("GET /cron", handleListCronJobs(cp))
	mux.HandleFunc("GET /cron/{cron_id}", handleGetCronJob(cp))
	mux.HandleFunc("DELETE /cron/{cron_id}", handleDeleteCronJob(cp))
	mux.HandleFunc("POST /cron/{cron_id}/toggle", handleToggleCronJob(cp))

	return mux
}

func handleSubmitRun(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("task_id")
		var body struct {
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, taskerr.Validation("invalid request body: "+err.Error()))
			return
		}
		run, err := cp.SubmitRun(r.Context(), taskID, body.Params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	}
}

func handleListRuns(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := store.ListRunsFilter{
			TaskID: r.URL.Query().Get("task_id"),
			Status: store.RunStatus(r.URL.Query().Get("status")),
		}
		if lim := r.URL.Query().Get("limit"); lim != "" {
			if n, err := strconv.Atoi(lim); err == nil {
				f.Limit = n
			}
		}
		runs, err := cp.ListRuns(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := cp.GetRun(r.Context(), r.PathValue("run_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			*store.Run
			DurationSeconds float64 `json:"duration_seconds"`
		}{Run: run, DurationSeconds: run.Duration().Seconds()})
	}
}

func handleCancelRun(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.CancelRun(r.Context(), r.PathValue("run_id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleReadEvents(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cursor := 0
		if c := r.URL.Query().Get("cursor"); c != "" {
			if n, err := strconv.Atoi(c); err == nil {
				cursor = n
			}
		}
		page, err := cp.ReadEvents(r.Context(), r.PathValue("run_id"), cursor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleReadArtifacts(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx, err := cp.ReadArtifacts(r.Context(), r.PathValue("run_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, idx)
	}
}

func handleDownload(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := cp.ResolveDownload(r.Context(), r.PathValue("run_id"), r.PathValue("file_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		http.ServeFile(w, r, path)
	}
}

func handleCreateCronJob(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaskID string          `json:"task_id"`
			Name   string          `json:"name"`
			Expr   string          `json:"cron_expression"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, taskerr.Validation("invalid request body: "+err.Error()))
			return
		}
		job, err := cp.CreateCronJob(r.Context(), body.TaskID, body.Name, body.Expr, body.Params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func handleListCronJobs(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cp.ListCronJobs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetCronJob(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cp.GetCronJob(r.Context(), r.PathValue("cron_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleDeleteCronJob(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteCronJob(r.Context(), r.PathValue("cron_id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleToggleCronJob(cp *controlplane.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, taskerr.Validation("invalid request body: "+err.Error()))
			return
		}
		if err := cp.ToggleCronJob(r.Context(), r.PathValue("cron_id"), body.Enabled); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the taskerr taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, taskerr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, taskerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, taskerr.ErrState):
		status = http.StatusConflict
	}
	if strings.Contains(err.Error(), "escapes workdir") {
		status = http.StatusForbidden
	}
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
