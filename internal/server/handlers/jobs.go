package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
	"github.com/verdantlab/phyloforge/pkg/hypothesis"
	"github.com/verdantlab/phyloforge/pkg/jobregistry"
	"github.com/verdantlab/phyloforge/pkg/lifecycle"
)

// OwnerHeader carries the caller identity, established by a trusted
// layer in front of this service. An empty header is an unauthorized
// request, never an admin view.
const OwnerHeader = "X-Owner-Id"

// Jobs exposes the job lifecycle and hypothesis operations over HTTP.
type Jobs struct {
	Lifecycle  *lifecycle.Manager
	Hypothesis *hypothesis.Manager
}

// jobSummary is the list-view projection of a record.
type jobSummary struct {
	JobID       string  `json:"job_id"`
	SessionID   string  `json:"session_id"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
}

func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(OwnerHeader)
	if id == "" {
		apperrors.RespondWithCode(w, r, apperrors.CodeUnauthorized, "missing owner identity")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Submit handles POST /api/v1/jobs.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		apperrors.RespondWithCode(w, r, apperrors.CodeValidation, "request body must be a JSON object")
		return
	}

	sub, err := h.Lifecycle.Submit(r.Context(), ownerID, raw)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// List handles GET /api/v1/jobs.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	recs, err := h.Lifecycle.List(r.Context(), ownerID)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	out := make([]jobSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	view, err := h.Lifecycle.Status(r.Context(), ownerID, chi.URLParam(r, "jobID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Delete handles DELETE /api/v1/jobs/{jobID}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	if err := h.Lifecycle.Delete(r.Context(), ownerID, chi.URLParam(r, "jobID")); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Abort handles POST /api/v1/jobs/{jobID}/abort.
func (h *Jobs) Abort(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	outcome, err := h.Lifecycle.Abort(r.Context(), ownerID, chi.URLParam(r, "jobID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// HypothesisSubmit handles POST /api/v1/jobs/{jobID}/hypothesis.
func (h *Jobs) HypothesisSubmit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	var body struct {
		Reference map[string]any `json:"reference"`
		Test      map[string]any `json:"test"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.RespondWithCode(w, r, apperrors.CodeValidation, "request body must be a JSON object")
		return
	}

	err := h.Hypothesis.Submit(r.Context(), ownerID, chi.URLParam(r, "jobID"), body.Reference, body.Test)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(jobregistry.HypothesisRunning)})
}

// HypothesisStatus handles GET /api/v1/jobs/{jobID}/hypothesis.
func (h *Jobs) HypothesisStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	rec, err := h.Hypothesis.Status(r.Context(), ownerID, chi.URLParam(r, "jobID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HypothesisResults handles GET /api/v1/jobs/{jobID}/hypothesis/results.
func (h *Jobs) HypothesisResults(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	rows, err := h.Hypothesis.Results(r.Context(), ownerID, chi.URLParam(r, "jobID"))
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": rows})
}

func summarize(rec jobregistry.JobRecord) jobSummary {
	s := jobSummary{
		JobID:     rec.JobID,
		SessionID: rec.SessionID,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		ExitCode:  rec.ExitCode,
	}
	if rec.CompletedAt != nil {
		v := rec.CompletedAt.Format(time.RFC3339)
		s.CompletedAt = &v
	}
	return s
}
