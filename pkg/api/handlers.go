package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, err
	}

	return uint(id), nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns the pipeline run history, most recent first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.wh.ListPipelineRuns(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing runs"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns one pipeline run with its import runs.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	run, err := s.wh.GetPipelineRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"getting run"})

		return
	}

	imports, err := s.wh.ListIssueImportRuns(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list import runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing import runs"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":         run,
		"import_runs": imports,
	})
}

// handleGetImportRun returns one import run.
func (s *server) handleGetImportRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid import run id"})

		return
	}

	run, err := s.wh.GetIssueImportRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"import run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get import run")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"getting import run"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListChecks returns the quality check results for an import run.
func (s *server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid import run id"})

		return
	}

	results, err := s.wh.ListQualityCheckResults(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list check results")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing check results"})

		return
	}

	writeJSON(w, http.StatusOK, results)
}

// handleListWatermarks returns all extraction watermarks.
func (s *server) handleListWatermarks(w http.ResponseWriter, r *http.Request) {
	watermarks, err := s.wh.ListWatermarks(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list watermarks")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing watermarks"})

		return
	}

	writeJSON(w, http.StatusOK, watermarks)
}

// handleListCurrentIssues returns the published current issue state.
func (s *server) handleListCurrentIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.wh.ListCurrentIssues(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list current issues")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing current issues"})

		return
	}

	writeJSON(w, http.StatusOK, issues)
}
