// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/store"
)

var safeNameRe = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// CreateJobRequest is the ingestion boundary payload: an asset reference
// plus the target rendition ladder.
type CreateJobRequest struct {
	AssetPath      string                `json:"assetPath"`
	Priority       int                   `json:"priority"`
	Renditions     []model.RenditionSpec `json:"renditions"`
	Policy         *model.SuccessPolicy  `json:"policy,omitempty"`
	PartialPublish bool                  `json:"partialPublish,omitempty"`
}

// CreateJobResponse returns the assigned job identifier.
type CreateJobResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.AssetPath) == "" {
		writeError(w, http.StatusBadRequest, "assetPath is required")
		return
	}
	if len(req.Renditions) == 0 {
		writeError(w, http.StatusBadRequest, "at least one rendition is required")
		return
	}
	seen := make(map[string]bool, len(req.Renditions))
	for _, spec := range req.Renditions {
		switch {
		case !safeNameRe.MatchString(spec.Name):
			writeError(w, http.StatusBadRequest, "rendition name must match [a-zA-Z0-9_-]+")
			return
		case seen[spec.Name]:
			writeError(w, http.StatusBadRequest, "duplicate rendition name "+spec.Name)
			return
		case spec.Width <= 0 || spec.Height <= 0 || spec.BitrateKbps <= 0:
			writeError(w, http.StatusBadRequest, "rendition "+spec.Name+" has invalid dimensions or bitrate")
			return
		}
		seen[spec.Name] = true
	}

	policy := model.SuccessPolicy{Mode: model.PolicyAll}
	if req.Policy != nil {
		policy = *req.Policy
	}
	switch policy.Mode {
	case model.PolicyAll:
	case model.PolicyAtLeast:
		if policy.MinSuccess < 1 || policy.MinSuccess > len(req.Renditions) {
			writeError(w, http.StatusBadRequest, "policy minSuccess out of range")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown policy mode")
		return
	}

	id := uuid.New().String()
	job := model.NewJob(id, model.Asset{ID: id, Path: req.AssetPath}, req.Renditions, policy, req.Priority, time.Now())
	job.PartialPublish = req.PartialPublish

	if err := s.store.PutJob(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Msg("job create failed")
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	s.disp.Enqueue(id, req.Priority)

	s.logger.Info().Str("job_id", id).Int("renditions", len(req.Renditions)).Msg("job accepted")
	writeJSON(w, http.StatusCreated, CreateJobResponse{ID: id})
}

// JobSummary is the list-view projection of a job.
type JobSummary struct {
	ID            string          `json:"id"`
	Status        model.JobStatus `json:"status"`
	Priority      int             `json:"priority"`
	Renditions    int             `json:"renditions"`
	Packaged      int             `json:"packaged"`
	CreatedAtUnix int64           `json:"createdAtUnix"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := model.JobStatus(strings.ToUpper(r.URL.Query().Get("status")))
	jobs, err := s.store.ListJobs(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			ID:            j.ID,
			Status:        j.Status,
			Priority:      j.Priority,
			Renditions:    len(j.Renditions),
			Packaged:      j.PackagedCount(),
			CreatedAtUnix: j.CreatedAtUnix,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.disp.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleRenditionLog(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	rend := job.Rendition(chi.URLParam(r, "name"))
	if rend == nil {
		writeError(w, http.StatusNotFound, "rendition not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, stage := range rend.Stages() {
		if len(stage.LogTail) == 0 {
			continue
		}
		_, _ = w.Write([]byte("=== " + string(stage.Name) + "\n"))
		for _, line := range stage.LogTail {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}
}
