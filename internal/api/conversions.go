package api

import (
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dunamismax/mdflow/internal/domain"
)

var errConversionNotFound = &requestError{status: http.StatusNotFound, message: "conversion not found"}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobStore.List(r.Context())
	if err != nil {
		s.logger.Error("list conversions failed", zap.Error(err))
		writeError(w, &requestError{status: http.StatusInternalServerError, message: "failed to list conversions"})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCompleted {
		writeError(w, &requestError{status: http.StatusNotFound, message: "conversion not found or not completed"})
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": job.Input.MarkdownFilename()})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", "text/markdown")
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(job.Result))
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := chi.URLParam(r, "id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load conversion failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, &requestError{status: http.StatusInternalServerError, message: "failed to load conversion"})
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, errConversionNotFound)
		return domain.Job{}, false
	}
	return job, true
}
