package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// JobHandler serves read access to jobs and their logs.
type JobHandler struct {
	repo   repositories.JobRepository
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repositories.JobRepository, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		repo:   repo,
		logger: logger.Named("job_handler"),
	}
}

// jobResponse is the JSON representation of a job. ErrorSummary is the
// one-liner extracted from the log for UI display; the full log is only
// included on the detail endpoint.
type jobResponse struct {
	ID           string     `json:"id"`
	LabID        *string    `json:"lab_id"`
	Action       string     `json:"action"`
	Status       string     `json:"status"`
	AgentID      *string    `json:"agent_id"`
	RetryCount   int        `json:"retry_count"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	Log          string     `json:"log,omitempty"`
}

func jobToResponse(j *db.Job) jobResponse {
	resp := jobResponse{
		ID:           j.ID.String(),
		Action:       j.Action,
		Status:       j.Status,
		RetryCount:   j.RetryCount,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		ErrorSummary: ErrorSummary(j),
	}
	if j.LabID != nil {
		s := j.LabID.String()
		resp.LabID = &s
	}
	if j.AgentID != nil {
		s := j.AgentID.String()
		resp.AgentID = &s
	}
	return resp
}

// ErrorSummary extracts a one-line failure description from a job's log:
// the first "ERROR:" line, stripped of its prefix. Non-failed jobs have no
// summary.
func ErrorSummary(j *db.Job) string {
	if j.Status != db.JobFailed {
		return ""
	}
	for _, line := range strings.Split(j.LogContent, "\n") {
		if rest, ok := strings.CutPrefix(line, "ERROR:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	// No structured prefix: fall back to the first non-empty line.
	for _, line := range strings.Split(j.LogContent, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("job listing failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /jobs/{id}. The detail view includes the full log.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("job lookup failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	resp := jobToResponse(job)
	resp.Log = job.LogContent
	Ok(w, resp)
}
