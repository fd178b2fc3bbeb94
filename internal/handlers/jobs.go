package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/melodia-app/melodia-backend/internal/services"
)

type JobsHandler struct {
	jobs services.JobService
}

func NewJobsHandler(jobs services.JobService) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// GET /jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetForRequestUser(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	jobs, err := h.jobs.ListForRequestUser(c.Request.Context(), 50)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobs})
}

// POST /jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /jobs/report
//
// Privileged endpoint the orchestrator calls to push progress and terminal
// transitions. Role enforcement happens in the router middleware.
func (h *JobsHandler) Report(c *gin.Context) {
	var req services.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.jobs.Report(c.Request.Context(), req); err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}
