package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/melodia-app/melodia-backend/internal/requestdata"
	"github.com/melodia-app/melodia-backend/internal/services"
)

type SongsHandler struct {
	jobs services.JobService
}

func NewSongsHandler(jobs services.JobService) *SongsHandler {
	return &SongsHandler{jobs: jobs}
}

// POST /songs/generate-song
//
// Accepts an asynchronous generation request and returns 202 with the job id.
// Synchronous generation is not offered; async=false is rejected so clients
// do not silently wait on a response that will never carry audio.
func (h *SongsHandler) GenerateSong(c *gin.Context) {
	var req services.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if !req.Async {
		RespondError(c, http.StatusBadRequest, "async_required", errAsyncRequired)
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	rid := ""
	if rd := requestdata.GetRequestData(c.Request.Context()); rd != nil {
		rid = rd.RequestID
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"request_id": rid,
	})
}

type asyncRequiredError struct{}

func (asyncRequiredError) Error() string { return "only async generation is supported; set async=true" }

var errAsyncRequired = asyncRequiredError{}
