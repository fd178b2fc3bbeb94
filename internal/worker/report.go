package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/melodia-app/melodia-backend/internal/logger"
	"github.com/melodia-app/melodia-backend/internal/services"
	"github.com/melodia-app/melodia-backend/internal/types"
	"github.com/melodia-app/melodia-backend/internal/utils"
)

// Reporter pushes job status back to the API's report endpoint. Routing
// terminal transitions through the API keeps the state write and the gateway
// event on one code path regardless of which process observed the outcome.
type Reporter interface {
	Progress(ctx context.Context, jobID uuid.UUID, requestID string, p types.JobProgress) error
	Completed(ctx context.Context, jobID uuid.UUID, requestID string, artifactURL string, result json.RawMessage) error
	Failed(ctx context.Context, jobID uuid.UUID, requestID string, errMsg string) error
}

type httpReporter struct {
	log        *logger.Logger
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPReporter builds a reporter from API_BASE_URL and ORCHESTRATOR_TOKEN.
// Returns nil when no base URL is configured; the worker then writes job state
// directly.
func NewHTTPReporter(log *logger.Logger) Reporter {
	base := utils.GetEnv("API_BASE_URL", "", log)
	if base == "" {
		return nil
	}
	return &httpReporter{
		log:        log.With("client", "Reporter"),
		baseURL:    base,
		token:      utils.GetEnv("ORCHESTRATOR_TOKEN", "", log),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *httpReporter) Progress(ctx context.Context, jobID uuid.UUID, requestID string, p types.JobProgress) error {
	return r.post(ctx, requestID, services.ReportRequest{
		JobID:    jobID,
		Type:     services.ReportTypeProgress,
		Progress: &p,
	})
}

func (r *httpReporter) Completed(ctx context.Context, jobID uuid.UUID, requestID string, artifactURL string, result json.RawMessage) error {
	return r.post(ctx, requestID, services.ReportRequest{
		JobID:       jobID,
		Type:        services.ReportTypeCompleted,
		ArtifactURL: artifactURL,
		Result:      result,
	})
}

func (r *httpReporter) Failed(ctx context.Context, jobID uuid.UUID, requestID string, errMsg string) error {
	return r.post(ctx, requestID, services.ReportRequest{
		JobID: jobID,
		Type:  services.ReportTypeFailed,
		Error: errMsg,
	})
}

func (r *httpReporter) post(ctx context.Context, requestID string, report services.ReportRequest) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/jobs/report", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report %s for job %s: HTTP %d: %s", report.Type, report.JobID, resp.StatusCode, string(body))
	}
	return nil
}
