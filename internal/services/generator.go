package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/melodia-app/melodia-backend/internal/logger"
)

// GenerateRequest is the payload dispatched to a generator backend.
type GenerateRequest struct {
	Narrative string          `json:"narrative"`
	Duration  int             `json:"duration"`
	Model     string          `json:"model,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	RequestID string          `json:"-"`
}

// GenerateResult carries the generator's structured result body plus any
// artifact bytes it returned inline.
type GenerateResult struct {
	Result      json.RawMessage
	Artifact    []byte
	ArtifactExt string
}

// GeneratorClient talks to the external generator services. The generators
// themselves are opaque; the client only knows their /generate endpoints.
type GeneratorClient interface {
	Generate(ctx context.Context, generator string, req GenerateRequest) (*GenerateResult, error)
	KnownGenerators() []string
}

// GeneratorHTTPError carries the status code so callers can decide between
// retrying and failing the job outright.
type GeneratorHTTPError struct {
	StatusCode int
	Body       string
}

func (e *GeneratorHTTPError) Error() string {
	return fmt.Sprintf("generator returned HTTP %d: %s", e.StatusCode, e.Body)
}

var ErrUnknownGenerator = errors.New("unknown generator")

// IsRetryableGeneratorErr reports whether a dispatch failure should consume a
// retry. Timeouts and 5xx are retryable; 408 and 429 are throttle-shaped and
// retryable; every other 4xx is a permanent rejection.
func IsRetryableGeneratorErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnknownGenerator) {
		return false
	}
	var httpErr *GeneratorHTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500:
			return true
		case httpErr.StatusCode == http.StatusTooManyRequests, httpErr.StatusCode == http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Remaining errors are transport-shaped: connection reset, refused, DNS.
	return true
}

type generatorClient struct {
	log          *logger.Logger
	endpoints    map[string]string
	serviceToken string
	httpClient   *http.Client
}

// GeneratorEndpointsFromEnv reads GENERATOR_<NAME>_URL variables into the
// generator -> URL map, e.g. GENERATOR_JEN1_URL=http://jen1:9000.
func GeneratorEndpointsFromEnv() map[string]string {
	endpoints := make(map[string]string)
	const prefix = "GENERATOR_"
	const suffix = "_URL"
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) || val == "" {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix))
		if name == "" {
			continue
		}
		endpoints[name] = strings.TrimRight(val, "/")
	}
	return endpoints
}

func NewGeneratorClient(log *logger.Logger, endpoints map[string]string, serviceToken string, timeout time.Duration) GeneratorClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &generatorClient{
		log:          log.With("service", "GeneratorClient"),
		endpoints:    endpoints,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

func (c *generatorClient) KnownGenerators() []string {
	out := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		out = append(out, name)
	}
	return out
}

func (c *generatorClient) Generate(ctx context.Context, generator string, genReq GenerateRequest) (*GenerateResult, error) {
	base, ok := c.endpoints[generator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGenerator, generator)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(genReq); err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/generate", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if genReq.RequestID != "" {
		req.Header.Set("X-Request-Id", genReq.RequestID)
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GeneratorHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	result := &GenerateResult{Result: json.RawMessage(raw)}

	// Generators may return the audio inline; pull it out so the worker can
	// upload it to the artifact bucket.
	var envelope struct {
		AudioBase64 string `json:"audio_base64"`
		Format      string `json:"format"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.AudioBase64 != "" {
		artifact, decErr := base64.StdEncoding.DecodeString(envelope.AudioBase64)
		if decErr != nil {
			c.log.Warn("Generator returned undecodable audio payload", "generator", generator, "error", decErr)
		} else {
			result.Artifact = artifact
			result.ArtifactExt = envelope.Format
			if result.ArtifactExt == "" {
				result.ArtifactExt = "wav"
			}
		}
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
