package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/melodia-app/melodia-backend/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func TestGeneratorClientPostsRequestAndDecodesArtifact(t *testing.T) {
	audio := []byte("RIFF....WAVEfmt fake audio bytes")
	var gotPath, gotRequestID, gotAuth string
	var gotBody GenerateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-Id")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"title":        "Night Drive",
			"audio_base64": base64.StdEncoding.EncodeToString(audio),
			"format":       "mp3",
		})
	}))
	defer srv.Close()

	client := NewGeneratorClient(testLogger(t), map[string]string{"jen1": srv.URL}, "svc-token", 5*time.Second)
	result, err := client.Generate(context.Background(), "jen1", GenerateRequest{
		Narrative: "a rainy night in the city",
		Duration:  30,
		RequestID: "req-123",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotPath != "/generate" {
		t.Fatalf("path: got %q", gotPath)
	}
	if gotRequestID != "req-123" {
		t.Fatalf("X-Request-Id: got %q", gotRequestID)
	}
	if gotAuth != "Bearer svc-token" {
		t.Fatalf("Authorization: got %q", gotAuth)
	}
	if gotBody.Narrative != "a rainy night in the city" || gotBody.Duration != 30 {
		t.Fatalf("request body: got %+v", gotBody)
	}
	if string(result.Artifact) != string(audio) {
		t.Fatalf("artifact bytes mismatch")
	}
	if result.ArtifactExt != "mp3" {
		t.Fatalf("artifact ext: got %q", result.ArtifactExt)
	}
	var envelope struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(result.Result, &envelope); err != nil || envelope.Title != "Night Drive" {
		t.Fatalf("result payload: %s (%v)", result.Result, err)
	}
}

func TestGeneratorClientSurfacesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewGeneratorClient(testLogger(t), map[string]string{"jen1": srv.URL}, "", 5*time.Second)
	_, err := client.Generate(context.Background(), "jen1", GenerateRequest{Narrative: "x", Duration: 10})

	var httpErr *GeneratorHTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("want GeneratorHTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d", httpErr.StatusCode)
	}
}

func TestGeneratorClientRejectsUnknownGenerator(t *testing.T) {
	client := NewGeneratorClient(testLogger(t), map[string]string{"jen1": "http://localhost:1"}, "", time.Second)
	_, err := client.Generate(context.Background(), "nope", GenerateRequest{Narrative: "x", Duration: 10})
	if !errors.Is(err, ErrUnknownGenerator) {
		t.Fatalf("want ErrUnknownGenerator, got %v", err)
	}
}

func TestIsRetryableGeneratorErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 500", &GeneratorHTTPError{StatusCode: 500}, true},
		{"http 503", &GeneratorHTTPError{StatusCode: 503}, true},
		{"http 429", &GeneratorHTTPError{StatusCode: 429}, true},
		{"http 408", &GeneratorHTTPError{StatusCode: 408}, true},
		{"http 400", &GeneratorHTTPError{StatusCode: 400}, false},
		{"http 404", &GeneratorHTTPError{StatusCode: 404}, false},
		{"http 422", &GeneratorHTTPError{StatusCode: 422}, false},
		{"wrapped http 400", fmt.Errorf("dispatch: %w", &GeneratorHTTPError{StatusCode: 400}), false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"unknown generator", fmt.Errorf("%w: x", ErrUnknownGenerator), false},
		{"transport", errors.New("dial tcp: connection refused"), true},
	}
	for _, tc := range cases {
		if got := IsRetryableGeneratorErr(tc.err); got != tc.want {
			t.Errorf("%s: want %v got %v", tc.name, tc.want, got)
		}
	}
}

func TestGeneratorEndpointsFromEnv(t *testing.T) {
	t.Setenv("GENERATOR_JEN1_URL", "http://jen1:9000/")
	t.Setenv("GENERATOR_MUSICGEN_URL", "http://musicgen:9001")
	t.Setenv("GENERATOR__URL", "http://broken")

	endpoints := GeneratorEndpointsFromEnv()
	if endpoints["jen1"] != "http://jen1:9000" {
		t.Fatalf("jen1: got %q", endpoints["jen1"])
	}
	if endpoints["musicgen"] != "http://musicgen:9001" {
		t.Fatalf("musicgen: got %q", endpoints["musicgen"])
	}
	if _, ok := endpoints[""]; ok {
		t.Fatalf("empty generator name should be skipped")
	}
}
