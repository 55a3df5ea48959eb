package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler("test")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", status.Status)
	}
	if status.Version != "test" {
		t.Errorf("Expected version 'test', got '%s'", status.Version)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"live_session": func(ctx context.Context) (bool, error) { return true, nil },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler("test", checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"live_session":  func(ctx context.Context) (bool, error) { return false, errors.New("session is closed") },
		"audio_context": func(ctx context.Context) (bool, error) { return true, nil },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler("test", checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "not_ready" {
		t.Errorf("Expected status 'not_ready', got '%s'", status.Status)
	}
	if status.Dependencies["live_session"].Message != "session is closed" {
		t.Errorf("Expected failure message, got '%s'", status.Dependencies["live_session"].Message)
	}
	if status.Dependencies["audio_context"].Status != "healthy" {
		t.Errorf("Expected audio_context healthy, got '%s'", status.Dependencies["audio_context"].Status)
	}
}
