package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/handlers"
	"github.com/eval-hub/iteration-hub/internal/storage/storagetest"
)

func TestHandleHealth(t *testing.T) {
	conf := config.Default()
	conf.Service.Build = "42"
	conf.Service.BuildDate = "2026-01-01"
	h := handlers.New(storagetest.New(t), nil, nil, nil, conf)

	t.Run("GET request returns healthy status", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleHealth(createExecutionContext(), createMockRequest(http.MethodGet, "/api/v1/health"), &MockResponseWrapper{w})

		if w.Code != http.StatusOK {
			t.Errorf("Expected status code %d, got %d", http.StatusOK, w.Code)
		}
		if contentType := w.Header().Get("Content-Type"); contentType != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", contentType)
		}

		var response map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if response["status"] != "healthy" {
			t.Errorf("Expected status 'healthy', got %v", response["status"])
		}
		if response["build"] != "42" || response["build_date"] != "2026-01-01" {
			t.Errorf("Unexpected build information %v", response)
		}
		if response["storage"] == nil {
			t.Error("Response missing the storage name")
		}
		timestamp, ok := response["timestamp"].(string)
		if !ok {
			t.Fatal("Response missing timestamp field")
		}
		if _, err := time.Parse(time.RFC3339, timestamp); err != nil {
			t.Errorf("Invalid timestamp format: %v", err)
		}
	})

	t.Run("Default build is hidden", func(t *testing.T) {
		conf := config.Default()
		conf.Service.Build = "0.0.1"
		w := httptest.NewRecorder()
		handlers.New(nil, nil, nil, nil, conf).HandleHealth(createExecutionContext(), createMockRequest(http.MethodGet, "/api/v1/health"), &MockResponseWrapper{w})

		var response map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if _, ok := response["build"]; ok {
			t.Errorf("Expected no build, got %v", response["build"])
		}
	})
}
