package freemodels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to load the sample models response JSON from repo root
func loadSampleModelsJSON(t *testing.T) []byte {
	t.Helper()
	p := filepath.Join("..", "..", "..", "..", "models.response.json")
	// #nosec G304 -- This is a test file reading a known test fixture
	b, err := os.ReadFile(p)
	if err == nil {
		return b
	}
	// fallback to a minimal inline sample to avoid filesystem dependency
	return []byte(`{"data":[{"id":"sample-free","name":"Sample Free","context_length":1024,"description":"sample","pricing":{"prompt":"0","completion":"0"}}]}`)
}

func TestService_FetchModels_ParsesOpenRouterSample(t *testing.T) {
	body := loadSampleModelsJSON(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	svc := NewWithRefresh("", ts.URL, time.Hour)
	ctx := context.Background()

	models, err := svc.GetFreeModels(ctx)
	if err != nil {
		t.Fatalf("GetFreeModels returned error: %v", err)
	}
	if models == nil {
		t.Fatalf("expected non-nil models slice")
	}
	// We don't assert count because the sample may have no free models by our definition
	// The important part is that decoding succeeds (no panic / error) and returns a slice
}

func TestService_GetFreeModels_WithNoFreeModels_ReturnsEmpty(t *testing.T) {
	empty := []byte(`{"data":[]}`)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(empty)
	}))
	defer ts.Close()

	svc := NewWithRefresh("", ts.URL, time.Hour)
	models, err := svc.GetFreeModels(context.Background())
	if err != nil {
		t.Fatalf("GetFreeModels returned error: %v", err)
	}
	if len(models) != 0 {
		t.Fatalf("expected no free models, got %d", len(models))
	}
}
