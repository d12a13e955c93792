package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "test error")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != "test error" {
		t.Errorf("error = %s, want 'test error'", resp["error"])
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"phase": "GREEN"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["phase"] != "GREEN" {
		t.Errorf("phase = %s, want GREEN", resp["phase"])
	}
}

func TestErrorShortcuts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		code  int
	}{
		{"method not allowed", MethodNotAllowed, http.StatusMethodNotAllowed},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "x") }, http.StatusBadRequest},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "x") }, http.StatusNotFound},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "x") }, http.StatusInternalServerError},
		{"unavailable", func(w http.ResponseWriter) { ServiceUnavailable(w, "x") }, http.StatusServiceUnavailable},
		{"ok", func(w http.ResponseWriter) { WriteJSONOK(w, struct{}{}) }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 50, false},
		{"limit=10", 10, false},
		{"limit=1", 1, false},
		{"limit=0", 0, true},
		{"limit=1001", 0, true},
		{"limit=ten", 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/detections?"+tt.query, nil)
		got, err := QueryInt(r, "limit", 50, 1, 1000)
		if (err != nil) != tt.wantErr {
			t.Errorf("QueryInt(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("QueryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
