package stafflinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestApproveSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v0/employees/7/approve" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("missing api key header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"employee": map[string]any{"id": 7, "status": "approved"},
			"run":      map[string]any{"run_id": "r1", "success": true, "steps": []any{}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	out, err := c.Approve(context.Background(), 7)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.Employee.Status != "approved" || out.Run.RunID != "r1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestErrorEnvelopeIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"invalid_transition","message":"invalid employee status transition approved -> rejected"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Reject(context.Background(), 3, "")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
