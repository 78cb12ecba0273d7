package autotrader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"autotrader/internal/domain"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestClientRequests(t *testing.T) {
	var gotMethod, gotPath, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotQuery = r.Method, r.URL.Path, r.URL.RawQuery
		gotBody = nil
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/strategies":
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":7,"name":"soxl","code":"InfBuy","status":"ACTIVE"}`))
				return
			}
			_, _ = w.Write([]byte(`[{"id":7,"name":"soxl"}]`))
		case "/api/strategies/7/run":
			_, _ = w.Write([]byte(`{"strategy_id":7,"status":"SUCCESS","cycle":3}`))
		case "/api/strategies/7/deactivate":
			_, _ = w.Write([]byte(`{"id":7,"status":"INACTIVE"}`))
		case "/api/snapshots/4":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	st, err := c.CreateStrategy(ctx, StrategyRequest{Name: "soxl", Code: domain.StrategyCodeInfBuy, Params: json.RawMessage(`{"division":10}`)})
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	if st.ID != 7 || gotMethod != http.MethodPost {
		t.Errorf("CreateStrategy = %+v via %s", st, gotMethod)
	}
	if gotBody["name"] != "soxl" {
		t.Errorf("request body = %v", gotBody)
	}

	list, err := c.ListStrategies(ctx, domain.StrategyStatusActive)
	if err != nil {
		t.Fatalf("ListStrategies: %v", err)
	}
	if len(list) != 1 || gotQuery != "status=ACTIVE" {
		t.Errorf("ListStrategies = %v, query %q", list, gotQuery)
	}

	res, err := c.Run(ctx, 7)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunStatusSuccess || res.Cycle != 3 {
		t.Errorf("Run = %+v", res)
	}

	st, err = c.SetActive(ctx, 7, false)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if st.Status != domain.StrategyStatusInactive || gotPath != "/api/strategies/7/deactivate" {
		t.Errorf("SetActive = %+v via %s", st, gotPath)
	}

	if err := c.DeleteSnapshot(ctx, 4); err != nil {
		t.Errorf("DeleteSnapshot: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("DeleteSnapshot method = %s", gotMethod)
	}

	_, err = c.GetStrategy(ctx, 99)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GetStrategy(99) err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "not found" {
		t.Errorf("APIError = %+v", apiErr)
	}
}
