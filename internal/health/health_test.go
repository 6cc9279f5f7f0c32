package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(handler http.HandlerFunc, method string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/healthz", nil)
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHandler(t *testing.T) {
	handler := Handler(Config{ServiceName: "mcp-grafana", Version: "v1.2.3"})

	t.Run("GET returns a healthy JSON report", func(t *testing.T) {
		w := serve(handler, http.MethodGet)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", ct)
		}

		var resp Response
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if resp.Status != StatusHealthy {
			t.Errorf("expected status %s, got %s", StatusHealthy, resp.Status)
		}
		if resp.Service != "mcp-grafana" {
			t.Errorf("expected service mcp-grafana, got %s", resp.Service)
		}
		if resp.Version != "v1.2.3" {
			t.Errorf("expected version v1.2.3, got %s", resp.Version)
		}

		age := time.Since(resp.Timestamp)
		if age < 0 || age > 5*time.Second {
			t.Errorf("timestamp %v is not recent", resp.Timestamp)
		}
	})

	t.Run("non-GET methods are rejected", func(t *testing.T) {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
			if w := serve(handler, method); w.Code != http.StatusMethodNotAllowed {
				t.Errorf("%s: expected status 405, got %d", method, w.Code)
			}
		}
	})
}

func TestSimpleHandler(t *testing.T) {
	handler := SimpleHandler()

	t.Run("GET returns OK", func(t *testing.T) {
		w := serve(handler, http.MethodGet)
		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
		if body := w.Body.String(); body != "OK" {
			t.Errorf("expected body %q, got %q", "OK", body)
		}
	})

	t.Run("POST is rejected", func(t *testing.T) {
		w := serve(handler, http.MethodPost)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", w.Code)
		}
		if body := w.Body.String(); body != "Method not allowed\n" {
			t.Errorf("expected body %q, got %q", "Method not allowed\n", body)
		}
	})
}

func TestStatusValues(t *testing.T) {
	if string(StatusHealthy) != "healthy" {
		t.Errorf("expected healthy, got %s", StatusHealthy)
	}
	if string(StatusUnhealthy) != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", StatusUnhealthy)
	}
}

func BenchmarkHandler(b *testing.B) {
	handler := Handler(Config{ServiceName: "bench", Version: "1.0.0"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		handler(httptest.NewRecorder(), req)
	}
}
