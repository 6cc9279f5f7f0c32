package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the reported health state of the service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config identifies the service reporting health.
type Config struct {
	ServiceName string
	Version     string
}

// Response is the JSON payload returned by the health endpoints.
type Response struct {
	Status    Status    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler returns a health check handler that reports service metadata as
// JSON.
func Handler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := Response{
			Status:    StatusHealthy,
			Service:   config.ServiceName,
			Version:   config.Version,
			Timestamp: time.Now().UTC(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// SimpleHandler returns a plain-text liveness handler that responds "OK".
func SimpleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
