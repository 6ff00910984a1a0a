package handlers

import (
	"encoding/json"
	"net/http"
)

// HealthCheck returns a simple health check handler
func HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessCheck reports ready once at least one backend is connected.
func ReadinessCheck(registry BackendRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		available := registry.ListAvailableBackends()

		response := map[string]interface{}{
			"status":    "ready",
			"available": available,
			"backends":  registry.Status(),
		}
		status := http.StatusOK
		if len(available) == 0 {
			response["status"] = "not_ready"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}
}
