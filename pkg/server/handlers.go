package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinysos/pkg/httpx"
	"github.com/nicktill/tinysos/pkg/server/monitor"
)

var startTime = time.Now()

// Version is reported by the health endpoint.
const Version = "1.0.0"

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Purge   monitor.PurgeStatus `json:"purge"`
}

// handleHealth returns service health status.
func handleHealth(purgeMonitor *monitor.PurgeMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := purgeMonitor.Status()
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !status.Healthy {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, statusCode, HealthResponse{
			Status:  overallStatus,
			Version: Version,
			Uptime:  time.Since(startTime).String(),
			Purge:   status,
		})
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(monitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := monitor.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  monitor.GetLimit(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(
	router *mux.Router,
	components *Components,
	storageMonitor *monitor.StorageMonitor,
	purgeMonitor *monitor.PurgeMonitor,
	port string,
) {
	router.Use(requestMiddleware(components.Log, components.HTTPMetrics))
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	// Observation ingestion
	router.HandleFunc("/v1/observations", components.Ingest.HandleInsert).Methods("POST")

	// Deletion, dataset listing and purge
	components.Housekeeping.Register(router)

	// Service status
	router.HandleFunc("/v1/storage", handleStorageUsage(storageMonitor)).Methods("GET")
	router.HandleFunc("/v1/health", handleHealth(purgeMonitor)).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(components.Registry, promhttp.HandlerOpts{})).Methods("GET")

	// WebSocket stream of committed deletions
	router.HandleFunc("/v1/events", components.Hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Only set CORS headers for allowed origins
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
