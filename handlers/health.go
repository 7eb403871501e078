package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"gemini-sentinel-proxy/logger"
)

// processStart is recorded at package init so health responses can report
// how long the proxy has been accepting requests, useful when a client
// reconnects after a deploy to confirm it's talking to the new process.
var processStart = time.Now().UTC()

// HealthResponse is the /health and /healthz payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Uptime    string    `json:"uptime"`
}

// HealthHandler reports liveness. It never inspects upstream reachability:
// the proxy is healthy as long as it can accept and route connections,
// independent of whatever the upstream is doing this second.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	logger.LogDebug("health check endpoint accessed")

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Service:   "gemini-sentinel-proxy",
		Uptime:    time.Since(processStart).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.LogError("failed to encode health response:", err)
	}
}
