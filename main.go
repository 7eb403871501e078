package main

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gemini-sentinel-proxy/config"
	"gemini-sentinel-proxy/handlers"
	"gemini-sentinel-proxy/httpclient"
	"gemini-sentinel-proxy/logger"
	"gemini-sentinel-proxy/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.LogInfo("no .env file found, using environment variables")
	}

	cfg := config.LoadConfig()
	logger.SetDebugMode(cfg.DebugMode)

	if cfg.UpstreamURLBase == "" {
		logger.LogError("UPSTREAM_URL_BASE is required and was not set")
		os.Exit(1)
	}

	logger.WithFields(logger.Fields{
		"upstream":                cfg.UpstreamURLBase,
		"max_retries":             cfg.MaxRetries,
		"max_fetch_retries":       cfg.MaxFetchRetries,
		"max_non_retryable_retries": cfg.MaxNonRetryableStatusRetries,
		"debug_mode":              cfg.DebugMode,
		"port":                    cfg.Port,
	}).Info("sentinel proxy starting")

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	clientManager := httpclient.NewManager(cfg)
	proxyHandler := handlers.NewProxyHandler(cfg, clientManager, reg)

	router := mux.NewRouter()
	router.HandleFunc("/health", handlers.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handlers.HealthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(proxyHandler)

	logger.LogInfo("server ready, listening on port " + cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		logger.LogError("server failed to start:", err)
		os.Exit(1)
	}
}
