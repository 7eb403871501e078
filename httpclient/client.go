// Package httpclient builds the single shared *http.Client the retry
// controller dispatches every upstream attempt through (§5: "the HTTP client
// is shared across requests and must be safe for concurrent use"). Named
// httpclient rather than http so it doesn't shadow the standard library
// import at every call site that also needs net/http.
package httpclient

import (
	"net/http"

	"gemini-sentinel-proxy/config"
	"gemini-sentinel-proxy/logger"
)

// Manager owns the tuned transport and exposes the client plus the config
// it was built from.
type Manager struct {
	client *http.Client
	config *config.Config
}

// NewManager builds a connection-pooled client tuned from cfg. The client
// carries no overall request Timeout: a streaming attempt can legitimately
// run for as long as the model keeps emitting bytes within the controller's
// own inactivity windows (§4.6), and an http.Client.Timeout fires even while
// data is still arriving, which would sever a slow-but-healthy generation.
// Instead HTTPTimeout bounds only how long the transport will wait for
// connection setup and response headers; per-byte liveness is the retry
// controller's job (context + inactivity timer), not the client's.
func NewManager(cfg *config.Config) *Manager {
	logger.WithFields(logger.Fields{
		"response_header_timeout": cfg.HTTPTimeout,
		"idle_conn_timeout":       cfg.HTTPIdleConnTimeout,
		"max_idle_conns":          cfg.HTTPMaxIdleConns,
		"max_conns_per_host":      cfg.HTTPMaxConnsPerHost,
	}).Info("building shared upstream HTTP client")

	transport := &http.Transport{
		MaxIdleConns:          cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPMaxConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPMaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPIdleConnTimeout,
		ResponseHeaderTimeout: cfg.HTTPTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &Manager{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

// Client returns the shared *http.Client every attempt dispatches through.
func (m *Manager) Client() *http.Client {
	return m.client
}

// Config returns the configuration the client was built from.
func (m *Manager) Config() *config.Config {
	return m.config
}
