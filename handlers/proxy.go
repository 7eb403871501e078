package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gemini-sentinel-proxy/config"
	"gemini-sentinel-proxy/httpclient"
	"gemini-sentinel-proxy/logger"
	"gemini-sentinel-proxy/metrics"
	"gemini-sentinel-proxy/protocol"
	"gemini-sentinel-proxy/rewriter"
	"gemini-sentinel-proxy/streaming"
)

// ProxyHandler is the HTTP entry point: it decides whether a request
// qualifies for the sentinel-protocol engine and otherwise forwards it
// upstream untouched (§1, §6).
type ProxyHandler struct {
	cfg     *config.Config
	client  *http.Client
	engine  *streaming.Engine
	metrics *metrics.Registry
}

// NewProxyHandler wires a handler around the shared upstream client and the
// sentinel-protocol engine built from it.
func NewProxyHandler(cfg *config.Config, manager *httpclient.Manager, reg *metrics.Registry) *ProxyHandler {
	client := manager.Client()
	return &ProxyHandler{
		cfg:     cfg,
		client:  client,
		engine:  streaming.NewEngine(cfg, client, reg),
		metrics: reg,
	}
}

// ServeHTTP routes a request to CORS preflight handling, the sentinel
// engine, or a verbatim passthrough (§1: structured-output requests and
// off-allow-list models bypass the engine; §6: OPTIONS gets CORS).
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.WithFields(logger.Fields{
		"request_id": uuid.NewString(),
		"method":     r.Method,
		"path":       r.URL.Path,
	})
	log.Info("request received")

	if r.Method == http.MethodOptions {
		HandleCORS(w, r)
		return
	}

	if r.Method != http.MethodPost {
		h.forwardRaw(w, r, nil, log)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).Error("failed to read request body")
		JSONError(w, http.StatusBadRequest, "Failed to read request body", err.Error())
		return
	}

	var requestBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &requestBody); err != nil {
		log.WithError(err).Error("request body is not valid JSON")
		JSONError(w, http.StatusBadRequest, "Invalid JSON in request body", err.Error())
		return
	}

	path := r.URL.Path
	start := time.Now()

	if rewriter.IsStructuredOutputRequest(requestBody) || !protocol.IsSentinelModel(path) {
		log.Info("bypassing sentinel engine: structured output or off-allow-list model")
		h.forwardRaw(w, r, bodyBytes, log)
		h.recordOutcome(r, metrics.OutcomeBypassed, start)
		return
	}

	injectBegin, includeThoughts := rewriter.DeriveRequestPolicy(requestBody, path)

	if isStreamingRequest(r) {
		h.handleStream(w, r, requestBody, injectBegin, includeThoughts, path, start, log)
		return
	}
	h.handleNonStream(w, r, requestBody, injectBegin, includeThoughts, path, start, log)
}

func (h *ProxyHandler) handleStream(w http.ResponseWriter, r *http.Request, body map[string]interface{}, injectBegin, includeThoughts bool, path string, start time.Time, log *logger.Entry) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	err := h.engine.RunStream(r.Context(), w, h.cfg.UpstreamURLBase, r.URL, r.Header, body, injectBegin, includeThoughts, path)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeAborted
		log.WithError(err).Error("streaming engine returned an error")
	}
	h.metrics.ResponseTime.WithLabelValues(string(metrics.ModeStreaming)).Observe(time.Since(start).Seconds())
	h.metrics.RequestsTotal.WithLabelValues(string(metrics.ModeStreaming), string(outcome)).Inc()
}

func (h *ProxyHandler) handleNonStream(w http.ResponseWriter, r *http.Request, body map[string]interface{}, injectBegin, includeThoughts bool, path string, start time.Time, log *logger.Entry) {
	result, err := h.engine.RunNonStreaming(r.Context(), h.cfg.UpstreamURLBase, r.URL, r.Header, body, injectBegin, includeThoughts, path)
	h.metrics.ResponseTime.WithLabelValues(string(metrics.ModeNonStreaming)).Observe(time.Since(start).Seconds())

	if err != nil {
		log.WithError(err).Error("non-streaming engine returned an error")
		h.metrics.RequestsTotal.WithLabelValues(string(metrics.ModeNonStreaming), string(metrics.OutcomeAborted)).Inc()
		JSONError(w, http.StatusBadGateway, "Bad Gateway", err.Error())
		return
	}

	h.metrics.RequestsTotal.WithLabelValues(string(metrics.ModeNonStreaming), string(metrics.OutcomeSuccess)).Inc()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// forwardRaw builds the upstream URL from the incoming request and copies
// the response back byte for byte, with no sentinel-protocol involvement.
// bodyBytes is nil for methods that carry no body.
func (h *ProxyHandler) forwardRaw(w http.ResponseWriter, r *http.Request, bodyBytes []byte, log *logger.Entry) {
	upstreamURL := h.cfg.UpstreamURLBase + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	} else if r.Method != http.MethodGet && r.Method != http.MethodHead {
		bodyReader = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bodyReader)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, "Internal server error", "failed to build upstream request")
		return
	}
	req.Header = buildPassthroughHeaders(r.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		log.WithError(err).Error("passthrough request to upstream failed")
		JSONError(w, http.StatusBadGateway, "Bad Gateway", "Failed to connect to upstream server")
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func buildPassthroughHeaders(src http.Header) http.Header {
	headers := make(http.Header)
	for _, key := range []string{"Authorization", "X-Goog-Api-Key", "Content-Type", "Accept"} {
		if v := src.Get(key); v != "" {
			headers.Set(key, v)
		}
	}
	headers.Set("User-Agent", protocol.FixedUserAgent)
	return headers
}

func isStreamingRequest(r *http.Request) bool {
	lower := strings.ToLower(r.URL.Path)
	return strings.Contains(lower, "stream") || strings.Contains(lower, "sse") || r.URL.Query().Get("alt") == "sse"
}

func (h *ProxyHandler) recordOutcome(r *http.Request, outcome metrics.Outcome, start time.Time) {
	mode := metrics.ModeNonStreaming
	if isStreamingRequest(r) {
		mode = metrics.ModeStreaming
	}
	h.metrics.RequestsTotal.WithLabelValues(string(mode), string(outcome)).Inc()
	h.metrics.ResponseTime.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
}
