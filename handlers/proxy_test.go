package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-sentinel-proxy/config"
	"gemini-sentinel-proxy/httpclient"
	"gemini-sentinel-proxy/metrics"
)

func newTestProxyHandler(upstreamURL string) *ProxyHandler {
	cfg := &config.Config{
		UpstreamURLBase: upstreamURL,
		HTTPTimeout:     5e9,
	}
	mgr := httpclient.NewManager(cfg)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	return NewProxyHandler(cfg, mgr, reg)
}

func TestServeHTTPHandlesOptionsAsCORSPreflight(t *testing.T) {
	h := newTestProxyHandler("http://unused.invalid")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", nil)

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeHTTPBypassesOffAllowlistModel(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream.URL)
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"contents":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-1.0-pro:generateContent", body)

	h.ServeHTTP(rec, req)

	require.Equal(t, "/v1beta/models/gemini-1.0-pro:generateContent", gotPath)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestServeHTTPBypassesStructuredOutputRequest(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(upstream.URL)
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"generationConfig":{"responseMimeType":"application/json","responseSchema":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", body)

	h.ServeHTTP(rec, req)

	assert.True(t, called, "structured-output request must bypass the sentinel engine and reach upstream")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeHTTPRejectsInvalidJSONBody(t *testing.T) {
	h := newTestProxyHandler("http://unused.invalid")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", strings.NewReader("not json"))

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON")
}

func TestIsStreamingRequestDetectsStreamPathAndSSEQueryParam(t *testing.T) {
	streamReq := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", nil)
	assert.True(t, isStreamingRequest(streamReq))

	sseReq := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent?alt=sse", nil)
	assert.True(t, isStreamingRequest(sseReq))

	plainReq := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", nil)
	assert.False(t, isStreamingRequest(plainReq))
}

func TestBuildPassthroughHeadersKeepsAllowlistAndSetsFixedUserAgent(t *testing.T) {
	src := make(http.Header)
	src.Set("Authorization", "Bearer secret")
	src.Set("X-Goog-Api-Key", "key123")
	src.Set("Content-Type", "application/json")
	src.Set("X-Custom-Header", "dropped")

	out := buildPassthroughHeaders(src)

	assert.Equal(t, "Bearer secret", out.Get("Authorization"))
	assert.Equal(t, "key123", out.Get("X-Goog-Api-Key"))
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Empty(t, out.Get("X-Custom-Header"))
	assert.NotEmpty(t, out.Get("User-Agent"))
}
