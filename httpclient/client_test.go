package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-sentinel-proxy/config"
)

func TestNewManagerTunesTransportFromConfig(t *testing.T) {
	cfg := &config.Config{
		HTTPTimeout:         7 * time.Second,
		HTTPIdleConnTimeout: 90 * time.Second,
		HTTPMaxIdleConns:    100,
		HTTPMaxConnsPerHost: 10,
	}

	mgr := NewManager(cfg)
	require.NotNil(t, mgr.Client())
	assert.Same(t, cfg, mgr.Config())

	transport, ok := mgr.Client().Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 100, transport.MaxIdleConns)
	assert.Equal(t, 10, transport.MaxIdleConnsPerHost)
	assert.Equal(t, 10, transport.MaxConnsPerHost)
	assert.Equal(t, 90*time.Second, transport.IdleConnTimeout)
	assert.Equal(t, 7*time.Second, transport.ResponseHeaderTimeout)
	assert.True(t, transport.ForceAttemptHTTP2)
}

func TestNewManagerLeavesClientTimeoutUnset(t *testing.T) {
	cfg := &config.Config{HTTPTimeout: 30 * time.Second}
	mgr := NewManager(cfg)
	assert.Zero(t, mgr.Client().Timeout)
}
