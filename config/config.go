package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the proxy.
type Config struct {
	UpstreamURLBase string
	DebugMode       bool
	Port            string

	// Retry budgets (§4.1)
	MaxRetries                   int
	MaxFetchRetries               int
	MaxNonRetryableStatusRetries  int
	RetryDelay                    time.Duration

	// Fatal status codes never retried. Empty by default (§9 Open Question).
	FatalStatusCodes map[int]bool

	// Inactivity timeout floor/step (§4.6)
	InactivityTimeoutFirstByte  time.Duration
	InactivityTimeoutSubsequent time.Duration

	// Heartbeat cadence (§4.6)
	HeartbeatInterval time.Duration

	// CherryClientUserAgentMarker identifies clients that should never
	// receive heartbeats flagged thought:true (§4.6 cherry-client detection).
	CherryClientUserAgentMarker string

	// StartOfThought is the injected thought-prelude constant (§9): the
	// literal text the ghost-loop detector counts occurrences of, and the
	// text the rewriter's ghost-loop remediation resets the model to.
	StartOfThought string

	// HTTP Client Configuration
	HTTPTimeout         time.Duration
	HTTPIdleConnTimeout time.Duration
	HTTPMaxIdleConns    int
	HTTPMaxConnsPerHost int
	JSONBufferSize      int

	// Stream Processing Configuration
	SSEBufferSize int
}

// LoadConfig loads configuration from environment variables. UpstreamURLBase
// has no default: an unset value is a deployment error the caller should
// surface loudly rather than silently proxy to the wrong place.
func LoadConfig() *Config {
	return &Config{
		UpstreamURLBase: getEnvString("UPSTREAM_URL_BASE", ""),
		DebugMode:       getEnvBool("DEBUG_MODE", true),
		Port:            getEnvString("PORT", "8080"),

		MaxRetries:                   getEnvInt("MAX_RETRIES", 100),
		MaxFetchRetries:              getEnvInt("MAX_FETCH_RETRIES", 3),
		MaxNonRetryableStatusRetries: getEnvInt("MAX_NON_RETRYABLE_STATUS_RETRIES", 3),
		RetryDelay:                   time.Duration(getEnvInt("RETRY_DELAY_MS", 750)) * time.Millisecond,

		FatalStatusCodes: getEnvIntSet("FATAL_STATUS_CODES", nil),

		InactivityTimeoutFirstByte:  time.Duration(getEnvInt("INACTIVITY_TIMEOUT_FIRST_BYTE_SECONDS", 20)) * time.Second,
		InactivityTimeoutSubsequent: time.Duration(getEnvInt("INACTIVITY_TIMEOUT_SUBSEQUENT_SECONDS", 4)) * time.Second,

		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 5)) * time.Second,

		CherryClientUserAgentMarker: getEnvString("CHERRY_CLIENT_USER_AGENT_MARKER", "cherrystudio"),

		StartOfThought: getEnvString("START_OF_THOUGHT_PRELUDE", "Let me work through this."),

		HTTPTimeout:         time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
		HTTPIdleConnTimeout: time.Duration(getEnvInt("HTTP_IDLE_CONN_TIMEOUT_SECONDS", 90)) * time.Second,
		HTTPMaxIdleConns:    getEnvInt("HTTP_MAX_IDLE_CONNS", 100),
		HTTPMaxConnsPerHost: getEnvInt("HTTP_MAX_CONNS_PER_HOST", 10),
		JSONBufferSize:      getEnvInt("JSON_BUFFER_SIZE", 4096),

		SSEBufferSize: getEnvInt("SSE_BUFFER_SIZE", 100),
	}
}

// IsFatalStatus reports whether status is configured as non-retryable
// outright. Empty by default: every non-success is retried to its class's
// budget (§4.1).
func (c *Config) IsFatalStatus(status int) bool {
	return c.FatalStatusCodes[status]
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvIntSet parses a comma-separated list of ints into a set, e.g.
// FATAL_STATUS_CODES="500,503". An empty or unset value yields defaultValue.
func getEnvIntSet(key string, defaultValue map[int]bool) map[int]bool {
	value := os.Getenv(key)
	if value == "" {
		if defaultValue == nil {
			return map[int]bool{}
		}
		return defaultValue
	}
	set := map[int]bool{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			set[n] = true
		}
	}
	return set
}
