package utils

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gemini-sentinel-proxy/logger"
)

// NetworkFaultBackoff returns the delay to wait before the given 1-indexed
// network-fault retry attempt (consumes a MAX_FETCH_RETRIES slot, §4.6).
// cenkalti/backoff's exponential policy is used here rather than a
// hand-rolled doubling loop since this is the one retry path in the
// controller whose shape (jittered exponential, capped) matches what that
// library is built for; the other retry delays in §4.6 are fixed sleeps that
// need no backoff policy object (the 429 quota-metric sleep is a constant in
// the controller, the inter-attempt delay for non-retryable statuses is
// config.Config.RetryDelay).
func NetworkFaultBackoff(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	if delay <= 0 {
		delay = policy.MaxInterval
	}
	logger.LogDebug(fmt.Sprintf("calculated network-fault backoff for attempt %d: %v", attempt, delay))
	return delay
}
