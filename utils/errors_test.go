package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNetworkFaultBackoffGrowsWithAttempt(t *testing.T) {
	first := NetworkFaultBackoff(1)
	later := NetworkFaultBackoff(5)
	assert.Positive(t, first)
	assert.Positive(t, later)
	assert.GreaterOrEqual(t, later, first)
}

func TestNetworkFaultBackoffIsCapped(t *testing.T) {
	far := NetworkFaultBackoff(50)
	assert.LessOrEqual(t, far, 6*time.Second) // generous over the 5s ceiling
}
