package easyfpga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMetricsWithNilRegistererDoesNotPanic(t *testing.T) {
	var m *metrics
	assert.NotPanics(t, func() {
		m = newMetrics(nil)
	})
	assert.NotPanics(t, func() {
		m.exchangesInFlight.Set(3)
		m.parityRetryTotal.Inc()
		m.nackTotal.Inc()
		m.uploadProgress.Set(50)
	})
}
