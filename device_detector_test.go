package easyfpga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// probe, detectWithRetry, forceMCU, waitForConfiguration and readSerial all
// drive a real serial.Port through OpenSerialLink; without a fake
// go.bug.st/serial.Port in the dependency graph there is nothing safe to
// construct for them here, so coverage is limited to the detector's
// port-independent pieces. DESIGN.md records this gap.

func TestNewDeviceDetectorHasNoListenerByDefault(t *testing.T) {
	d := NewDeviceDetector()
	assert.Nil(t, d.Listener)
	assert.Nil(t, d.Publisher)
	assert.NotPanics(t, func() { d.notify(Event{Kind: EventConfiguring, Device: "/dev/ttyUSB0"}) })
}

func TestDeviceDetectorNotifyCallsListener(t *testing.T) {
	d := NewDeviceDetector()
	var got Event
	d.Listener = func(ev Event) { got = ev }

	d.notify(Event{Kind: EventConfiguring, Device: "/dev/ttyUSB7"})

	assert.Equal(t, EventConfiguring, got.Kind)
	assert.Equal(t, "/dev/ttyUSB7", got.Device)
}

func TestDevicePathPatternMatchesCandidateNames(t *testing.T) {
	assert.True(t, devicePathPattern.MatchString("/dev/ttyUSB0"))
	assert.True(t, devicePathPattern.MatchString("COM3"))
	assert.False(t, devicePathPattern.MatchString("/dev/ttyS0"))
	assert.False(t, devicePathPattern.MatchString("/dev/null"))
}
