package easyfpga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChipStateString(t *testing.T) {
	assert.Equal(t, "MCU_ACTIVE", MCUActive.String())
	assert.Equal(t, "FPGA_ACTIVE", FPGAActive.String())
}

func TestSplitAddr(t *testing.T) {
	core, reg := splitAddr(0x0203)
	assert.Equal(t, byte(0x02), core)
	assert.Equal(t, byte(0x03), reg)

	core, reg = splitAddr(0x0000)
	assert.Equal(t, byte(0), core)
	assert.Equal(t, byte(0), reg)
}

// newIdleCommunicator builds a Communicator around a port-less SerialLink,
// for exercising guard logic (state checks, argument validation) that
// returns before ever touching the link - no frame is sent or received.
func newIdleCommunicator(state ChipState) *Communicator {
	link := newTestLink()
	c := NewCommunicator(link, nil, nil)
	c.state = state
	return c
}

func TestRegisterOpsRequireFPGAActive(t *testing.T) {
	c := newIdleCommunicator(MCUActive)

	_, err := c.ReadRegister(0x0100)
	assertIllegalState(t, err)

	err = c.WriteRegister(0x0100, 1)
	assertIllegalState(t, err)

	_, err = c.ReadRegisterMulti(0x0100, 2)
	assertIllegalState(t, err)

	err = c.WriteRegisterAAI(0x0100, []byte{1, 2})
	assertIllegalState(t, err)

	err = c.EnableInterrupts()
	assertIllegalState(t, err)
}

func assertIllegalState(t *testing.T, err error) {
	t.Helper()
	var e *Error
	if assert.ErrorAs(t, err, &e) {
		assert.Equal(t, KindIllegalState, e.Kind())
	}
}

func TestWriteRegisterMultiValidatesLength(t *testing.T) {
	c := newIdleCommunicator(FPGAActive)

	err := c.WriteRegisterMulti(0x0100, nil)
	var e *Error
	if assert.ErrorAs(t, err, &e) {
		assert.Equal(t, KindInvalidArgument, e.Kind())
	}

	big := make([]byte, 256)
	err = c.WriteRegisterAAI(0x0100, big)
	if assert.ErrorAs(t, err, &e) {
		assert.Equal(t, KindInvalidArgument, e.Kind())
	}
}

func TestReadRegisterMultiValidatesCount(t *testing.T) {
	c := newIdleCommunicator(FPGAActive)

	_, err := c.ReadRegisterMulti(0x0100, 0)
	var e *Error
	if assert.ErrorAs(t, err, &e) {
		assert.Equal(t, KindInvalidArgument, e.Kind())
	}

	_, err = c.ReadRegisterAAI(0x0100, 256)
	if assert.ErrorAs(t, err, &e) {
		assert.Equal(t, KindInvalidArgument, e.Kind())
	}
}

func TestFlashOpsRequireMCUActive(t *testing.T) {
	c := newIdleCommunicator(FPGAActive)
	bin := LoadFPGABinary([]byte{1, 2, 3})
	err := bin.Upload(c)
	assertIllegalState(t, err)
}

func TestAddListenerDispatchesOnInterrupt(t *testing.T) {
	c := newIdleCommunicator(FPGAActive)
	ch := make(chan Event, 1)
	c.AddListener(func(ev Event) { ch <- ev })

	frame := withParity(OpSoCInt, 0x05)
	c.dispatchInterrupt(frame)

	select {
	case ev := <-ch:
		assert.Equal(t, EventInterrupt, ev.Kind)
		assert.Equal(t, byte(0x05), ev.Core)
	case <-time.After(time.Second):
		t.Fatal("listener was never invoked")
	}
}
