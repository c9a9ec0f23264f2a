package easyfpga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLink builds a SerialLink with no underlying port, suitable for
// feeding FrameSeparator directly via its receive buffer - no actual
// serial device is touched as long as Send/SendBytes/Reset are not
// exercised (Close skips the missing port).
func newTestLink() *SerialLink {
	return &SerialLink{name: "test", changed: make(chan struct{})}
}

func (l *SerialLink) feed(data []byte) {
	l.mu.Lock()
	l.buf = append(l.buf, data...)
	l.signal()
	l.mu.Unlock()
}

func TestFrameSeparatorRoutesACKToPendingExchange(t *testing.T) {
	link := newTestLink()
	table := NewExchangeTable()
	sep := NewFrameSeparator(link, table, nil, nil)
	sep.SetActive(true)

	ex := NewExchange(NewRegisterWRFrame(1, 0, 0, 0xAB), Callback{})
	table.Insert(ex)

	ack := withParityID(OpACK, 1)
	link.feed(ack.Bytes)
	sep.Step()

	reply, ok := ex.Reply()
	require.True(t, ok)
	assert.Equal(t, OpACK, reply.Opcode)
}

func TestFrameSeparatorIsIdempotentAcrossArbitrarySplits(t *testing.T) {
	reqID := byte(3)
	wr := NewRegisterMRDFrame(reqID, 0x01, 0x02, 4)
	reply := withParityID(OpRegisterMRDRE, reqID, 0xAA, 0xBB, 0xCC, 0xDD)

	splits := [][]int{
		{len(reply.Bytes)},          // whole frame at once
		{1, len(reply.Bytes) - 1},   // opcode byte, then the rest
		{2, len(reply.Bytes) - 2},   // opcode+id, then the rest
		{1, 1, len(reply.Bytes) - 2}, // one byte at a time for the header
	}

	for _, split := range splits {
		link := newTestLink()
		table := NewExchangeTable()
		sep := NewFrameSeparator(link, table, nil, nil)
		sep.SetActive(true)

		ex := NewExchange(wr, Callback{})
		table.Insert(ex)

		go func(split []int) {
			off := 0
			for _, n := range split {
				link.feed(reply.Bytes[off : off+n])
				off += n
			}
		}(split)

		sep.Step()

		got, ok := ex.Reply()
		require.True(t, ok)
		assert.Equal(t, reply.Bytes, got.Bytes)
	}
}

func TestFrameSeparatorDispatchesInterrupt(t *testing.T) {
	link := newTestLink()
	table := NewExchangeTable()
	delivered := make(chan Frame, 1)
	sep := NewFrameSeparator(link, table, func(f Frame) { delivered <- f }, nil)
	sep.SetActive(true)

	soc := withParity(OpSoCInt, 0x02)
	link.feed(soc.Bytes)
	sep.Step()

	select {
	case f := <-delivered:
		assert.Equal(t, OpSoCInt, f.Opcode)
	case <-time.After(time.Second):
		t.Fatal("interrupt was not dispatched")
	}
}

func TestFrameSeparatorInactiveStepIsNoop(t *testing.T) {
	link := newTestLink()
	table := NewExchangeTable()
	sep := NewFrameSeparator(link, table, nil, nil)
	// active defaults to false

	link.feed(withParityID(OpACK, 1).Bytes)
	sep.Step() // must return immediately without consuming the buffer

	assert.Equal(t, 3, link.Available())
}
