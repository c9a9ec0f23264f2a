package easyfpga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerialLinkReceiveBlocksUntilEnoughBytes(t *testing.T) {
	link := newTestLink()
	done := make(chan []byte, 1)
	go func() {
		done <- link.Receive(3)
	}()

	link.feed([]byte{0x01})
	select {
	case <-done:
		t.Fatal("Receive returned before enough bytes were queued")
	case <-time.After(20 * time.Millisecond):
	}

	link.feed([]byte{0x02, 0x03})
	select {
	case got := <-done:
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
	case <-time.After(time.Second):
		t.Fatal("Receive never woke up after bytes arrived")
	}
	assert.Equal(t, 0, link.Available())
}

func TestSerialLinkPeekLeavesBufferIntact(t *testing.T) {
	link := newTestLink()
	link.feed([]byte{0xAA, 0xBB, 0xCC})

	_, ok := link.Peek(4)
	assert.False(t, ok)

	got, ok := link.Peek(2)
	assert.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)
	assert.Equal(t, 3, link.Available(), "Peek must not consume buffered bytes")
}

func TestSerialLinkReceiveTimeoutExpiresWithoutConsuming(t *testing.T) {
	link := newTestLink()
	link.feed([]byte{0x01})

	_, err := link.ReceiveTimeout(5, 20*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 1, link.Available(), "a failed ReceiveTimeout must leave queued bytes untouched")
}

func TestSerialLinkReceiveTimeoutSucceedsBeforeDeadline(t *testing.T) {
	link := newTestLink()
	link.feed([]byte{0x01, 0x02})

	got, err := link.ReceiveTimeout(2, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, got)
}

func TestSerialLinkCloseIsIdempotentAndWakesReceivers(t *testing.T) {
	link := newTestLink()
	done := make(chan struct{})
	go func() {
		link.Receive(10) // never arrives; Close must unblock it
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, link.Close())
	assert.NoError(t, link.Close(), "Close must tolerate being called twice")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not wake a blocked Receive")
	}
}

func TestSerialLinkReceiveTimeoutOnClosedLink(t *testing.T) {
	link := newTestLink()
	link.mu.Lock()
	link.closed = true
	link.mu.Unlock()

	_, err := link.ReceiveTimeout(1, time.Second)
	assert.Error(t, err)
}
