package easyfpga

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.bug.st/serial"
)

// LineRate is the board's fixed 3,000,000 baud rate (spec.md §6.2).
const LineRate = 3000000

// devicePathPattern matches candidate serial device paths, spec.md §4.6.
var devicePathPattern = regexp.MustCompile(`(ttyUSB\d+)|(COM\d+)`)

// SerialLink is the raw byte transport over a named serial port.
// Grounded on rtu.go's wireReader/wireWriter/ticker/close structure,
// generalized from Modbus's inter-character timing discipline to a
// length/timeout-driven receive API (spec.md §4.2). Uses go.bug.st/serial
// in place of the teacher's unshippable local serial sub-package (see
// SPEC_FULL.md §3).
type SerialLink struct {
	name string
	port serial.Port

	mu      sync.Mutex
	buf     []byte
	closed  bool
	changed chan struct{} // closed and replaced every time buf or closed changes

	onData func() // notifies an attached Communicator of buffer growth
}

// signal closes and replaces changed, waking every goroutine blocked on
// the previous channel. Caller must hold l.mu.
func (l *SerialLink) signal() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// OpenSerialLink opens device at LineRate, 8-N-1, and asserts RTS
// (spec.md §4.2). Hardware RTS/CTS flow control is not enabled on the
// port. It starts the background reader goroutine that enqueues incoming
// bytes onto the receive buffer.
func OpenSerialLink(device string) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: LineRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, TransportErrorF("open %s: %v", device, err)
	}
	// go.bug.st/serial does not expose a dedicated hardware-flow-control
	// toggle on Mode; RTS is asserted explicitly the way rtu.go asserts
	// DTR for boards that need a line held high to talk.
	_ = port.SetRTS(true)
	_ = port.SetReadTimeout(50 * time.Millisecond)

	l := &SerialLink{name: device, port: port, changed: make(chan struct{})}
	go l.reader()
	return l, nil
}

// AttachNotify registers fn to be invoked (on a fresh goroutine) whenever
// the receive buffer grows, so a Communicator can drive its
// FrameSeparator without SerialLink holding a back-reference to it
// (spec.md §9's cyclic-reference note).
func (l *SerialLink) AttachNotify(fn func()) {
	l.mu.Lock()
	l.onData = fn
	l.mu.Unlock()
}

func (l *SerialLink) reader() {
	chunk := make([]byte, 4096)
	for {
		n, err := l.port.Read(chunk)
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		if err != nil {
			// Read timeout is expected (ReadTimeout set above); any other
			// error means the port is gone.
			continue
		}
		if n == 0 {
			continue
		}
		l.mu.Lock()
		l.buf = append(l.buf, chunk[:n]...)
		notify := l.onData
		l.signal()
		l.mu.Unlock()
		if notify != nil {
			go notify()
		}
	}
}

// Send writes frame.Bytes to the link.
func (l *SerialLink) Send(frame Frame) error {
	return l.SendBytes(frame.Bytes)
}

// SendBytes writes raw bytes to the link.
func (l *SerialLink) SendBytes(data []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return TransportErrorF("send on closed link %s", l.name)
	}
	for len(data) > 0 {
		n, err := l.port.Write(data)
		if err != nil {
			return TransportErrorF("write %s: %v", l.name, err)
		}
		data = data[n:]
	}
	return nil
}

// Receive blocks until exactly n bytes are available, removing them from
// the buffer (spec.md §4.2). It never returns fewer than n bytes.
func (l *SerialLink) Receive(n int) []byte {
	for {
		l.mu.Lock()
		if len(l.buf) >= n {
			break
		}
		if l.closed {
			// Closed with nothing left to give; a zero-filled buffer of the
			// requested length lets a blocked FrameSeparator.Step unwind
			// without a slice-bounds panic instead of racing Close.
			l.mu.Unlock()
			return make([]byte, n)
		}
		wait := l.changed
		l.mu.Unlock()
		<-wait
	}
	defer l.mu.Unlock()
	out := make([]byte, n)
	copy(out, l.buf[:n])
	l.buf = l.buf[n:]
	return out
}

// ReceiveTimeout blocks until n bytes are available or timeout elapses,
// whichever comes first; on expiry it fails with a Timeout error and
// leaves the buffer untouched (spec.md §4.2).
func (l *SerialLink) ReceiveTimeout(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if len(l.buf) >= n {
			out := make([]byte, n)
			copy(out, l.buf[:n])
			l.buf = l.buf[n:]
			l.mu.Unlock()
			return out, nil
		}
		if l.closed {
			l.mu.Unlock()
			return nil, TransportErrorF("receive %d bytes from %s: link closed", n, l.name)
		}
		wait := l.changed
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, TimeoutErrorF("receive %d bytes from %s: timeout after %v", n, l.name, timeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, TimeoutErrorF("receive %d bytes from %s: timeout after %v", n, l.name, timeout)
		}
	}
}

// Available reports how many bytes are currently queued, without
// removing them.
func (l *SerialLink) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Peek returns a copy of the first n queued bytes without removing them.
// Reports ok=false if fewer than n bytes are queued.
func (l *SerialLink) Peek(n int) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, l.buf[:n])
	return out, true
}

// Reset removes the byte-available handler, drains OS-level buffered
// bytes, clears the local receive buffer, and closes/reopens the port
// (spec.md §4.2). Used as the recovery step after a sector-write or
// STATUS_WR timeout (spec.md §4.8).
func (l *SerialLink) Reset() error {
	l.mu.Lock()
	l.onData = nil
	l.buf = l.buf[:0]
	l.signal()
	l.mu.Unlock()

	if err := l.port.ResetInputBuffer(); err != nil {
		fmt.Printf("SerialLink %s: reset input buffer: %v\n", l.name, err)
	}
	if err := l.port.Close(); err != nil {
		return TransportErrorF("reset (close) %s: %v", l.name, err)
	}
	mode := &serial.Mode{
		BaudRate: LineRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(l.name, mode)
	if err != nil {
		return TransportErrorF("reset (reopen) %s: %v", l.name, err)
	}
	_ = port.SetRTS(true)
	_ = port.SetReadTimeout(50 * time.Millisecond)
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
	go l.reader()
	return nil
}

// Close is idempotent.
func (l *SerialLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.signal()
	l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	return l.port.Close()
}

// CandidatePorts lists serial device paths whose name matches
// devicePathPattern (spec.md §4.6: `(ttyUSB\d+)|(COM\d+)`).
func CandidatePorts() ([]string, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, TransportErrorF("enumerate ports: %v", err)
	}
	var out []string
	for _, n := range names {
		if devicePathPattern.MatchString(n) {
			out = append(out, n)
		}
	}
	return out, nil
}
