package easyfpga

import (
	"fmt"
	"sync/atomic"
	"time"
)

// FrameSeparator consumes the byte stream from a SerialLink, recognizes
// opcodes, assembles Frame objects, and routes ACK/NACK/read-replies by id
// to the ExchangeTable, or hands interrupt frames to an interrupt
// dispatcher (spec.md §4.4). It is only active while the FPGA/SoC is the
// active chip: during MCU communication reads happen synchronously and
// the separator must not be running (spec.md §4.4, §4.7.1).
//
// Grounded on rtu.go's wireFramer/handleFrame (peek the buffer, classify,
// validate, distribute), generalized from Modbus's fixed unit/function/
// CRC16 layout to this protocol's opcode table, including the
// variable-length REGISTER_MRDRE/ARDRE case which must consult the
// matching outstanding request to learn how many data bytes follow.
type FrameSeparator struct {
	link     *SerialLink
	table    *ExchangeTable
	onInt    func(Frame)
	onResolved func(*Exchange)
	active   atomic.Bool

	// wake is poked by Notify whenever new bytes land on the link, so
	// Run's idle wait (only while inactive) returns promptly
	// instead of riding out the idle ticker. It is never read or written
	// from Step itself - Run is the sole caller of Step (spec.md §5(3):
	// "separator step runs on the notification thread"), so the two
	// concurrent drivers this type used to have (a per-chunk notify
	// calling Step directly, and Run's own loop) can't interleave their
	// Receive calls and corrupt frame assembly.
	wake chan struct{}
}

// NewFrameSeparator builds a separator reading from link, resolving
// replies against table, handing each resolved exchange to onResolved
// (typically ExchangeHandler.Submit), and delivering SOC_INT frames to
// onInterrupt.
func NewFrameSeparator(link *SerialLink, table *ExchangeTable, onInterrupt func(Frame), onResolved func(*Exchange)) *FrameSeparator {
	return &FrameSeparator{link: link, table: table, onInt: onInterrupt, onResolved: onResolved, wake: make(chan struct{}, 1)}
}

// SetActive enables or disables the separator (spec.md §4.4).
func (s *FrameSeparator) SetActive(active bool) {
	s.active.Store(active)
}

// Active reports whether the separator is currently running.
func (s *FrameSeparator) Active() bool {
	return s.active.Load()
}

// Notify wakes Run's idle wait without calling Step directly - Run
// remains the only goroutine that ever calls Step, so extraction stays
// serialized (spec.md §5(3)). Safe to call from the link's reader
// goroutine on every chunk; it never blocks.
func (s *FrameSeparator) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Step extracts and routes at most one frame from the link's receive
// buffer, blocking until enough bytes are available for whatever frame
// the leading opcode byte identifies. It is idempotent on partial buffers
// (spec.md §8, invariant 4): feeding the same bytes in any contiguous
// splits yields the same final frame stream, because each Receive blocks
// until all the bytes it asks for are queued, so how they were split
// across arrivals makes no difference.
func (s *FrameSeparator) Step() {
	if !s.active.Load() {
		return
	}
	head := s.link.Receive(1)
	op := Opcode(head[0])

	if n, ok := fixedLen(op); ok {
		rest := s.link.Receive(n - 1)
		frame := Frame{Opcode: op, Bytes: append(head, rest...)}
		s.route(frame)
		return
	}

	switch op {
	case OpRegisterMRDRE, OpRegisterARDRE:
		idByte := s.link.Receive(1)
		id := idByte[0]
		n := s.awaitRequestLength(id)
		data := s.link.Receive(n + 1) // n data bytes + parity
		frame := Frame{Opcode: op, ID: id, Bytes: append(append(head, idByte...), data...)}
		s.route(frame)
	default:
		fmt.Printf("FrameSeparator: unrecognized opcode 0x%02x, discarded\n", head[0])
	}
}

// awaitRequestLength blocks until the matching outstanding request is
// visible in the exchange table, then returns its length byte - the 5th
// byte of a REGISTER_MRD/REGISTER_ARD request (spec.md §4.4).
func (s *FrameSeparator) awaitRequestLength(id byte) int {
	for {
		if e, ok := s.table.Get(id); ok {
			req := e.Request.Bytes
			// REGISTER_MRD/ARD layout is opcode, id, core, reg, n, parity -
			// n is the 5th byte, index 4 (spec.md §4.4).
			if len(req) >= 5 {
				return int(req[4])
			}
		}
	}
}

// route extracts the id from a frame whose layout carries one (byte
// index 1), publishes it for matching, and either resolves a pending
// exchange or dispatches an interrupt. Matching is atomic per id
// (ExchangeTable.Resolve holds its own lock), satisfying spec.md §4.4's
// "one matcher pass per step" guarantee without needing a separate pass
// object.
func (s *FrameSeparator) route(frame Frame) {
	if frame.Opcode == OpSoCInt {
		if s.onInt != nil {
			go s.onInt(frame)
		}
		return
	}

	id := frameID(frame)
	if id == 0 {
		fmt.Printf("FrameSeparator: frame with opcode 0x%02x has no routable id\n", byte(frame.Opcode))
		return
	}
	frame.ID = id
	e, ok := s.table.Resolve(id, frame)
	if !ok {
		fmt.Printf("FrameSeparator: no pending exchange for id %d (opcode 0x%02x)\n", id, byte(frame.Opcode))
		return
	}
	if s.onResolved != nil {
		s.onResolved(e)
	}
}

// frameID extracts the id byte from a frame whose wire layout places it
// at offset 1, per spec.md §6.1's "Frames with IDs carry the ID in byte
// 1" rule. SOC_INT and DETECT/DETECT_RE carry no routable id.
func frameID(frame Frame) byte {
	switch frame.Opcode {
	case OpACK, OpNACK, OpRegisterRDRE, OpRegisterMRDRE, OpRegisterARDRE:
		if len(frame.Bytes) > 1 {
			return frame.Bytes[1]
		}
	}
	return 0
}

// Run drives Step in a loop, only while the separator is active, until
// stop is closed. While inactive it must not touch the link at all -
// during MCU communication the Communicator reads synchronously from the
// same SerialLink, and a Step call would steal those bytes (spec.md §4.4,
// §4.7.1) - so it idles on a short ticker (woken early by Notify) instead
// of busy-polling. Run is the only caller of Step: SerialLink's reader
// goroutine calls Notify, never Step, so extraction is never split across
// two concurrently-running goroutines (spec.md §5(3)).
func (s *FrameSeparator) Run(stop <-chan struct{}) {
	idle := time.NewTicker(5 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !s.active.Load() {
			select {
			case <-stop:
				return
			case <-idle.C:
			case <-s.wake:
			}
			continue
		}
		s.Step()
	}
}
