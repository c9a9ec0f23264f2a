package easyfpga

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ChipState is the two-state chip-selection machine of spec.md §4.7.1/§4.9.
type ChipState uint8

const (
	MCUActive ChipState = iota
	FPGAActive
)

func (s ChipState) String() string {
	if s == FPGAActive {
		return "FPGA_ACTIVE"
	}
	return "MCU_ACTIVE"
}

const (
	maxReadRetries   = 3
	socSelectTimeout = 500 * time.Millisecond
)

// Communicator is the top-level façade: it owns the serial link, the
// chip-selection state machine, register read/write operations, interrupt
// dispatch, and graceful shutdown (spec.md §4.7).
//
// Grounded on client.go's Client interface (one method per wire operation,
// a tout time.Duration parameter on every call) generalized from Modbus's
// coil/register/file addressing to this protocol's 0xCCRR core/register
// addressing, and on rtu.go's open/ticker/close lifecycle generalized into
// the MCU_ACTIVE/FPGA_ACTIVE transitions of spec.md §4.9.
type Communicator struct {
	link    *SerialLink
	idPool  *IdPool
	table   *ExchangeTable
	sep     *FrameSeparator
	handler *ExchangeHandler
	metrics *metrics
	pub     *EventPublisher

	mu    sync.Mutex
	state ChipState

	sepStop chan struct{}

	listenersMu sync.Mutex
	listeners   []Listener

	// CoreDirectory optionally resolves a raw interrupt-source address to
	// a human-readable core name, spec.md §4.7.3's "user-supplied core
	// directory lookup". Nil means events carry only the raw address.
	CoreDirectory func(core byte) string
}

// NewCommunicator wires link, a fresh IdPool/ExchangeTable/FrameSeparator/
// ExchangeHandler, and an optional metrics registerer/event publisher
// around it. Starts in MCU_ACTIVE with the separator disabled. reg may be
// nil, in which case the Prometheus instruments are created but never
// registered (marmos91-dittofs's nil-Registerer pattern, SPEC_FULL.md §4)
// - metrics collection stays available to every caller, not just this
// package's own tests, without forcing one on anybody who doesn't wire a
// registry.
func NewCommunicator(link *SerialLink, reg prometheus.Registerer, pub *EventPublisher) *Communicator {
	c := &Communicator{
		link:    link,
		idPool:  NewIdPool(),
		table:   NewExchangeTable(),
		metrics: newMetrics(reg),
		pub:     pub,
		state:   MCUActive,
	}
	c.sep = NewFrameSeparator(link, c.table, c.dispatchInterrupt, c.submitResolved)
	c.handler = NewExchangeHandler(c.idPool, c.table, c.sendRaw, c.metrics)
	// AttachNotify's callback must never call Step itself: the reader
	// goroutine fires it once per chunk on a fresh goroutine (spec.md
	// §4.2), and Step is only safe to run from the single goroutine
	// driven by FrameSeparator.Run (spec.md §5(3)) - two Steps racing
	// would interleave their Receive calls and corrupt frame assembly.
	// Notify only pokes Run's wait loop awake; it never touches the link.
	link.AttachNotify(func() { c.sep.Notify() })
	return c
}

func (c *Communicator) sendRaw(f Frame) error {
	return c.link.Send(f)
}

func (c *Communicator) submitResolved(e *Exchange) {
	if c.metrics != nil {
		c.metrics.exchangesInFlight.Set(float64(c.table.Len()))
	}
	c.handler.Submit(e)
}

// State reports the current chip-selection state.
func (c *Communicator) State() ChipState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectFPGA transitions MCU_ACTIVE → FPGA_ACTIVE (spec.md §4.7.1): sends
// SOC_SEL, starts the exchange-handler worker, and on ACK enables the
// separator. Stays MCU_ACTIVE on any non-ACK.
func (c *Communicator) SelectFPGA() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == FPGAActive {
		return nil
	}

	if c.sepStop == nil {
		c.sepStop = make(chan struct{})
		go c.handler.Run()
		go c.sep.Run(c.sepStop)
	}

	if err := c.link.Send(NewSoCSelFrame()); err != nil {
		return err
	}
	data, err := c.link.ReceiveTimeout(LenACK, socSelectTimeout)
	if err != nil {
		return err
	}
	reply := Frame{Opcode: Opcode(data[0]), Bytes: data}
	if reply.Opcode != OpACK || !reply.VerifyParity() {
		return ProtocolViolationErrorF("SOC_SEL not acknowledged")
	}

	c.sep.SetActive(true)
	c.state = FPGAActive
	return nil
}

// SelectMCU transitions FPGA_ACTIVE → MCU_ACTIVE (spec.md §4.7.1): disables
// the separator, sends MCU_SEL(id) with a fresh id, and retries on NACK or
// timeout until it succeeds.
func (c *Communicator) SelectMCU() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == MCUActive {
		return nil
	}
	c.sep.SetActive(false)

	for {
		id, ok := c.idPool.Acquire()
		if !ok {
			return InvalidArgumentErrorF("no free frame ids for MCU_SEL")
		}
		frame := NewMCUSelFrame(id)
		if err := c.link.Send(frame); err != nil {
			c.idPool.Release(id)
			return err
		}
		data, err := c.link.ReceiveTimeout(LenACK, mcuSelectTimeout)
		c.idPool.Release(id)
		if err != nil {
			fmt.Printf("Communicator: MCU_SEL(%d) timed out, retrying\n", id)
			continue
		}
		reply := Frame{Opcode: Opcode(data[0]), Bytes: data}
		if reply.Opcode != OpACK || len(data) < 2 || data[1] != id || !reply.VerifyParity() {
			fmt.Printf("Communicator: MCU_SEL(%d) not acknowledged, retrying\n", id)
			continue
		}
		break
	}

	c.state = MCUActive
	return nil
}

// isFpgaActive probes which chip currently answers on the wire without
// trusting local state, spec.md §4.7.1. Only safe to call while the
// separator is inactive (MCU-only communication window).
func (c *Communicator) isFpgaActive() (bool, error) {
	if err := c.link.Send(NewStatusRDFrame()); err != nil {
		return false, err
	}
	data, err := c.link.ReceiveTimeout(LenNACK, statusReadTimeout)
	if err != nil {
		return false, err
	}
	switch Opcode(data[0]) {
	case OpNACK:
		if data[2] == NackOpcodeUnknown {
			return true, nil
		}
		return false, ProtocolViolationErrorF("unexpected NACK code 0x%02x probing chip state", data[2])
	case OpStatusRDRE:
		rest, err := c.link.ReceiveTimeout(LenStatusRDRE-LenNACK, statusReadTimeout)
		if err != nil {
			return false, err
		}
		full := append(data, rest...)
		frame := Frame{Opcode: OpStatusRDRE, Bytes: full}
		if !frame.VerifyParity() {
			return false, ParityMismatchErrorF("STATUS_RDRE parity mismatch probing chip state")
		}
		return false, nil
	default:
		return false, ProtocolViolationErrorF("unexpected opcode 0x%02x probing chip state", data[0])
	}
}

// IsFPGAActive probes the wire directly rather than trusting local state
// (spec.md §4.7.1). Must only be called while the separator is inactive.
func (c *Communicator) IsFPGAActive() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFpgaActive()
}

func (c *Communicator) requireFPGAActive() error {
	if c.State() != FPGAActive {
		return IllegalStateErrorF("register operation requires FPGA_ACTIVE, currently %s", c.State())
	}
	return nil
}

func (c *Communicator) requireMCUActive() error {
	if c.State() != MCUActive {
		return IllegalStateErrorF("flash/serial operation requires MCU_ACTIVE, currently %s", c.State())
	}
	return nil
}

// --- Register operations, spec.md §4.7.2. Address is 0xCCRR: high byte is
// the core index, low byte is the register offset.

func splitAddr(addr uint16) (core, reg byte) {
	return byte(addr >> 8), byte(addr)
}

// WriteRegister issues REGISTER_WR(addr, data). Non-blocking: it returns
// once the frame is sent, not once the ACK arrives - the ExchangeHandler
// releases the id asynchronously, resubmitting the same frame on every
// PARITY nack, with no retry limit (spec.md §4.7.2, §4.7.5).
func (c *Communicator) WriteRegister(addr uint16, data byte) error {
	if err := c.requireFPGAActive(); err != nil {
		return err
	}
	core, reg := splitAddr(addr)
	id, ok := c.idPool.Acquire()
	if !ok {
		return InvalidArgumentErrorF("no free frame ids")
	}
	frame := NewRegisterWRFrame(id, core, reg, data)
	return c.submitWrite(id, frame)
}

// WriteRegisterMulti issues REGISTER_MWR(addr, data). len(data) must be in
// [1,255].
func (c *Communicator) WriteRegisterMulti(addr uint16, data []byte) error {
	if err := c.requireFPGAActive(); err != nil {
		return err
	}
	if len(data) < 1 || len(data) > 255 {
		return InvalidArgumentErrorF("multi-write length %d out of range [1,255]", len(data))
	}
	core, reg := splitAddr(addr)
	id, ok := c.idPool.Acquire()
	if !ok {
		return InvalidArgumentErrorF("no free frame ids")
	}
	frame := NewRegisterMWRFrame(id, core, reg, data)
	return c.submitWrite(id, frame)
}

// WriteRegisterAAI issues REGISTER_AWR(start, data), writing consecutive
// addresses starting at start. len(data) must be in [1,255].
func (c *Communicator) WriteRegisterAAI(start uint16, data []byte) error {
	if err := c.requireFPGAActive(); err != nil {
		return err
	}
	if len(data) < 1 || len(data) > 255 {
		return InvalidArgumentErrorF("AAI write length %d out of range [1,255]", len(data))
	}
	core, reg := splitAddr(start)
	id, ok := c.idPool.Acquire()
	if !ok {
		return InvalidArgumentErrorF("no free frame ids")
	}
	frame := NewRegisterAWRFrame(id, core, reg, data)
	return c.submitWrite(id, frame)
}

// submitWrite inserts a retryable exchange and sends it. Writes are
// Retryable: ExchangeHandler auto-resubmits on each PARITY nack, and the
// resubmitted exchange is Retryable too (spec.md §4.7.5).
func (c *Communicator) submitWrite(id byte, frame Frame) error {
	ex := NewExchange(frame, Callback{})
	ex.Retryable = true
	c.table.Insert(ex)
	if err := c.link.Send(frame); err != nil {
		c.table.Remove(id)
		c.idPool.Release(id)
		return err
	}
	return nil
}

// ReadRegister issues REGISTER_RD(addr) and blocks for the single data
// byte. On timeout it retries recursively up to maxReadRetries (spec.md
// §4.7.2's "bounded by a caller-level policy"). A parity failure or NACK
// on the reply is surfaced immediately without automatic retry (spec.md
// §4.7.5, §9): that retry path is the source's documented TODO-equivalent
// hole, left to the caller.
func (c *Communicator) ReadRegister(addr uint16) (byte, error) {
	return c.readRegister(addr, 0)
}

func (c *Communicator) readRegister(addr uint16, attempt int) (byte, error) {
	if err := c.requireFPGAActive(); err != nil {
		return 0, err
	}
	core, reg := splitAddr(addr)
	id, ok := c.idPool.Acquire()
	if !ok {
		return 0, InvalidArgumentErrorF("no free frame ids")
	}
	frame := NewRegisterRDFrame(id, core, reg)
	ex := NewExchange(frame, Callback{})
	c.table.Insert(ex)
	if err := c.link.Send(frame); err != nil {
		c.table.Remove(id)
		c.idPool.Release(id)
		return 0, err
	}

	reply, ok := ex.Wait(registerReadTimeout)
	if !ok {
		if attempt+1 >= maxReadRetries {
			return 0, TimeoutErrorF("readRegister(0x%04x): no reply after %d attempts", addr, attempt+1)
		}
		return c.readRegister(addr, attempt+1)
	}
	if !reply.VerifyParity() {
		return 0, ParityMismatchErrorF("readRegister(0x%04x): reply parity mismatch", addr)
	}
	if reply.Opcode == OpNACK {
		return 0, NackErrorF(reply.Bytes[2], "readRegister(0x%04x): NACK (%s)", addr, nackKindOf(reply.Bytes[2]))
	}
	if reply.Opcode != OpRegisterRDRE {
		return 0, ProtocolViolationErrorF("readRegister(0x%04x): unexpected reply opcode 0x%02x", addr, byte(reply.Opcode))
	}
	return reply.Bytes[2], nil
}

// ReadRegisterMulti issues REGISTER_MRD(addr, n) and blocks for n data
// bytes. 1 <= n <= 0xFF. Parity/NACK surface as errors with no automatic
// retry (spec.md §4.7.2).
func (c *Communicator) ReadRegisterMulti(addr uint16, n int) ([]byte, error) {
	return c.readRegisterN(addr, n, OpRegisterMRD, OpRegisterMRDRE)
}

// ReadRegisterAAI issues REGISTER_ARD(start, n) and blocks for n
// consecutive register values.
func (c *Communicator) ReadRegisterAAI(start uint16, n int) ([]byte, error) {
	return c.readRegisterN(start, n, OpRegisterARD, OpRegisterARDRE)
}

func (c *Communicator) readRegisterN(addr uint16, n int, reqOp, repOp Opcode) ([]byte, error) {
	if err := c.requireFPGAActive(); err != nil {
		return nil, err
	}
	if n < 1 || n > 0xFF {
		return nil, InvalidArgumentErrorF("read length %d out of range [1,255]", n)
	}
	core, reg := splitAddr(addr)
	id, ok := c.idPool.Acquire()
	if !ok {
		return nil, InvalidArgumentErrorF("no free frame ids")
	}
	var frame Frame
	if reqOp == OpRegisterMRD {
		frame = NewRegisterMRDFrame(id, core, reg, byte(n))
	} else {
		frame = NewRegisterARDFrame(id, core, reg, byte(n))
	}
	ex := NewExchange(frame, Callback{})
	c.table.Insert(ex)
	if err := c.link.Send(frame); err != nil {
		c.table.Remove(id)
		c.idPool.Release(id)
		return nil, err
	}

	reply, ok := ex.Wait(registerReadTimeout)
	if !ok {
		return nil, TimeoutErrorF("read(0x%04x, n=%d): no reply within %v", addr, n, registerReadTimeout)
	}
	if !reply.VerifyParity() {
		return nil, ParityMismatchErrorF("read(0x%04x, n=%d): reply parity mismatch", addr, n)
	}
	if reply.Opcode == OpNACK {
		return nil, NackErrorF(reply.Bytes[2], "read(0x%04x, n=%d): NACK (%s)", addr, n, nackKindOf(reply.Bytes[2]))
	}
	if reply.Opcode != repOp {
		return nil, ProtocolViolationErrorF("read(0x%04x, n=%d): unexpected reply opcode 0x%02x", addr, n, byte(reply.Opcode))
	}
	return reply.Bytes[2 : 2+n], nil
}

// ReadRegisterAsync issues REGISTER_RD(addr) and returns immediately; cb
// is invoked by ExchangeHandler from its own goroutine once the reply
// arrives, with the given sequenceID (spec.md §4.7.2's single-read
// callback shape).
func (c *Communicator) ReadRegisterAsync(addr uint16, sequenceID int, cb func(sequenceID int, value byte)) error {
	if err := c.requireFPGAActive(); err != nil {
		return err
	}
	core, reg := splitAddr(addr)
	id, ok := c.idPool.Acquire()
	if !ok {
		return InvalidArgumentErrorF("no free frame ids")
	}
	frame := NewRegisterRDFrame(id, core, reg)
	ex := NewExchange(frame, Callback{Kind: CallbackSingleRead, SequenceID: sequenceID, Single: cb})
	c.table.Insert(ex)
	if err := c.link.Send(frame); err != nil {
		c.table.Remove(id)
		c.idPool.Release(id)
		return err
	}
	return nil
}

// ReadRegisterAAIAsync issues REGISTER_ARD(start, n) and returns
// immediately; cb is invoked once, by ExchangeHandler, with the whole
// reply payload (spec.md §4.7.2's multi-read callback shape).
func (c *Communicator) ReadRegisterAAIAsync(start uint16, n int, cb func(data []byte)) error {
	if err := c.requireFPGAActive(); err != nil {
		return err
	}
	if n < 1 || n > 0xFF {
		return InvalidArgumentErrorF("read length %d out of range [1,255]", n)
	}
	core, reg := splitAddr(start)
	id, ok := c.idPool.Acquire()
	if !ok {
		return InvalidArgumentErrorF("no free frame ids")
	}
	frame := NewRegisterARDFrame(id, core, reg, byte(n))
	ex := NewExchange(frame, Callback{Kind: CallbackMultiRead, Multi: cb})
	c.table.Insert(ex)
	if err := c.link.Send(frame); err != nil {
		c.table.Remove(id)
		c.idPool.Release(id)
		return err
	}
	return nil
}

// --- Interrupts, spec.md §4.7.3.

// EnableInterrupts sends SOC_INT_EN through the register-write exchange
// path (it is itself Retryable on a PARITY nack, per spec.md §4.7.5's
// explicit mention of "interrupt enable"). It returns once the frame is
// sent and does not wait for the ACK; the reply is handled by
// ExchangeHandler, and a NACK other than PARITY is only logged there, not
// returned to the caller.
func (c *Communicator) EnableInterrupts() error {
	if err := c.requireFPGAActive(); err != nil {
		return err
	}
	id, ok := c.idPool.Acquire()
	if !ok {
		return InvalidArgumentErrorF("no free frame ids")
	}
	frame := NewSoCIntEnFrame(id)
	return c.submitWrite(id, frame)
}

// AddListener registers l to receive interrupt events. Listeners are invoked on a freshly spawned goroutine per event
// so a slow listener can never block the separator (spec.md §4.7.3).
func (c *Communicator) AddListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Communicator) dispatchInterrupt(frame Frame) {
	core := byte(0)
	if len(frame.Bytes) > 1 {
		core = frame.Bytes[1]
	}
	ev := Event{Kind: EventInterrupt, Core: core}
	if c.CoreDirectory != nil {
		ev.Device = c.CoreDirectory(core)
	}
	c.notify(ev)
}

func (c *Communicator) notify(ev Event) {
	c.listenersMu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l := l
		go l(ev)
	}
	if c.pub != nil {
		c.pub.Publish(ev)
	}
}

// --- Graceful shutdown, spec.md §4.7.4.

// Close waits up to closeTimeout for the pending-exchange table to drain,
// stops the exchange-handler worker and separator loop, forces the chip
// back to MCU_ACTIVE if it is currently FPGA_ACTIVE, and closes the link.
func (c *Communicator) Close() error {
	deadline := time.Now().Add(closeTimeout)
	for c.table.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := c.table.Len(); n > 0 {
		fmt.Printf("Communicator: close: %d exchanges still pending after %v, closing anyway\n", n, closeTimeout)
	}

	c.handler.Stop()
	c.mu.Lock()
	if c.sepStop != nil {
		close(c.sepStop)
		c.sepStop = nil
	}
	c.mu.Unlock()

	if c.State() == FPGAActive {
		if err := c.SelectMCU(); err != nil {
			fmt.Printf("Communicator: close: forcing MCU_ACTIVE failed: %v\n", err)
		}
	}

	if c.pub != nil {
		if err := c.pub.Close(); err != nil {
			fmt.Printf("Communicator: close: event publisher: %v\n", err)
		}
	}

	return c.link.Close()
}
