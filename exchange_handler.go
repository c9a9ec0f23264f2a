package easyfpga

import "fmt"

// completedExchange wraps an Exchange whose reply has arrived, as queued
// for ExchangeHandler (spec.md §4.5).
type completedExchange struct {
	exchange *Exchange
}

// ExchangeHandler drains a queue of completed exchanges (request+reply
// both set), verifies reply parity, dispatches callbacks, and resubmits
// on a parity NACK (spec.md §4.5).
//
// Grounded on client.go's query (parity/error-code interpretation) and
// modbus.go's associate/demuxRX worker-loop shape, generalized from
// Modbus's illegal-function/address/value/device-failure/busy codes to
// this protocol's UNKNOWN/OPCODE_UNKNOWN/PARITY/WISHBONE_TIMEOUT/
// DATA_LENGTH taxonomy.
type ExchangeHandler struct {
	idPool *IdPool
	table  *ExchangeTable
	resend func(Frame) error // Communicator.sendRaw, set at construction

	queue chan completedExchange
	stop  chan struct{}

	metrics *metrics
}

// NewExchangeHandler builds a handler whose retries are sent via resend
// (typically Communicator.sendRaw, so a resubmission goes back through
// the same send path as any other request).
func NewExchangeHandler(idPool *IdPool, table *ExchangeTable, resend func(Frame) error, m *metrics) *ExchangeHandler {
	return &ExchangeHandler{
		idPool:  idPool,
		table:   table,
		resend:  resend,
		queue:   make(chan completedExchange, 64),
		stop:    make(chan struct{}),
		metrics: m,
	}
}

// Submit enqueues a completed exchange for processing. Called by whatever
// resolved the exchange (FrameSeparator.route via ExchangeTable.Resolve).
func (h *ExchangeHandler) Submit(e *Exchange) {
	select {
	case h.queue <- completedExchange{exchange: e}:
	case <-h.stop:
	}
}

// Run processes queued exchanges until Stop is called.
func (h *ExchangeHandler) Run() {
	for {
		select {
		case c := <-h.queue:
			h.handle(c.exchange)
		case <-h.stop:
			return
		}
	}
}

// Stop interrupts the worker loop (spec.md §4.7.4, §5 "Cancellation").
func (h *ExchangeHandler) Stop() {
	close(h.stop)
}

func (h *ExchangeHandler) handle(e *Exchange) {
	reply, ok := e.Reply()
	if !ok {
		return
	}

	if !reply.VerifyParity() {
		fmt.Printf("ExchangeHandler: parity failure on reply to id %d (opcode 0x%02x) - fatal protocol error\n",
			e.Request.ID, byte(reply.Opcode))
		h.release(e.Request.ID)
		return
	}

	switch reply.Opcode {
	case OpACK:
		h.release(e.Request.ID)

	case OpRegisterRDRE:
		if e.Callback.Kind == CallbackSingleRead && e.Callback.Single != nil {
			e.Callback.Single(e.Callback.SequenceID, reply.Bytes[2])
		}
		h.release(e.Request.ID)

	case OpRegisterMRDRE, OpRegisterARDRE:
		if e.Callback.Kind == CallbackMultiRead && e.Callback.Multi != nil {
			n := len(reply.Bytes) - 3
			e.Callback.Multi(reply.Bytes[2 : 2+n])
		}
		h.release(e.Request.ID)

	case OpNACK:
		h.handleNack(e, reply)

	default:
		fmt.Printf("ExchangeHandler: unexpected reply opcode 0x%02x for id %d\n", byte(reply.Opcode), e.Request.ID)
		h.release(e.Request.ID)
	}
}

func (h *ExchangeHandler) handleNack(e *Exchange, reply Frame) {
	code := reply.Bytes[2]
	if h.metrics != nil {
		h.metrics.nackTotal.Inc()
	}
	switch code {
	case NackParity:
		if !e.Retryable {
			fmt.Printf("ExchangeHandler: PARITY nack on read id %d, not retrying (caller's concern)\n", e.Request.ID)
			h.release(e.Request.ID)
			return
		}
		fmt.Printf("ExchangeHandler: PARITY nack on id %d, resubmitting request\n", e.Request.ID)
		if h.metrics != nil {
			h.metrics.parityRetryTotal.Inc()
		}
		h.table.Remove(e.Request.ID)
		if err := h.resend(e.Request); err != nil {
			fmt.Printf("ExchangeHandler: resubmission of id %d failed: %v\n", e.Request.ID, err)
			h.release(e.Request.ID)
			return
		}
		// A fresh Exchange, not the NACKed one: SetReply only ever
		// succeeds once per Exchange (spec.md §8, invariant 3), so the
		// retry needs its own record even though it keeps the same id -
		// the device's NACK referenced that id, and a stale exchange must
		// not linger under it (spec.md §9 open question, resolved in
		// DESIGN.md).
		retry := NewExchange(e.Request, e.Callback)
		retry.Retryable = true
		h.table.Insert(retry)

	case NackOpcodeUnknown, NackWishboneTimeout, NackUnknown:
		fmt.Printf("ExchangeHandler: NACK (%s) on id %d\n", nackKindOf(code), e.Request.ID)
		h.release(e.Request.ID)

	default:
		fmt.Printf("ExchangeHandler: NACK (%s, code 0x%02x) on id %d\n", nackKindOf(code), code, e.Request.ID)
		h.release(e.Request.ID)
	}
}

func (h *ExchangeHandler) release(id byte) {
	h.table.Remove(id)
	if err := h.idPool.Release(id); err != nil {
		fmt.Printf("ExchangeHandler: release id %d: %v\n", id, err)
	}
}
