package easyfpga

import (
	"sync"
	"time"
)

// exchangeTimeout is the "slow reply" deadline of spec.md §6.4: measured
// only after a reply is set, so it reports "slow replies", not "missing
// replies" - a register read's own timeout (spec.md §6.3) covers the
// missing-reply case.
const exchangeTimeout = 1000 * time.Millisecond

// CallbackKind is a closed set of async-callback shapes (spec.md §9:
// "model as a tagged variant rather than an open interface tree").
type CallbackKind uint8

const (
	// CallbackNone means no callback is registered (fire-and-forget
	// writes, or synchronous callers polling the Exchange directly).
	CallbackNone CallbackKind = iota
	// CallbackSingleRead fills one slot of a multi-slot result array,
	// spec.md §4.7.2.
	CallbackSingleRead
	// CallbackMultiRead is invoked once with the whole reply payload,
	// spec.md §4.7.2.
	CallbackMultiRead
)

// Callback is the tagged union of callback shapes an Exchange can carry.
type Callback struct {
	Kind CallbackKind
	// SequenceID identifies this invocation's slot for CallbackSingleRead.
	SequenceID int
	// Single is invoked for CallbackSingleRead with the single data byte.
	Single func(sequenceID int, value byte)
	// Multi is invoked for CallbackMultiRead with the reply's data bytes.
	Multi func(data []byte)
}

// Exchange is an in-flight request paired with its eventual reply,
// identified by the request frame's id. Grounded on modbus.go's adu/pdu
// pairing and client.go's query, generalized from a channel-per-call
// model (the teacher blocks the calling goroutine on a channel) to a
// table-resident record so the separator thread and caller threads can
// both observe it (spec.md §3).
type Exchange struct {
	mu        sync.Mutex
	Request   Frame
	reply     *Frame
	Callback  Callback
	CreatedAt time.Time
	replyAt   time.Time
	replied   chan struct{} // closed exactly once, when reply is set

	// Retryable marks requests ExchangeHandler may auto-resubmit on a
	// PARITY nack. True for writes and SOC_INT_EN (spec.md §4.7.5: "For
	// writes, parity NACK is handled by resubmission"); false for every
	// read variant, whose parity-NACK retry is an explicit TODO-equivalent
	// hole in the source - surfaced to the caller instead (spec.md §9).
	Retryable bool
}

// NewExchange creates an exchange for request, born at the current time.
func NewExchange(request Frame, cb Callback) *Exchange {
	return &Exchange{
		Request:   request,
		Callback:  cb,
		CreatedAt: time.Now(),
		replied:   make(chan struct{}),
	}
}

// SetReply records reply exactly once. A second call fails with
// ErrAlreadyReplied (spec.md §8, invariant 3).
func (e *Exchange) SetReply(reply Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reply != nil {
		return ErrAlreadyReplied
	}
	r := reply
	e.reply = &r
	e.replyAt = time.Now()
	close(e.replied)
	return nil
}

// Reply returns the recorded reply, or ok=false if none has arrived yet.
func (e *Exchange) Reply() (Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reply == nil {
		return Frame{}, false
	}
	return *e.reply, true
}

// TimedOut reports whether the reply, once set, arrived more than
// exchangeTimeout after creation (spec.md §6.4). It is false while no
// reply has been set yet - a never-replying exchange is a separate
// watchdog concern (spec.md §3), handled by the caller's own operation
// timeout (spec.md §6.3).
func (e *Exchange) TimedOut() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reply == nil {
		return false
	}
	return e.replyAt.Sub(e.CreatedAt) > exchangeTimeout
}

// Wait blocks until a reply is set or the deadline passes, returning the
// reply and true, or zero value and false on timeout. Parks on a channel
// signaled by SetReply rather than busy-spinning (spec.md §9's suggested
// refinement over the source's tight-loop yield).
func (e *Exchange) Wait(deadline time.Duration) (Frame, bool) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-e.replied:
		e.mu.Lock()
		r := *e.reply
		e.mu.Unlock()
		return r, true
	case <-timer.C:
		return Frame{}, false
	}
}

// ExchangeTable is the map of in-flight request ids to Exchange records,
// exclusively owned by Communicator (spec.md §3). Mutated from the
// sender goroutine (Insert) and the separator goroutine (Resolve).
type ExchangeTable struct {
	mu    sync.Mutex
	byID  map[byte]*Exchange
}

// NewExchangeTable creates an empty table.
func NewExchangeTable() *ExchangeTable {
	return &ExchangeTable{byID: make(map[byte]*Exchange)}
}

// Insert adds exchange under its request's id. Per spec.md §3, insertion
// spin-retries until the slot is free - in practice the id was just
// returned by IdPool.Acquire, which guarantees uniqueness, so this should
// never actually spin; the loop exists to make that invariant explicit
// rather than to paper over a race.
func (t *ExchangeTable) Insert(e *Exchange) {
	id := e.Request.ID
	for {
		t.mu.Lock()
		if _, exists := t.byID[id]; !exists {
			t.byID[id] = e
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// Get returns the exchange for id, if any.
func (t *ExchangeTable) Get(id byte) (*Exchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	return e, ok
}

// Remove deletes the exchange for id from the table.
func (t *ExchangeTable) Remove(id byte) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

// Resolve sets reply on the exchange matching id and returns it, removing
// it from the table's pending set view is left to the caller (the
// ExchangeHandler releases the id once it has fully processed the
// exchange). Returns ok=false if no exchange is waiting on that id -
// matching is atomic per ID (spec.md §4.4's "ordering" guarantee).
func (t *ExchangeTable) Resolve(id byte, reply Frame) (*Exchange, bool) {
	t.mu.Lock()
	e, ok := t.byID[id]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := e.SetReply(reply); err != nil {
		return e, false
	}
	return e, true
}

// Len reports how many exchanges are currently pending, for shutdown
// draining and diagnostics.
func (t *ExchangeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
