package easyfpga

import (
	"fmt"
	"sync"
)

// IdPool is a thread-safe pool of frame ids 1..254. Id 0 is reserved for
// frames and other non-matched events (spec.md §3/§4.3) and is never
// handed out by Acquire, nor accepted by Release.
//
// Grounded on modbus.go's pending map[uint16]bool / rtu.go's
// pending map[byte]uint16 in-flight bookkeeping, generalized into its own
// lock-free-ish free-list (a buffered channel used as a concurrent queue,
// same idiom rtu.go uses for rxchar/toTX/toDemux).
type IdPool struct {
	free chan byte
	mu   sync.Mutex
	out  map[byte]bool
}

// NewIdPool seeds a pool with every id in [1,254].
func NewIdPool() *IdPool {
	p := &IdPool{
		free: make(chan byte, 254),
		out:  make(map[byte]bool, 254),
	}
	for id := 1; id <= 254; id++ {
		p.free <- byte(id)
	}
	return p
}

// Acquire removes and returns a free id. ok is false when the pool is
// empty (the "empty" sentinel of spec.md §4.3).
func (p *IdPool) Acquire() (id byte, ok bool) {
	select {
	case id := <-p.free:
		p.mu.Lock()
		p.out[id] = true
		p.mu.Unlock()
		return id, true
	default:
		return 0, false
	}
}

// Release returns id to the pool. Id 0 is rejected with InvalidArgument.
// Releasing an id that is not currently out is a warning, never a fault
// (spec.md §4.3) - including releasing an id twice.
func (p *IdPool) Release(id byte) error {
	if id == 0 {
		return InvalidArgumentErrorF("id 0 is reserved and cannot be released")
	}
	p.mu.Lock()
	if !p.out[id] {
		p.mu.Unlock()
		fmt.Printf("IdPool: releasing id %d that was not acquired (ignored)\n", id)
		return nil
	}
	delete(p.out, id)
	p.mu.Unlock()
	p.free <- id
	return nil
}

// Len reports how many ids are currently free, for diagnostics/tests.
func (p *IdPool) Len() int {
	return len(p.free)
}
