package easyfpga

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EventKind is a closed set of observer events emitted by DeviceDetector,
// FPGABinary, and Communicator's interrupt dispatch (spec.md §9: "Replace
// publish/subscribe machinery by a trait-style callback or a typed
// channel").
type EventKind uint8

const (
	// EventProgress carries a 0..100 percentage, spec.md §4.8 step 3.
	EventProgress EventKind = iota
	// EventConfiguring carries the device path being polled while a board
	// finishes configuring, spec.md §4.6.
	EventConfiguring
	// EventAlreadyPresent signals the loaded binary's hash already
	// matches the device, spec.md §4.8 step 1.
	EventAlreadyPresent
	// EventInterrupt carries the originating core address, spec.md §4.7.3.
	EventInterrupt
)

// Event is the tagged union payload for all observer notifications.
type Event struct {
	Kind     EventKind
	Device   string // EventConfiguring
	Progress int    // EventProgress, 0..100
	Core     byte   // EventInterrupt, the originating core's address high byte
}

func (e Event) String() string {
	switch e.Kind {
	case EventProgress:
		return fmt.Sprintf("progress %d%%", e.Progress)
	case EventConfiguring:
		return fmt.Sprintf("configuring %s", e.Device)
	case EventAlreadyPresent:
		return "already present"
	case EventInterrupt:
		return fmt.Sprintf("interrupt from core 0x%02x", e.Core)
	default:
		return "unknown event"
	}
}

// Listener receives Events. DeviceDetector calls its Listener
// synchronously; Communicator and FPGABinary call each registered
// listener on a fresh goroutine per event (spec.md §4.7.3: a slow
// interrupt listener must never block the separator).
type Listener func(Event)

// EventPublisher mirrors Events onto a Redis channel for out-of-process
// observers (upload-progress bars, interrupt consumers), grounded on
// librescoot-bluetooth-service/pkg/redis's WriteAndPublishString/Subscribe
// wrapper. A nil *EventPublisher is valid and Publish on it is a no-op, so
// wiring it is always optional (SPEC_FULL.md §3/§4).
type EventPublisher struct {
	client  *redis.Client
	ctx     context.Context
	channel string
}

// NewEventPublisher connects to a Redis server and returns a publisher
// that mirrors events onto channel.
func NewEventPublisher(addr, password string, db int, channel string) (*EventPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, TransportErrorF("connect to redis at %s: %v", addr, err)
	}
	return &EventPublisher{client: client, ctx: ctx, channel: channel}, nil
}

// Publish mirrors ev onto the configured Redis channel. Errors are logged,
// not returned - an observability sink must never fail the operation it
// is merely reporting on.
func (p *EventPublisher) Publish(ev Event) {
	if p == nil || p.client == nil {
		return
	}
	if err := p.client.Publish(p.ctx, p.channel, ev.String()).Err(); err != nil {
		fmt.Printf("EventPublisher: publish to %s: %v\n", p.channel, err)
	}
}

// Close releases the underlying Redis connection.
func (p *EventPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
