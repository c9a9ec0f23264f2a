package easyfpga

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tuning constants, spec.md §6.3.
const (
	detectReplyTimeout  = 200 * time.Millisecond
	sendDetectTimeout   = 500 * time.Millisecond
	mcuSelectTimeout    = 500 * time.Millisecond
	statusReadTimeout   = 300 * time.Millisecond
	sectorWriteTimeout  = 500 * time.Millisecond
	serialReadTimeout   = 200 * time.Millisecond
	configurePollPeriod = 200 * time.Millisecond
	configureBudget     = 10000 * time.Millisecond
	registerReadTimeout = 500 * time.Millisecond
	closeTimeout        = 3000 * time.Millisecond
	parityRetryBudget   = 5
)

// DetectResult describes what was found on a candidate port.
type DetectResult struct {
	Device string
	Serial uint32
	// FPGAActive is true if the board was in FPGA_ACTIVE state and had to
	// be forced back to MCU_ACTIVE to read its serial number.
	FPGAActive bool
}

// DeviceDetector enumerates candidate serial ports, probes each, forces
// MCU mode, and reads the board's serial number (spec.md §4.6).
//
// Grounded on rtu.go's NewRTU (opening at explicit line settings before
// any protocol exchange happens) and on the probe/accept shape implicit
// in modbus.go's client/server registration, generalized into a
// detect-then-classify loop driven by the DETECT_RE identifier byte.
type DeviceDetector struct {
	Listener func(Event)
	Publisher *EventPublisher
}

// NewDeviceDetector builds a detector with no listener.
func NewDeviceDetector() *DeviceDetector {
	return &DeviceDetector{}
}

func (d *DeviceDetector) notify(ev Event) {
	if d.Listener != nil {
		d.Listener(ev)
	}
	if d.Publisher != nil {
		d.Publisher.Publish(ev)
	}
}

// DetectAny probes every candidate port and returns the first board found,
// regardless of serial number.
func (d *DeviceDetector) DetectAny() (DetectResult, error) {
	ports, err := CandidatePorts()
	if err != nil {
		return DetectResult{}, err
	}
	for _, p := range ports {
		res, err := d.probe(p)
		if err != nil {
			fmt.Printf("DeviceDetector: %s: %v\n", p, err)
			continue
		}
		return res, nil
	}
	return DetectResult{}, TransportErrorF("no FPGA board found on any candidate port")
}

// DetectSerial scans every candidate port and returns the one whose
// serial number matches want.
func (d *DeviceDetector) DetectSerial(want uint32) (DetectResult, error) {
	ports, err := CandidatePorts()
	if err != nil {
		return DetectResult{}, err
	}
	for _, p := range ports {
		res, err := d.probe(p)
		if err != nil {
			fmt.Printf("DeviceDetector: %s: %v\n", p, err)
			continue
		}
		if res.Serial == want {
			return res, nil
		}
	}
	return DetectResult{}, TransportErrorF("no board with serial %08x found", want)
}

// probe opens device at line-rate settings, sends DETECT, classifies the
// reply, forces MCU mode if the FPGA was active, and reads the serial
// number (spec.md §4.6).
func (d *DeviceDetector) probe(device string) (DetectResult, error) {
	link, err := OpenSerialLink(device)
	if err != nil {
		return DetectResult{}, err
	}
	defer link.Close()

	ident, err := d.detectWithRetry(link)
	if err != nil {
		return DetectResult{}, err
	}

	res := DetectResult{Device: device}

	switch ident {
	case IdentFPGAActive:
		res.FPGAActive = true
		if err := d.forceMCU(link); err != nil {
			return DetectResult{}, err
		}
	case IdentMCUActive:
		// already MCU_ACTIVE, nothing to do
	case IdentMCUConfiguring:
		if err := d.waitForConfiguration(link, device); err != nil {
			return DetectResult{}, err
		}
	default:
		return DetectResult{}, ProtocolViolationErrorF("unrecognized DETECT_RE identifier 0x%02x", ident)
	}

	serial, err := d.readSerial(link)
	if err != nil {
		return DetectResult{}, err
	}
	res.Serial = serial
	return res, nil
}

// detectWithRetry sends DETECT and validates DETECT_RE's opcode and XOR
// parity, retrying up to parityRetryBudget times on failure (spec.md
// §4.6).
func (d *DeviceDetector) detectWithRetry(link *SerialLink) (byte, error) {
	var lastErr error
	for attempt := 0; attempt < parityRetryBudget; attempt++ {
		if err := link.SendBytes(NewDetectFrame().Bytes); err != nil {
			return 0, err
		}
		data, err := link.ReceiveTimeout(LenDetectRE, detectReplyTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		frame := Frame{Opcode: Opcode(data[0]), Bytes: data}
		if frame.Opcode != OpDetectRE {
			lastErr = ProtocolViolationErrorF("expected DETECT_RE, got opcode 0x%02x", data[0])
			continue
		}
		if !frame.VerifyParity() {
			lastErr = ParityMismatchErrorF("DETECT_RE parity mismatch")
			continue
		}
		return data[1], nil
	}
	return 0, lastErr
}

// forceMCU issues MCU_SEL(id) and expects ACK with matching id and
// parity, up to parityRetryBudget retries (spec.md §4.6).
func (d *DeviceDetector) forceMCU(link *SerialLink) error {
	var lastErr error
	for attempt := 0; attempt < parityRetryBudget; attempt++ {
		id := byte(attempt + 1)
		frame := NewMCUSelFrame(id)
		if err := link.Send(frame); err != nil {
			return err
		}
		data, err := link.ReceiveTimeout(LenACK, mcuSelectTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		reply := Frame{Opcode: Opcode(data[0]), ID: data[1], Bytes: data}
		if reply.Opcode != OpACK || reply.ID != id || !reply.VerifyParity() {
			lastErr = ProtocolViolationErrorF("MCU_SEL(%d) not acknowledged", id)
			continue
		}
		return nil
	}
	return lastErr
}

// waitForConfiguration polls while the board reports "MCU configuring",
// notifying the listener with a ConfiguringEvent, and gives up after
// configureBudget (spec.md §4.6).
func (d *DeviceDetector) waitForConfiguration(link *SerialLink, device string) error {
	deadline := time.Now().Add(configureBudget)
	for time.Now().Before(deadline) {
		d.notify(Event{Kind: EventConfiguring, Device: device})
		time.Sleep(configurePollPeriod)
		ident, err := d.detectWithRetry(link)
		if err != nil {
			return err
		}
		if ident != IdentMCUConfiguring {
			return nil
		}
	}
	return CurrentlyConfiguringErrorF("%s did not finish configuring within %v", device, configureBudget)
}

// readSerial issues SERIAL_RD and returns the board's 32-bit serial
// number (spec.md §4.6).
func (d *DeviceDetector) readSerial(link *SerialLink) (uint32, error) {
	if err := link.Send(NewSerialRDFrame()); err != nil {
		return 0, err
	}
	data, err := link.ReceiveTimeout(LenSerialRDRE, serialReadTimeout)
	if err != nil {
		return 0, err
	}
	frame := Frame{Opcode: Opcode(data[0]), Bytes: data}
	if frame.Opcode != OpSerialRDRE {
		return 0, ProtocolViolationErrorF("expected SERIAL_RDRE, got opcode 0x%02x", data[0])
	}
	if !frame.VerifyParity() {
		return 0, ParityMismatchErrorF("SERIAL_RDRE parity mismatch")
	}
	return binary.LittleEndian.Uint32(data[1:5]), nil
}

// Watch uses fsnotify to observe /dev for newly created device nodes
// matching the candidate-port pattern, so a caller doesn't have to poll
// Detect in a tight loop while a board enumerates after being plugged in
// (SPEC_FULL.md §4, supplementing spec.md §4.6). It is purely additive:
// Detect/DetectAny/DetectSerial work without ever calling Watch.
func (d *DeviceDetector) Watch(stop <-chan struct{}) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, TransportErrorF("create device watcher: %v", err)
	}
	if err := w.Add("/dev"); err != nil {
		w.Close()
		return nil, TransportErrorF("watch /dev: %v", err)
	}

	found := make(chan string, 8)
	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create) == 0 {
					continue
				}
				if devicePathPattern.MatchString(ev.Name) {
					select {
					case found <- ev.Name:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				fmt.Printf("DeviceDetector: watch error: %v\n", err)
			}
		}
	}()
	return found, nil
}
