package easyfpga

import (
	"fmt"
	"time"
)

// FPGABinary loads a configuration bitstream, hashes it, and streams it to
// the MCU sector by sector (spec.md §4.8). Grounded on modbusDiagnostics.go/
// client.go's retry-bounded exchange shape, generalized from Modbus
// function codes to the MCU's SECTOR_WR/STATUS_WR/STATUS_RD/CONF_FPGA
// sequence.
type FPGABinary struct {
	Data []byte
	Hash uint32

	listeners []Listener
	pub         *EventPublisher
}

// LoadFPGABinary reads data, computes its Adler-32 hash over the whole
// payload, and records the size (spec.md §4.8 "Loading").
func LoadFPGABinary(data []byte) *FPGABinary {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &FPGABinary{Data: buf, Hash: adler32Of(buf)}
}

// AddListener registers l to receive progress/already-present events for
// this binary's upload.
func (b *FPGABinary) AddListener(l Listener) {
	b.listeners = append(b.listeners, l)
}

// SetEventPublisher mirrors this binary's events onto pub as well as any
// registered listeners.
func (b *FPGABinary) SetEventPublisher(pub *EventPublisher) {
	b.pub = pub
}

func (b *FPGABinary) notify(ev Event) {
	for _, l := range b.listeners {
		l := l
		go l(ev)
	}
	if b.pub != nil {
		b.pub.Publish(ev)
	}
}

func (b *FPGABinary) sectorCount() int {
	n := len(b.Data) / SectorSize
	if len(b.Data)%SectorSize != 0 {
		n++
	}
	return n
}

// sector returns the zero-padded SectorSize-byte payload for sector id.
func (b *FPGABinary) sector(id int) []byte {
	out := make([]byte, SectorSize)
	start := id * SectorSize
	end := start + SectorSize
	if start >= len(b.Data) {
		return out
	}
	if end > len(b.Data) {
		end = len(b.Data)
	}
	copy(out, b.Data[start:end])
	return out
}

// Upload drives the full MCU_ACTIVE-only upload procedure of spec.md
// §4.8: skip if the device already holds this hash, stream every sector
// with per-sector ACK/retry and progress events, write and verify the
// status record, then configure the FPGA.
//
// A sector ACK timeout or STATUS_WR timeout resets the link and restarts
// the whole upload (spec.md §4.8 "Sector retry policy"); this method
// embodies that restart as its own bounded retry loop rather than
// recursion, so a caller's stack depth never grows with retry count.
func (b *FPGABinary) Upload(c *Communicator) error {
	if err := c.requireMCUActive(); err != nil {
		return err
	}

	const maxRestarts = 3
	var lastErr error
	for attempt := 0; attempt < maxRestarts; attempt++ {
		done, err := b.uploadOnce(c)
		if err == nil {
			return nil
		}
		if done {
			// Unrecoverable failure (bad CONF_FPGA ACK, corrupt binary):
			// restarting the whole sequence cannot help.
			return err
		}
		lastErr = err
		fmt.Printf("FPGABinary: upload attempt %d failed, resetting link and restarting: %v\n", attempt+1, err)
		if rerr := c.link.Reset(); rerr != nil {
			return rerr
		}
	}
	return UploadFailedErrorF("upload did not succeed after %d restarts: %v", maxRestarts, lastErr)
}

// uploadOnce runs the procedure exactly once. done=true means the error
// (if any) should not trigger a link-reset-and-restart.
func (b *FPGABinary) uploadOnce(c *Communicator) (done bool, err error) {
	status, err := b.readStatus(c)
	if err != nil {
		return false, err
	}
	if status.Hash == b.Hash {
		b.notify(Event{Kind: EventAlreadyPresent})
		return true, nil
	}

	n := b.sectorCount()
	for id := 0; id < n; id++ {
		if id > MaxSectorID {
			return true, InvalidArgumentErrorF("binary needs sector %d, exceeds MaxSectorID %d", id, MaxSectorID)
		}
		if err := b.writeSector(c, id); err != nil {
			return false, err
		}
		pct := ((id + 1) * 100) / n
		b.notify(Event{Kind: EventProgress, Progress: pct})
		if c.metrics != nil {
			c.metrics.uploadProgress.Set(float64(pct))
		}
	}

	if err := b.writeAndVerifyStatus(c, n); err != nil {
		return false, err
	}

	if err := b.configureFPGA(c); err != nil {
		return true, err
	}
	return true, nil
}

// readStatus sends STATUS_RD and parses the STATUS_RDRE reply.
func (b *FPGABinary) readStatus(c *Communicator) (StatusRecord, error) {
	if err := c.link.Send(NewStatusRDFrame()); err != nil {
		return StatusRecord{}, err
	}
	data, err := c.link.ReceiveTimeout(LenStatusRDRE, statusReadTimeout)
	if err != nil {
		return StatusRecord{}, err
	}
	frame := Frame{Opcode: Opcode(data[0]), Bytes: data}
	if frame.Opcode == OpNACK {
		return StatusRecord{}, NackErrorF(data[2], "STATUS_RD: NACK (%s)", nackKindOf(data[2]))
	}
	if !frame.VerifyParity() {
		return StatusRecord{}, ParityMismatchErrorF("STATUS_RDRE parity mismatch")
	}
	status, ok := ParseStatusRecord(frame)
	if !ok {
		return StatusRecord{}, ProtocolViolationErrorF("malformed STATUS_RDRE")
	}
	return status, nil
}

// writeSector sends SECTOR_WR(id, ...) and waits for a single ACK byte,
// spec.md §4.8 step 3.
func (b *FPGABinary) writeSector(c *Communicator, id int) error {
	frame := NewSectorWRFrame(id, b.sector(id))
	if err := c.link.Send(frame); err != nil {
		return err
	}
	data, err := c.link.ReceiveTimeout(1, sectorWriteTimeout)
	if err != nil {
		return TimeoutErrorF("sector %d: no ACK within %v", id, sectorWriteTimeout)
	}
	if Opcode(data[0]) != OpACK {
		return UploadFailedErrorF("sector %d: not acknowledged (got opcode 0x%02x)", id, data[0])
	}
	return nil
}

// writeAndVerifyStatus writes the status record marking soc_uploaded, then
// re-reads STATUS_RD until a reply passes its parity check and reports the
// written hash, giving up after five status-read timeouts (spec.md §4.8
// step 4).
func (b *FPGABinary) writeAndVerifyStatus(c *Communicator, sectorCount int) error {
	flags := StatusFlagSoCUploaded
	frame := NewStatusWRFrame(flags, 0, uint32(len(b.Data)), b.Hash)
	if err := c.link.Send(frame); err != nil {
		return err
	}
	data, err := c.link.ReceiveTimeout(1, sectorWriteTimeout)
	if err != nil {
		return TimeoutErrorF("STATUS_WR: no ACK within %v", sectorWriteTimeout)
	}
	if Opcode(data[0]) != OpACK {
		return UploadFailedErrorF("STATUS_WR: not acknowledged (got opcode 0x%02x)", data[0])
	}

	deadline := time.Now().Add(statusReadTimeout * 5)
	for time.Now().Before(deadline) {
		status, err := b.readStatus(c)
		if err == nil && status.Hash == b.Hash {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return UploadFailedErrorF("STATUS_WR: re-read never matched the written hash")
}

// configureFPGA triggers configuration if it is not already in place
// (spec.md §4.8 step 5).
func (b *FPGABinary) configureFPGA(c *Communicator) error {
	status, err := b.readStatus(c)
	if err != nil {
		return err
	}
	if status.FPGAConfigured && status.Hash == b.Hash {
		return nil
	}
	if err := c.link.Send(NewConfFPGAFrame()); err != nil {
		return err
	}
	data, err := c.link.ReceiveTimeout(1, sectorWriteTimeout)
	if err != nil {
		return ConfigurationFailedErrorF("CONF_FPGA: no ACK within %v", sectorWriteTimeout)
	}
	if Opcode(data[0]) != OpACK {
		return ConfigurationFailedErrorF("CONF_FPGA: not acknowledged, binary is corrupt")
	}
	return nil
}
