package easyfpga

import "fmt"

// Kind identifies a failure category, spec.md §7.
type Kind uint8

// Failure kinds, spec.md §7.
const (
	KindTransport Kind = iota + 1
	KindTimeout
	KindParityMismatch
	KindNack
	KindProtocolViolation
	KindCurrentlyConfiguring
	KindInvalidArgument
	KindIllegalState
	KindConfigurationFailed
	KindUploadFailed
	// KindAlreadyReplied marks an Exchange whose reply was already set
	// once (spec.md §3/§8, invariant 3).
	KindAlreadyReplied
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindTimeout:
		return "Timeout"
	case KindParityMismatch:
		return "ParityMismatch"
	case KindNack:
		return "Nack"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindCurrentlyConfiguring:
		return "CurrentlyConfiguring"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindIllegalState:
		return "IllegalState"
	case KindConfigurationFailed:
		return "ConfigurationFailed"
	case KindUploadFailed:
		return "UploadFailed"
	case KindAlreadyReplied:
		return "AlreadyReplied"
	default:
		return "Unknown"
	}
}

// Error is the single error type returned from this package's public API.
// It carries a Kind (spec.md §7's taxonomy) and, for Nack, the device's
// raw error-code byte.
type Error struct {
	kind    Kind
	msg     string
	nackCode byte
}

func (e *Error) Error() string {
	return e.msg
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// NackCode returns the device's NACK error-code byte. Only meaningful
// when Kind() == KindNack.
func (e *Error) NackCode() byte {
	return e.nackCode
}

func newErrorF(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// TransportErrorF reports a link open/write/read failure.
func TransportErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindTransport, format, args...)
}

// TimeoutErrorF reports a byte-receive deadline expiry.
func TimeoutErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindTimeout, format, args...)
}

// ParityMismatchErrorF reports a reply whose trailer does not verify.
func ParityMismatchErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindParityMismatch, format, args...)
}

// NackErrorF reports a device NACK, with its interpreted error code.
func NackErrorF(code byte, format string, args ...interface{}) *Error {
	e := newErrorF(KindNack, format, args...)
	e.nackCode = code
	return e
}

// ProtocolViolationErrorF reports an unexpected opcode/frame layout, or a
// second reply set on an Exchange.
func ProtocolViolationErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindProtocolViolation, format, args...)
}

// CurrentlyConfiguringErrorF reports a device that is mid-configuration.
func CurrentlyConfiguringErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindCurrentlyConfiguring, format, args...)
}

// InvalidArgumentErrorF reports an out-of-range address/length/id.
func InvalidArgumentErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindInvalidArgument, format, args...)
}

// IllegalStateErrorF reports a register access while MCU_ACTIVE, or a
// flash/configure operation while FPGA_ACTIVE.
func IllegalStateErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindIllegalState, format, args...)
}

// ConfigurationFailedErrorF reports an FPGA configuration NACK or
// hash-mismatch after upload.
func ConfigurationFailedErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindConfigurationFailed, format, args...)
}

// UploadFailedErrorF reports an unrecoverable sector write.
func UploadFailedErrorF(format string, args ...interface{}) *Error {
	return newErrorF(KindUploadFailed, format, args...)
}

// ErrAlreadyReplied is returned by Exchange.SetReply when a reply has
// already been recorded for that exchange (spec.md §8, invariant 3).
var ErrAlreadyReplied = &Error{kind: KindAlreadyReplied, msg: "exchange already replied"}

// nackKindOf interprets a NACK error-code byte, spec.md §6.1.
func nackKindOf(code byte) string {
	switch code {
	case NackOpcodeUnknown:
		return "opcode-unknown"
	case NackParity:
		return "parity"
	case NackWishboneTimeout:
		return "wishbone-timeout"
	case NackDataLength:
		return "data-length"
	default:
		return "unknown"
	}
}
