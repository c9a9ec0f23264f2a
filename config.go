package easyfpga

// Config is the plain record the core accepts at construction (spec.md
// §9): everything about *loading* it from a file - or the HDL
// toolchain/GUI it configures - is an external collaborator's concern,
// out of scope here (see spec.md §1). cmd/easyfpgactl's config loader
// populates this from disk with viper; the core itself never parses
// anything.
type Config struct {
	// XilinxDir points at the external FPGA toolchain installation, used
	// only by the out-of-scope HDL/toolchain collaborator - carried here
	// so a single config file serves both that tool and this library.
	XilinxDir string
	// USBDevice is the serial device path to use, bypassing DeviceDetector
	// enumeration when set.
	USBDevice string
	// CANSources lists source files for the out-of-scope CAN core
	// generator - carried for the same reason as XilinxDir.
	CANSources []string
	// BuildVerbose toggles the external toolchain's own verbosity; unused
	// by this library.
	BuildVerbose bool
}
