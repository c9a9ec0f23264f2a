package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/os-cillation/easyfpga-core"
)

// CLICommand is the top-level command tree, shaped after
// rolfl-modbus/mbcli's CLICommand{Verbose, Diagnostic, Discrete, ...}:
// one struct field per subcommand group, dispatched by go-flags.
type CLICommand struct {
	Config  string `long:"config" description:"Path to a config file (YAML/TOML/JSON, viper-loaded)"`
	Device  string `long:"device" short:"d" description:"Serial device path, overrides config and auto-detect"`
	Verbose bool   `long:"verbose" short:"v" description:"Accepted but has no effect; no frames are printed"`

	Detect   DetectCommand   `command:"detect" description:"Enumerate candidate ports and report any board found"`
	Upload   UploadCommand   `command:"upload" description:"Upload and configure an FPGA binary"`
	Register RegisterCommand `command:"register" description:"Read or write FPGA registers"`
	Watch    WatchCommand    `command:"watch" description:"Watch /dev for a newly attached board"`
}

// DetectCommand probes every candidate port and prints what it finds.
type DetectCommand struct{}

// UploadCommand loads a binary file and uploads it to the MCU.
type UploadCommand struct {
	Args struct {
		Path string `positional-arg-name:"path" description:"Path to the FPGA binary"`
	} `positional-args:"yes" required:"yes"`
}

// RegisterCommand groups register read/write subcommands.
type RegisterCommand struct {
	Read  RegisterReadCommand  `command:"read" description:"Read one or more registers"`
	Write RegisterWriteCommand `command:"write" description:"Write one or more registers"`
}

type RegisterReadCommand struct {
	Args struct {
		Addr string `positional-arg-name:"addr" description:"Register address, 0xCCRR"`
	} `positional-args:"yes" required:"yes"`
	Count int  `long:"count" short:"n" default:"1" description:"Number of registers to read"`
	AAI   bool `long:"aai" description:"Use auto-increment addressing"`
}

type RegisterWriteCommand struct {
	Args struct {
		Addr string `positional-arg-name:"addr" description:"Register address, 0xCCRR"`
		Data string `positional-arg-name:"data" description:"Comma-separated hex bytes, e.g. 0x01,0x02"`
	} `positional-args:"yes" required:"yes"`
	AAI bool `long:"aai" description:"Use auto-increment addressing"`
}

// WatchCommand blocks, printing each newly attached candidate device path.
type WatchCommand struct{}

var cli CLICommand

func main() {
	parser := flags.NewParser(&cli, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Println(err)
		os.Exit(1)
	}
}

// openBoard resolves a device (flag, config, or auto-detect) and returns a
// live Communicator in MCU_ACTIVE. Callers transition to FPGA_ACTIVE
// themselves via comm.SelectFPGA() when they need register access.
func openBoard() (*easyfpga.Communicator, error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return nil, err
	}

	device := cli.Device
	if device == "" {
		device = cfg.USBDevice
	}
	if device == "" {
		det := easyfpga.NewDeviceDetector()
		res, err := det.DetectAny()
		if err != nil {
			return nil, err
		}
		device = res.Device
	}

	link, err := easyfpga.OpenSerialLink(device)
	if err != nil {
		return nil, err
	}
	// Registered against the default registry so a caller can expose
	// easyfpga_* counters/gauges over /metrics (e.g. via promhttp) without
	// this CLI needing to know anything about how they're served.
	return easyfpga.NewCommunicator(link, prometheus.DefaultRegisterer, nil), nil
}

func (c *DetectCommand) Execute(args []string) error {
	det := easyfpga.NewDeviceDetector()
	res, err := det.DetectAny()
	if err != nil {
		return err
	}
	fmt.Printf("%s: serial 0x%08x (FPGA was active: %v)\n", res.Device, res.Serial, res.FPGAActive)
	return nil
}

func (c *UploadCommand) Execute(args []string) error {
	data, err := os.ReadFile(c.Args.Path)
	if err != nil {
		return err
	}
	comm, err := openBoard()
	if err != nil {
		return err
	}
	defer comm.Close()

	bin := easyfpga.LoadFPGABinary(data)
	bin.AddListener(func(ev easyfpga.Event) {
		fmt.Printf("upload: %s\n", ev)
	})
	return bin.Upload(comm)
}

func parseAddr(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint16(v), nil
}

func (c *RegisterReadCommand) Execute(args []string) error {
	addr, err := parseAddr(c.Args.Addr)
	if err != nil {
		return err
	}
	comm, err := openBoard()
	if err != nil {
		return err
	}
	defer comm.Close()
	if err := comm.SelectFPGA(); err != nil {
		return err
	}

	if c.Count == 1 {
		v, err := comm.ReadRegister(addr)
		if err != nil {
			return err
		}
		fmt.Printf("0x%04x: 0x%02x\n", addr, v)
		return nil
	}

	var data []byte
	if c.AAI {
		data, err = comm.ReadRegisterAAI(addr, c.Count)
	} else {
		data, err = comm.ReadRegisterMulti(addr, c.Count)
	}
	if err != nil {
		return err
	}
	fmt.Printf("0x%04x: % x\n", addr, data)
	return nil
}

func parseDataList(s string) ([]byte, error) {
	var out []byte
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			tok := s[start:i]
			if tok != "" {
				v, err := strconv.ParseUint(tok, 0, 8)
				if err != nil {
					return nil, fmt.Errorf("invalid data byte %q: %w", tok, err)
				}
				out = append(out, byte(v))
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no data bytes given")
	}
	return out, nil
}

func (c *RegisterWriteCommand) Execute(args []string) error {
	addr, err := parseAddr(c.Args.Addr)
	if err != nil {
		return err
	}
	data, err := parseDataList(c.Args.Data)
	if err != nil {
		return err
	}
	comm, err := openBoard()
	if err != nil {
		return err
	}
	defer comm.Close()
	if err := comm.SelectFPGA(); err != nil {
		return err
	}

	switch {
	case c.AAI:
		err = comm.WriteRegisterAAI(addr, data)
	case len(data) == 1:
		err = comm.WriteRegister(addr, data[0])
	default:
		err = comm.WriteRegisterMulti(addr, data)
	}
	return err
}

func (c *WatchCommand) Execute(args []string) error {
	det := easyfpga.NewDeviceDetector()
	stop := make(chan struct{})
	found, err := det.Watch(stop)
	if err != nil {
		return err
	}
	defer close(stop)
	fmt.Println("watching /dev for new boards, Ctrl-C to stop")
	for {
		select {
		case dev := <-found:
			fmt.Printf("attached: %s\n", dev)
		case <-time.After(time.Hour):
			return nil
		}
	}
}
