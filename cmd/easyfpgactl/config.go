package main

import (
	"strings"

	"github.com/os-cillation/easyfpga-core"
	"github.com/spf13/viper"
)

// loadConfig reads easyfpga.Config from a file (if configPath is
// non-empty; a named file that cannot be read is an error), environment
// variables prefixed EASYFPGA_, and defaults - grounded on
// marmos91-dittofs/pkg/config's viper setup, trimmed to this library's much
// smaller Config (SPEC_FULL.md §2: no parsing inside the core, so all of
// this lives in the CLI, not the package).
func loadConfig(configPath string) (*easyfpga.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EASYFPGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("usb_device", "")
	v.SetDefault("xilinx_dir", "")
	v.SetDefault("can_sources", []string{})
	v.SetDefault("build_verbose", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	return &easyfpga.Config{
		XilinxDir:    v.GetString("xilinx_dir"),
		USBDevice:    v.GetString("usb_device"),
		CANSources:   v.GetStringSlice("can_sources"),
		BuildVerbose: v.GetBool("build_verbose"),
	}, nil
}
