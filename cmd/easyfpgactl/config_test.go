package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWithNoFile(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.USBDevice)
	assert.Equal(t, "", cfg.XilinxDir)
	assert.False(t, cfg.BuildVerbose)
}

func TestLoadConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "usb_device: /dev/ttyUSB3\nxilinx_dir: /opt/xilinx\nbuild_verbose: true\ncan_sources:\n  - can0.vhd\n  - can1.vhd\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.USBDevice)
	assert.Equal(t, "/opt/xilinx", cfg.XilinxDir)
	assert.True(t, cfg.BuildVerbose)
	assert.Equal(t, []string{"can0.vhd", "can1.vhd"}, cfg.CANSources)
}

func TestLoadConfigMissingExplicitFileIsAnError(t *testing.T) {
	_, err := loadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err, "an explicitly named but missing config file should surface, unlike the default-location case")
}
