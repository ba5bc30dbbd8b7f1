package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxplot/vdmtool/tcseq"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "/sys/class/i2c-dev/i2c-0/device/0-0038", c.Device)
	assert.Equal(t, uint16(0x38), c.Address)
	assert.Equal(t, "/dev/ttyACM0", c.TTY)
	assert.Equal(t, 5*time.Millisecond, c.Timing.PollInterval)
	assert.Equal(t, 200*time.Millisecond, c.Timing.VDMTimeout)
	assert.Equal(t, time.Second, c.Timing.SerialDelay)
	assert.Zero(t, c.Timing.SerialWindow)
	assert.Equal(t, 3, c.Bus.Retries)
	assert.Equal(t, tcseq.DefaultTiming(), c.Timing.Sequencer())
}

func TestParseKeepsDefaults(t *testing.T) {
	c, err := Parse([]byte(`
device: /dev/i2c-3
timing:
  serial_delay: 1500ms
  serial_window: 4s
bus:
  retries: 5
`))
	require.NoError(t, err)
	assert.Equal(t, "/dev/i2c-3", c.Device)
	assert.Equal(t, uint16(0x38), c.Address)
	assert.Equal(t, 1500*time.Millisecond, c.Timing.SerialDelay)
	assert.Equal(t, 4*time.Second, c.Timing.SerialWindow)
	assert.Equal(t, time.Second, c.Timing.SettleDelay)
	assert.True(t, c.Timing.LocalSerial)
	assert.Equal(t, 5, c.Bus.Retries)
	assert.Equal(t, 2*time.Millisecond, c.Bus.Backoff)
}

func TestParseEmpty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"unknown key", "timing:\n  serial_dealy: 1s\n", "failed to parse YAML"},
		{"bad duration", "timing:\n  vdm_timeout: soon\n", "failed to parse YAML"},
		{"zero poll", "timing:\n  poll_interval: 0s\n", "timing.poll_interval must be positive"},
		{"negative settle", "timing:\n  settle_delay: -1s\n", "settle_delay must not be negative"},
		{"window before delay", "timing:\n  serial_window: 500ms\n", "closes before"},
		{"address", "address: 0x80\n", "not a 7-bit I2C address"},
		{"key", "key: J2\n", "must be 4 characters"},
		{"device", "device: ''\n", "device is required"},
		{"retries", "bus:\n  retries: -1\n", "bus.retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdmtool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tty: /dev/ttyUSB1\nkey: J274\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", c.TTY)
	assert.Equal(t, "J274", c.Key)

	require.NoError(t, os.WriteFile(path, []byte("bogus: true\n"), 0o644))
	_, err = Load(path)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.File)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshalRoundTrip(t *testing.T) {
	c := Default()
	c.Key = "J293"
	c.Timing.SerialWindow = 5 * time.Second
	data, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "serial_window: 5s")

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestOptions(t *testing.T) {
	c := Default()
	assert.Len(t, c.Timing.Controller(), 3)
	assert.Len(t, c.Bus.Transport(), 2)
}
