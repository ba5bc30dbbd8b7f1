// Package config holds the device and timing configuration of vdmtool, read
// from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oxplot/vdmtool/tcpcdriver"
	"github.com/oxplot/vdmtool/tcpcdriver/cd321x"
	"github.com/oxplot/vdmtool/tcpcdriver/sysfs"
	"github.com/oxplot/vdmtool/tcseq"
)

// Config is the complete configuration.
type Config struct {
	Device  string `yaml:"device"`
	Address uint16 `yaml:"address"`
	TTY     string `yaml:"tty"`

	// Key overrides the unlock key derived from the device tree.
	Key string `yaml:"key,omitempty"`

	Timing Timing `yaml:"timing"`
	Bus    Bus    `yaml:"bus"`
}

// Timing holds controller polling and operation timing. Durations are Go
// duration strings, e.g. "200ms".
type Timing struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	VDMTimeout       time.Duration `yaml:"vdm_timeout"`
	ResponseWindow   time.Duration `yaml:"response_window"`
	SerialDelay      time.Duration `yaml:"serial_delay"`
	ReconnectPoll    time.Duration `yaml:"reconnect_poll"`
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	SerialWindow     time.Duration `yaml:"serial_window"`
	LocalSerial      bool          `yaml:"local_serial"`
}

// Bus holds the retry policy for transient bus failures.
type Bus struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// DefaultTTY is the serial device the target's debug UART shows up as.
const DefaultTTY = "/dev/ttyACM0"

// Default returns the configuration used when no file is given.
func Default() *Config {
	st := tcseq.DefaultTiming()
	return &Config{
		Device:  sysfs.DefaultPath,
		Address: sysfs.DefaultAddr,
		TTY:     DefaultTTY,
		Timing: Timing{
			PollInterval:     cd321x.DefaultPollInterval,
			CommandTimeout:   cd321x.DefaultCommandTimeout,
			VDMTimeout:       st.VDMTimeout,
			ResponseWindow:   cd321x.DefaultResponseWindow,
			SerialDelay:      st.SerialDelay,
			ReconnectPoll:    st.ReconnectPoll,
			ReconnectTimeout: st.ReconnectTimeout,
			SettleDelay:      st.SettleDelay,
			SerialWindow:     st.SerialWindow,
			LocalSerial:      st.LocalSerial,
		},
		Bus: Bus{
			Retries: tcpcdriver.DefaultRetries,
			Backoff: tcpcdriver.DefaultBackoff,
		},
	}
}

// Error is returned when a configuration can't be loaded or is invalid.
type Error struct {
	File    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Parse reads a configuration from YAML. Keys that are absent keep their
// default value, unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, &Error{Message: "failed to parse YAML", Cause: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{File: path, Message: "failed to read file", Cause: err}
	}
	c, err := Parse(data)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.File = path
		}
		return nil, err
	}
	return c, nil
}

// Validate returns an error if c can't be used.
func (c *Config) Validate() error {
	invalid := func(format string, a ...any) error {
		return &Error{Message: fmt.Sprintf(format, a...)}
	}
	if c.Device == "" {
		return invalid("device is required")
	}
	if c.Address == 0 || c.Address > 0x7f {
		return invalid("address 0x%x is not a 7-bit I2C address", c.Address)
	}
	if c.Key != "" && len(c.Key) != 4 {
		return invalid("key %q must be 4 characters", c.Key)
	}
	t := c.Timing
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"poll_interval", t.PollInterval},
		{"command_timeout", t.CommandTimeout},
		{"vdm_timeout", t.VDMTimeout},
		{"reconnect_poll", t.ReconnectPoll},
		{"reconnect_timeout", t.ReconnectTimeout},
	} {
		if d.v <= 0 {
			return invalid("timing.%s must be positive, got %s", d.name, d.v)
		}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"response_window", t.ResponseWindow},
		{"serial_delay", t.SerialDelay},
		{"settle_delay", t.SettleDelay},
		{"serial_window", t.SerialWindow},
		{"bus.backoff", c.Bus.Backoff},
	} {
		if d.v < 0 {
			return invalid("%s must not be negative, got %s", d.name, d.v)
		}
	}
	if t.SerialWindow > 0 && t.SerialWindow < t.SerialDelay {
		return invalid("timing.serial_window %s closes before timing.serial_delay %s", t.SerialWindow, t.SerialDelay)
	}
	if c.Bus.Retries < 0 {
		return invalid("bus.retries must not be negative, got %d", c.Bus.Retries)
	}
	return nil
}

// Sequencer returns the sequencer timing.
func (t Timing) Sequencer() tcseq.Timing {
	return tcseq.Timing{
		VDMTimeout:       t.VDMTimeout,
		SerialDelay:      t.SerialDelay,
		ReconnectPoll:    t.ReconnectPoll,
		ReconnectTimeout: t.ReconnectTimeout,
		SettleDelay:      t.SettleDelay,
		SerialWindow:     t.SerialWindow,
		LocalSerial:      t.LocalSerial,
	}
}

// Controller returns the controller options for t.
func (t Timing) Controller() []cd321x.Option {
	return []cd321x.Option{
		cd321x.WithPollInterval(t.PollInterval),
		cd321x.WithCommandTimeout(t.CommandTimeout),
		cd321x.WithResponseWindow(t.ResponseWindow),
	}
}

// Transport returns the transport options for b.
func (b Bus) Transport() []tcpcdriver.Option {
	return []tcpcdriver.Option{
		tcpcdriver.WithRetries(b.Retries),
		tcpcdriver.WithBackoff(b.Backoff),
	}
}

// Marshal returns c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
