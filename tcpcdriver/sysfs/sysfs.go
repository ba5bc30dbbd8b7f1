// Package sysfs opens the I2C bus a port controller is attached to, given the
// controller's device path, using the periph.io host drivers.
package sysfs

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/oxplot/vdmtool/tcpcdriver"
)

const (
	// DefaultPath is the Linux device node of the port controller on Apple
	// silicon machines.
	DefaultPath = "/sys/class/i2c-dev/i2c-0/device/0-0038"

	// DefaultAddr is the I2C address of that port controller.
	DefaultAddr uint16 = 0x38
)

var (
	// <bus>-<addr> as used by sysfs i2c client directories, e.g. 0-0038.
	clientRE = regexp.MustCompile(`(?:^|/)(\d+)-([0-9a-fA-F]{4})/?$`)
	devRE    = regexp.MustCompile(`^/dev/i2c-(\d+)$`)
)

// Target identifies a bus and a peripheral address on it.
type Target struct {
	Bus  string // name passed to i2creg.Open
	Addr uint16

	// Client is true if the path named a sysfs client node which must
	// exist for the device to be present.
	Client bool
}

// ParsePath resolves a device path. A path ending in a sysfs client node
// (<bus>-<hex addr>) selects both the bus and the address. /dev/i2c-N
// selects bus N. Any other value is used verbatim as the bus name. Without
// an address in the path, defaultAddr is used.
func ParsePath(path string, defaultAddr uint16) Target {
	if m := clientRE.FindStringSubmatch(path); m != nil {
		a, _ := strconv.ParseUint(m[2], 16, 16)
		return Target{Bus: m[1], Addr: uint16(a), Client: true}
	}
	if m := devRE.FindStringSubmatch(path); m != nil {
		return Target{Bus: m[1], Addr: defaultAddr}
	}
	return Target{Bus: path, Addr: defaultAddr}
}

// Bus is an open I2C bus and the address of the port controller on it. It
// is the exclusive handle to the hardware for the lifetime of the process.
type Bus struct {
	i2c.BusCloser
	Target
	Path string
}

func (b *Bus) String() string {
	return fmt.Sprintf("%s (bus %s, addr 0x%02x)", b.Path, b.Bus, b.Addr)
}

// Open initializes the host drivers and opens the bus named by path. Errors
// are *tcpcdriver.BusError classified as ErrNoDevice or ErrPermission.
func Open(path string, defaultAddr uint16) (*Bus, error) {
	t := ParsePath(path, defaultAddr)
	if t.Client {
		if _, err := os.Stat(path); err != nil {
			return nil, openError(path, err)
		}
	}
	if _, err := host.Init(); err != nil {
		return nil, openError(path, err)
	}
	b, err := i2creg.Open(t.Bus)
	if err != nil {
		return nil, openError(path, err)
	}
	return &Bus{BusCloser: b, Target: t, Path: path}, nil
}

func openError(path string, err error) error {
	kind := tcpcdriver.Classify(err)
	if kind == tcpcdriver.ErrTransient {
		// A busy adapter at open time is as good as absent.
		kind = tcpcdriver.ErrNoDevice
	}
	return &tcpcdriver.BusError{Op: "open", Kind: kind, Err: fmt.Errorf("%s: %w", path, err)}
}
