package tcpcdriver

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Bus failure kinds. Every error returned by Transport matches exactly one of
// them with errors.Is.
var (
	// ErrTransient is a failure that may succeed on retry: bus busy, lost
	// arbitration or a bus timeout.
	ErrTransient = errors.New("transient bus failure")

	// ErrNoDevice means nothing answered at the peripheral address, or the
	// device path does not exist. Check cabling and the device path.
	ErrNoDevice = errors.New("no device")

	// ErrPermission means the device node could not be accessed with the
	// current privileges.
	ErrPermission = errors.New("permission denied")
)

// BusError describes a failed register transaction.
type BusError struct {
	Op       string // "read", "write" or "open"
	Addr     uint16
	Reg      uint8
	Attempts int
	Kind     error // ErrTransient, ErrNoDevice or ErrPermission
	Err      error // error reported by the bus
}

func (e *BusError) Error() string {
	if e.Op == "open" {
		return fmt.Sprintf("open i2c device: %v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("i2c %s 0x%02x reg 0x%02x: %v after %d attempt(s): %v", e.Op, e.Addr, e.Reg, e.Kind, e.Attempts, e.Err)
}

func (e *BusError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Classify maps an error reported by the bus to one of ErrTransient,
// ErrNoDevice or ErrPermission. Errors that can't be identified are treated
// as ErrNoDevice so that they are not retried.
func Classify(err error) error {
	for _, k := range []error{ErrTransient, ErrNoDevice, ErrPermission} {
		if errors.Is(err, k) {
			return k
		}
	}
	switch {
	case errors.Is(err, os.ErrPermission):
		return ErrPermission
	case errors.Is(err, os.ErrNotExist):
		return ErrNoDevice
	}
	if k, ok := classifyErrno(err); ok {
		return k
	}
	// Some bus drivers flatten the errno into the message.
	msg := strings.ToLower(err.Error())
	for _, c := range errnoMessages() {
		if strings.Contains(msg, c.msg) {
			return c.kind
		}
	}
	if strings.Contains(msg, "arbitration") {
		return ErrTransient
	}
	return ErrNoDevice
}

type errnoMessage struct {
	msg  string
	kind error
}
