// Package vdmtool defines the shared types of a USB-C debug controller that
// drives a target machine through vendor defined messages (VDMs) sent by the
// local power delivery controller.
package vdmtool

import (
	"errors"
	"fmt"
	"time"
)

// Status is the acknowledgment state of a VDM as observed by polling the
// controller. It is derived on each poll and never stored.
type Status uint8

// Possible controller statuses.
const (
	StatusPending      Status = iota // Command accepted, no response yet
	StatusAck                        // Port partner acknowledged the command
	StatusNak                        // Command was understood but refused
	StatusBusy                       // Port partner is busy, keep waiting
	StatusUnresponsive               // No usable response before the deadline
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusAck:
		return "Ack"
	case StatusNak:
		return "Nak"
	case StatusBusy:
		return "Busy"
	case StatusUnresponsive:
		return "Unresponsive"
	default:
		return "INVALID"
	}
}

// Terminal returns true if no further polling can change the status.
func (s Status) Terminal() bool {
	return s == StatusAck || s == StatusNak || s == StatusUnresponsive
}

// Operation is one of the observable operations that can be run against the
// target.
type Operation uint8

// Operations.
const (
	OpEnterDFU Operation = iota + 1
	OpReboot
	OpEnterSerial
	OpExitSerial
	OpRebootThenSerial
)

func (o Operation) String() string {
	switch o {
	case OpEnterDFU:
		return "dfu"
	case OpReboot:
		return "reboot"
	case OpEnterSerial:
		return "serial"
	case OpExitSerial:
		return "serial off"
	case OpRebootThenSerial:
		return "reboot serial"
	default:
		return "INVALID"
	}
}

// Clock abstracts the passage of time so that polling and inter-step delays
// can be driven by a simulated clock.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d. There is no way to interrupt it.
	Sleep(d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements Clock.
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

var (
	// ErrTimeout is returned when the controller did not report a terminal
	// status before the command deadline.
	ErrTimeout = errors.New("controller did not respond in time")

	// ErrRejected is returned when the controller or the port partner refused
	// a command (Nak). Retrying the same command is unlikely to help.
	ErrRejected = errors.New("command rejected")

	// ErrWindowMissed is returned when the serial mux command of a
	// reboot-then-serial sequence did not land in the boot ROM window. The
	// whole sequence has to be retried.
	ErrWindowMissed = errors.New("serial window after reboot missed")
)

// SessionError reports the failure of a single controller command. Err is
// ErrTimeout, ErrRejected or the bus error that aborted the command.
type SessionError struct {
	Command string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// SequenceError reports which step of an operation failed. When the serial
// step of a reboot-then-serial operation fails, Window is set and the error
// matches ErrWindowMissed as well as the step cause.
type SequenceError struct {
	Op       Operation
	Step     int // 1-based
	StepName string
	Window   bool
	Err      error
}

func (e *SequenceError) Error() string {
	if e.Window {
		return fmt.Sprintf("%s: step %d (%s): %v: %v", e.Op, e.Step, e.StepName, ErrWindowMissed, e.Err)
	}
	return fmt.Sprintf("%s: step %d (%s): %v", e.Op, e.Step, e.StepName, e.Err)
}

func (e *SequenceError) Unwrap() []error {
	if e.Window {
		return []error{ErrWindowMissed, e.Err}
	}
	return []error{e.Err}
}
