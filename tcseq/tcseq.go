// Package tcseq runs operations against a target machine as ordered steps of
// VDMs sent through a port controller, including the timed reboot into
// serial mode.
package tcseq

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oxplot/vdmtool"
	"github.com/oxplot/vdmtool/pdmsg"
)

// Controller is an interface that wraps the method Issue.
type Controller interface {
	// Issue sends a VDM to the target and waits up to timeout for it to be
	// acknowledged. Failures are *vdmtool.SessionError.
	Issue(m pdmsg.Message, timeout time.Duration) (vdmtool.Status, error)
}

// LocalSerial is implemented by controllers that need their own end of the
// debug mux switched after the target's.
type LocalSerial interface {
	EnableLocalSerial(vdo uint32) error
}

// Link is implemented by controllers that can tell whether the target is
// attached.
type Link interface {
	Connected() (bool, error)
}

var (
	// ErrUnknownOperation is returned by Run for operations it has no plan
	// for.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrReconnectTimeout is returned when the target did not come back after
	// a reboot.
	ErrReconnectTimeout = errors.New("target did not reconnect after reboot")

	// ErrWindowExceeded is returned when the serial command could not be sent
	// within the configured window after a reboot.
	ErrWindowExceeded = errors.New("serial window exceeded")
)

// Timing holds the waits and timeouts of a Sequencer.
type Timing struct {
	// VDMTimeout bounds how long a single VDM is waited on.
	VDMTimeout time.Duration

	// SerialDelay is the minimum wait between a reboot and the serial
	// command that follows it.
	SerialDelay time.Duration

	// ReconnectPoll and ReconnectTimeout control waiting for the target to
	// come back after SerialDelay. SettleDelay is waited once it has.
	ReconnectPoll    time.Duration
	ReconnectTimeout time.Duration
	SettleDelay      time.Duration

	// SerialWindow is the latest time after a reboot the serial command may
	// be sent. Zero disables the check.
	SerialWindow time.Duration

	// LocalSerial switches the controller's own debug mux after the target's.
	LocalSerial bool
}

// DefaultTiming returns timing that works for current Apple silicon
// machines.
func DefaultTiming() Timing {
	return Timing{
		VDMTimeout:       200 * time.Millisecond,
		SerialDelay:      time.Second,
		ReconnectPoll:    100 * time.Millisecond,
		ReconnectTimeout: 3 * time.Second,
		SettleDelay:      time.Second,
		LocalSerial:      true,
	}
}

// Event is a step lifecycle event.
type Event string

const (
	// EventStepStarted is fired before a step runs.
	EventStepStarted Event = "step_started"

	// EventStepDone is fired after a step succeeded.
	EventStepDone Event = "step_done"

	// EventStepFailed is fired after a step failed. No further steps run.
	EventStepFailed Event = "step_failed"
)

// StepInfo describes a step of an operation.
type StepInfo struct {
	Op    vdmtool.Operation
	Index int // 1-based
	Count int
	Name  string
	Desc  string
}

// EventHandler is an interface that wraps the method HandleEvent.
type EventHandler interface {
	// HandleEvent is called synchronously from Run.
	HandleEvent(Event, StepInfo)
}

// EventHandlerFunc is an adapter to allow the use of ordinary functions as
// EventHandler.
type EventHandlerFunc func(Event, StepInfo)

// HandleEvent implements EventHandler interface.
func (f EventHandlerFunc) HandleEvent(e Event, s StepInfo) {
	f(e, s)
}

// Sequencer runs operations on a controller it exclusively owns. It's not
// safe for concurrent use.
type Sequencer struct {
	owner   Controller
	timing  Timing
	clock   vdmtool.Clock
	log     *slog.Logger
	handler EventHandler

	// Per run state.
	rebootDone time.Time
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithTiming sets the timing.
func WithTiming(t Timing) Option {
	return func(s *Sequencer) {
		s.timing = t
	}
}

// WithClock sets the clock used for waits.
func WithClock(c vdmtool.Clock) Option {
	return func(s *Sequencer) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		s.log = l
	}
}

// WithEventHandler sets the handler for step events.
func WithEventHandler(h EventHandler) Option {
	return func(s *Sequencer) {
		s.handler = h
	}
}

// New returns a Sequencer driving owner.
func New(owner Controller, opts ...Option) *Sequencer {
	if owner == nil {
		panic("tcseq: nil controller")
	}
	s := &Sequencer{
		owner:  owner,
		timing: DefaultTiming(),
		clock:  vdmtool.SystemClock{},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run runs op to completion. It returns nil or a *vdmtool.SequenceError
// naming the failed step. Operations are never retried.
func (s *Sequencer) Run(op vdmtool.Operation) error {
	plan, ok := plans[op]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	s.rebootDone = time.Time{}
	start := s.clock.Now()
	s.log.Info("operation started", "op", op.String(), "steps", len(plan))

	for i, st := range plan {
		info := StepInfo{Op: op, Index: i + 1, Count: len(plan), Name: st.Name, Desc: st.Desc}
		s.notify(EventStepStarted, info)
		t0 := s.clock.Now()

		err := st.Run(s)

		elapsed := s.clock.Now().Sub(t0)
		if err != nil {
			se := &vdmtool.SequenceError{Op: op, Step: i + 1, StepName: st.Name, Err: err}
			var w *windowError
			if errors.As(err, &w) {
				se.Window, se.Err = st.Window, w.err
			}
			s.log.Warn("step failed", "op", op.String(), "step", st.Name, "elapsed", elapsed, "err", se.Err)
			s.notify(EventStepFailed, info)
			return se
		}
		s.log.Info("step done", "op", op.String(), "step", st.Name, "elapsed", elapsed)
		s.notify(EventStepDone, info)
	}

	s.log.Info("operation done", "op", op.String(), "elapsed", s.clock.Now().Sub(start))
	return nil
}

func (s *Sequencer) notify(e Event, info StepInfo) {
	if s.handler != nil {
		s.handler.HandleEvent(e, info)
	}
}

func (s *Sequencer) issue(m pdmsg.Message) error {
	st, err := s.owner.Issue(m, s.timing.VDMTimeout)
	s.log.Debug("vdm", "msg", m.String(), "status", st.String())
	return err
}

// windowError marks failures that mean the serial window after a reboot was
// missed.
type windowError struct {
	err error
}

func (e *windowError) Error() string { return e.err.Error() }

func (e *windowError) Unwrap() error { return e.err }

// missed marks err as a missed window if it's a refusal, a timeout, or the
// window running out. Bus failures are left alone.
func missed(err error) error {
	for _, target := range []error{vdmtool.ErrTimeout, vdmtool.ErrRejected, ErrReconnectTimeout, ErrWindowExceeded} {
		if errors.Is(err, target) {
			return &windowError{err: err}
		}
	}
	return err
}

// step is a single step of an operation.
type step struct {
	Name string
	Desc string

	// Run performs the step. Returned errors wrapped by missed are reported
	// as a missed window if Window is set.
	Run func(*Sequencer) error

	Window bool
}

var (
	stepDFU          *step
	stepReboot       *step
	stepReconnect    *step
	stepSerial       *step
	stepSerialWindow *step
	stepSerialOff    *step

	plans map[vdmtool.Operation][]*step
)

func init() {

	stepDFU = &step{
		Name: "dfu",
		Desc: "Rebooting target into DFU mode",
		Run: func(s *Sequencer) error {
			return s.issue(pdmsg.NewDFU())
		},
	}

	// The target may be reset before the controller gets to acknowledge, so
	// a timeout is taken as success.
	stepReboot = &step{
		Name: "reboot",
		Desc: "Rebooting target into normal mode",
		Run: func(s *Sequencer) error {
			err := s.issue(pdmsg.NewReboot())
			if errors.Is(err, vdmtool.ErrTimeout) {
				s.log.Info("reboot not acknowledged, assuming target reset", "err", err)
				err = nil
			}
			if err == nil {
				s.rebootDone = s.clock.Now()
			}
			return err
		},
	}

	stepReconnect = &step{
		Name:   "reconnect",
		Desc:   "Waiting for connection",
		Window: true,
		Run: func(s *Sequencer) error {
			s.clock.Sleep(s.timing.SerialDelay)
			link, ok := s.owner.(Link)
			if !ok {
				return nil
			}
			deadline := s.clock.Now().Add(s.timing.ReconnectTimeout)
			for {
				up, err := link.Connected()
				if err != nil {
					return err
				}
				if up {
					break
				}
				if !s.clock.Now().Before(deadline) {
					return missed(ErrReconnectTimeout)
				}
				s.clock.Sleep(s.timing.ReconnectPoll)
			}
			s.log.Info("target connected")
			s.clock.Sleep(s.timing.SettleDelay)
			return nil
		},
	}

	serial := func(s *Sequencer) error {
		m := pdmsg.NewDebugMux(pdmsg.SerialPins)
		if err := s.issue(m); err != nil {
			return missed(err)
		}
		if !s.timing.LocalSerial {
			return nil
		}
		if ls, ok := s.owner.(LocalSerial); ok {
			s.log.Info("putting local end into serial mode")
			return ls.EnableLocalSerial(m.Data[0])
		}
		return nil
	}

	stepSerial = &step{
		Name: "serial",
		Desc: "Putting target into serial mode",
		Run:  serial,
	}

	stepSerialWindow = &step{
		Name:   "serial",
		Desc:   "Putting target into serial mode",
		Window: true,
		Run: func(s *Sequencer) error {
			if w := s.timing.SerialWindow; w > 0 {
				if since := s.clock.Now().Sub(s.rebootDone); since > w {
					return missed(fmt.Errorf("%w: %s since reboot, window is %s", ErrWindowExceeded, since, w))
				}
			}
			return serial(s)
		},
	}

	stepSerialOff = &step{
		Name: "serial off",
		Desc: "Taking target out of serial mode",
		Run: func(s *Sequencer) error {
			return s.issue(pdmsg.NewDebugMux(pdmsg.DefaultPins))
		},
	}

	plans = map[vdmtool.Operation][]*step{
		vdmtool.OpEnterDFU:         {stepDFU},
		vdmtool.OpReboot:           {stepReboot},
		vdmtool.OpEnterSerial:      {stepSerial},
		vdmtool.OpExitSerial:       {stepSerialOff},
		vdmtool.OpRebootThenSerial: {stepReboot, stepReconnect, stepSerialWindow},
	}

}
