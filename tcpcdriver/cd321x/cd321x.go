// Package cd321x implements a driver for the Apple CD321x USB-C port
// controller, a derivative of the TI TPS6598x family, as found in Apple
// silicon machines.
//
// The controller is driven through 4CC commands: a four character tag written
// to the CMD1 register, with optional input in DATA1. The controller clears
// CMD1 once the command completes and replaces it with "!CMD" if the command
// was rejected.
package cd321x

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/oxplot/vdmtool"
	"github.com/oxplot/vdmtool/pdmsg"
	"github.com/oxplot/vdmtool/tcpcdriver"
)

// Registers. Every register is a block: the first byte read or written is
// the length of the data that follows.
const (
	regMode        = 0x03
	regCmd1        = 0x08
	regData1       = 0x09
	regPowerStatus = 0x3f

	// Last VDM received from the port partner. The first byte of the block
	// holds the number of words in its low 3 bits and a sequence number in
	// its high 4 bits, followed by the words themselves.
	regRxVDM = 0x4f

	powerStatusConnected = 1 << 0
	powerStatusSink      = 1 << 1

	rxVDMLen       = 1 + pdmsg.MessageBytes
	rxVDMCountMask = 0b111
)

// SOP types for VDMs.
const (
	sopStar = 0b11
)

// Tag is a 4CC command tag.
type Tag string

// Commands.
const (
	TagLock Tag = "LOCK" // Unlock with the host key, lock with zeros
	TagGaid Tag = "Gaid" // Cold reset
	TagDBMa Tag = "DBMa" // Enter or leave debug mode
	TagVDMs Tag = "VDMs" // Send VDM
	TagDVEn Tag = "DVEn" // Local debug mux
)

// cmdInvalid is what CMD1 reads after a command was rejected ("!CMD").
const cmdInvalid uint32 = 0x444d4321

func cmdString(v uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", v)
		}
	}
	return string(b[:])
}

// Mode is the operating mode reported by the MODE register.
type Mode string

// Modes.
const (
	ModeApp  Mode = "APP "
	ModeBoot Mode = "BOOT"
	ModeBist Mode = "BIST"
	ModeDisc Mode = "DISC"
	ModePtch Mode = "PTCH"
	ModeDBMa Mode = "DBMa" // Debug mode, required for VDMs
)

// Known returns true if m is one of the documented modes.
func (m Mode) Known() bool {
	switch m {
	case ModeApp, ModeBoot, ModeBist, ModeDisc, ModePtch, ModeDBMa:
		return true
	}
	return false
}

var (
	// ErrNoCable is returned by Init when nothing is plugged into the port.
	ErrNoCable = errors.New("no cable connected")

	// ErrMode is returned when the controller is not in the mode a command
	// requires.
	ErrMode = errors.New("controller in wrong mode")

	// ErrControllerBusy is returned when CMD1 still holds a previous command.
	ErrControllerBusy = errors.New("controller busy with another command")

	// ErrHostKey is returned by HostKey for machines it can't derive a key
	// for.
	ErrHostKey = errors.New("cannot derive unlock key")
)

// Defaults for New.
const (
	DefaultPollInterval   = 5 * time.Millisecond
	DefaultCommandTimeout = time.Second
	DefaultResponseWindow = 200 * time.Millisecond
)

// Controller is a session with a CD321x. It's not safe for concurrent use.
type Controller struct {
	t     *tcpcdriver.Transport
	clock vdmtool.Clock
	log   *slog.Logger

	pollInterval   time.Duration
	commandTimeout time.Duration
	responseWindow time.Duration
	modeCheck      bool

	// Block write buffer: length byte plus the largest DATA1 input.
	buf  [tcpcdriver.MaxTransfer]byte
	data [1 + pdmsg.MessageBytes]byte
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for polling and timeouts.
func WithClock(c vdmtool.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) {
		ctl.log = l
	}
}

// WithPollInterval sets the wait between two reads of the command status.
func WithPollInterval(d time.Duration) Option {
	return func(ctl *Controller) {
		ctl.pollInterval = d
	}
}

// WithCommandTimeout sets the timeout of 4CC commands other than VDMs, whose
// timeout is given to Issue.
func WithCommandTimeout(d time.Duration) Option {
	return func(ctl *Controller) {
		ctl.commandTimeout = d
	}
}

// WithResponseWindow sets how long Issue waits for the port partner's
// response after the controller has sent a VDM. If no response arrives in
// that time, the delivered VDM counts as acknowledged. Zero disables reading
// responses altogether.
func WithResponseWindow(d time.Duration) Option {
	return func(ctl *Controller) {
		ctl.responseWindow = d
	}
}

// WithModeCheck sets whether Issue and EnableLocalSerial verify that the
// controller is in debug mode first. It's on by default.
func WithModeCheck(on bool) Option {
	return func(ctl *Controller) {
		ctl.modeCheck = on
	}
}

// New returns a Controller using t for register access.
func New(t *tcpcdriver.Transport, opts ...Option) *Controller {
	if t == nil {
		panic("cd321x: nil transport")
	}
	c := &Controller{
		t:              t,
		clock:          vdmtool.SystemClock{},
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		pollInterval:   DefaultPollInterval,
		commandTimeout: DefaultCommandTimeout,
		responseWindow: DefaultResponseWindow,
		modeCheck:      true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) readBlock(reg uint8, n int) ([]byte, error) {
	b, err := c.t.Read(reg, n+1)
	if err != nil {
		return nil, err
	}
	return b[1:], nil
}

func (c *Controller) writeBlock(reg uint8, d []byte) error {
	if len(d) >= len(c.buf) {
		return fmt.Errorf("write reg 0x%02x: %d bytes: %w", reg, len(d), tcpcdriver.ErrTransferSize)
	}
	c.buf[0] = uint8(len(d))
	copy(c.buf[1:], d)
	return c.t.Write(reg, c.buf[:len(d)+1])
}

func (c *Controller) readCmd1() (uint32, error) {
	b, err := c.readBlock(regCmd1, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Controller) readPowerStatus() (uint16, error) {
	b, err := c.readBlock(regPowerStatus, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Mode returns the current operating mode.
func (c *Controller) Mode() (Mode, error) {
	b, err := c.readBlock(regMode, 4)
	if err != nil {
		return "", err
	}
	m := Mode(b)
	if !m.Known() {
		return m, fmt.Errorf("%w: unknown mode %q", ErrMode, string(b))
	}
	return m, nil
}

// Connected returns true if a cable is plugged into the port.
func (c *Controller) Connected() (bool, error) {
	ps, err := c.readPowerStatus()
	if err != nil {
		return false, err
	}
	return ps&powerStatusConnected != 0, nil
}

func (c *Controller) requireDebugMode() error {
	if !c.modeCheck {
		return nil
	}
	m, err := c.Mode()
	if err != nil {
		return err
	}
	if m != ModeDBMa {
		return fmt.Errorf("%w: %q", ErrMode, string(m))
	}
	return nil
}

// start waits, at most until deadline, for the controller to finish the
// command it's busy with and writes the new one.
func (c *Controller) start(tag Tag, data []byte, deadline time.Time) error {
	for {
		v, err := c.readCmd1()
		if err != nil {
			return err
		}
		if v == 0 || v == cmdInvalid {
			break
		}
		if !c.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: %w: CMD1 holds %s", vdmtool.ErrTimeout, ErrControllerBusy, cmdString(v))
		}
		c.clock.Sleep(c.pollInterval)
	}
	if len(data) > 0 {
		if err := c.writeBlock(regData1, data); err != nil {
			return err
		}
	}
	return c.writeBlock(regCmd1, []byte(tag))
}

// Exec runs a 4CC command with optional input and waits up to timeout for it
// to complete, including any wait for a previous command to finish.
func (c *Controller) Exec(tag Tag, data []byte, timeout time.Duration) error {
	deadline := c.clock.Now().Add(timeout)
	if err := c.start(tag, data, deadline); err != nil {
		return &vdmtool.SessionError{Command: string(tag), Err: err}
	}
	return c.wait(tag, deadline)
}

// wait polls CMD1 until the command completes.
func (c *Controller) wait(tag Tag, deadline time.Time) error {
	for {
		v, err := c.readCmd1()
		if err != nil {
			return &vdmtool.SessionError{Command: string(tag), Err: err}
		}
		switch v {
		case 0:
			return nil
		case cmdInvalid:
			return &vdmtool.SessionError{Command: string(tag), Err: vdmtool.ErrRejected}
		}
		if !c.clock.Now().Before(deadline) {
			return &vdmtool.SessionError{Command: string(tag), Err: vdmtool.ErrTimeout}
		}
		c.clock.Sleep(c.pollInterval)
	}
}

// issueState tracks a single VDMs command across polls.
type issueState struct {
	snapshot [rxVDMLen]byte
	sent     bool           // CMD1 cleared, VDM is on the wire
	last     vdmtool.Status // from the last new response
	deadline time.Time
	cause    error
}

// Issue sends m to the port partner and polls until it's acknowledged,
// refused, or timeout elapses. A refusal is reported as ErrRejected and
// anything else that isn't an acknowledgment as ErrTimeout, both wrapped in
// a *vdmtool.SessionError along with the last derived status. A command
// still in flight is waited for within the same timeout. Bus failures abort
// immediately.
func (c *Controller) Issue(m pdmsg.Message, timeout time.Duration) (vdmtool.Status, error) {
	const cmd = string(TagVDMs)
	st := vdmtool.StatusPending
	if err := m.Validate(); err != nil {
		return st, err
	}
	if err := c.requireDebugMode(); err != nil {
		return st, &vdmtool.SessionError{Command: cmd, Err: err}
	}

	// Remember the last response so that only a new one is taken as the
	// answer to this message.

	var is issueState
	is.deadline = c.clock.Now().Add(timeout)
	if c.responseWindow > 0 {
		rx, err := c.readBlock(regRxVDM, rxVDMLen)
		if err != nil {
			return st, &vdmtool.SessionError{Command: cmd, Err: err}
		}
		copy(is.snapshot[:], rx)
	}

	// Send

	n := 1 + int(m.DataObjectCount())
	c.data[0] = sopStar<<4 | uint8(n)
	m.ToBytes(c.data[1:])
	if err := c.start(TagVDMs, c.data[:1+4*n], is.deadline); err != nil {
		return st, &vdmtool.SessionError{Command: cmd, Err: err}
	}
	start := c.clock.Now()
	c.log.Debug("vdm issued", "msg", m.String(), "timeout", timeout)

	// Poll

	for polls := 1; ; polls++ {
		polled, err := c.poll(&is)
		if err != nil {
			return st, &vdmtool.SessionError{Command: cmd, Err: err}
		}
		st = advance(st, polled, !c.clock.Now().Before(is.deadline))
		switch st {
		case vdmtool.StatusAck:
			c.log.Debug("vdm acknowledged", "polls", polls, "elapsed", c.clock.Now().Sub(start))
			return st, nil
		case vdmtool.StatusNak:
			return st, &vdmtool.SessionError{Command: cmd, Err: vdmtool.ErrRejected}
		case vdmtool.StatusUnresponsive:
			err := vdmtool.ErrTimeout
			if is.cause != nil {
				err = fmt.Errorf("%w: %w", vdmtool.ErrTimeout, is.cause)
			}
			return st, &vdmtool.SessionError{Command: cmd, Err: err}
		}
		c.clock.Sleep(c.pollInterval)
	}
}

// poll derives the status of the VDM being issued.
//
// While CMD1 holds the command, it's still being sent. Once CMD1 clears, the
// port partner's response is awaited in RX_VDM until the response window
// ends, at which point a VDM that drew no response counts as acknowledged.
func (c *Controller) poll(is *issueState) (vdmtool.Status, error) {
	v, err := c.readCmd1()
	if err != nil {
		return vdmtool.StatusPending, err
	}
	switch v {
	case 0:
	case cmdInvalid:
		return vdmtool.StatusNak, nil
	default:
		return vdmtool.StatusPending, nil
	}
	if !is.sent {
		is.sent = true
		if c.responseWindow <= 0 {
			return vdmtool.StatusAck, nil
		}
		is.deadline = c.clock.Now().Add(c.responseWindow)
	}

	rx, err := c.readBlock(regRxVDM, rxVDMLen)
	if err != nil {
		return vdmtool.StatusPending, err
	}
	if n := int(rx[0] & rxVDMCountMask); n > 0 && !bytes.Equal(rx, is.snapshot[:]) {
		copy(is.snapshot[:], rx)
		resp, err := pdmsg.Decode(rx[1 : 1+4*n])
		if err != nil {
			is.cause = err
			return vdmtool.StatusUnresponsive, nil
		}
		c.log.Debug("vdm response", "msg", resp.String())
		switch resp.Header.CommandType() {
		case pdmsg.CommandTypeACK:
			is.last = vdmtool.StatusAck
		case pdmsg.CommandTypeNAK:
			is.last = vdmtool.StatusNak
		case pdmsg.CommandTypeBUSY:
			is.last = vdmtool.StatusBusy
		default:
			is.last = vdmtool.StatusPending
		}
	}
	if is.last == vdmtool.StatusPending && !c.clock.Now().Before(is.deadline) {
		return vdmtool.StatusAck, nil
	}
	return is.last, nil
}

// advance returns the status after a poll returned polled, given the status
// cur before it. expired is true if the deadline has passed.
func advance(cur, polled vdmtool.Status, expired bool) vdmtool.Status {
	if cur.Terminal() {
		return cur
	}
	if polled.Terminal() {
		return polled
	}
	switch polled {
	case vdmtool.StatusPending, vdmtool.StatusBusy:
		if expired {
			return vdmtool.StatusUnresponsive
		}
		return polled
	default:
		return vdmtool.StatusUnresponsive
	}
}

// Init prepares the controller for sending VDMs: it checks that a cable is
// connected and, unless the controller already is in debug mode, unlocks it
// with key and enters debug mode.
func (c *Controller) Init(key []byte) error {
	ps, err := c.readPowerStatus()
	if err != nil {
		return err
	}
	if ps&powerStatusConnected == 0 {
		return ErrNoCable
	}
	role := "source"
	if ps&powerStatusSink != 0 {
		role = "sink"
	}
	c.log.Info("cable connected", "role", role)

	m, err := c.Mode()
	if err != nil {
		return err
	}
	if m == ModeDBMa {
		c.log.Debug("already in debug mode")
		return nil
	}
	if err := c.unlock(key); err != nil {
		return err
	}
	return c.debugMode(true)
}

func (c *Controller) unlock(key []byte) error {
	err := c.Exec(TagLock, key, c.commandTimeout)
	if err == nil {
		c.log.Info("controller unlocked")
		return nil
	}
	if !errors.Is(err, vdmtool.ErrRejected) && !errors.Is(err, vdmtool.ErrTimeout) {
		return err
	}
	c.log.Info("unlock failed, resetting controller", "err", err)
	if err := c.Exec(TagGaid, nil, c.commandTimeout); err != nil {
		return err
	}
	if err := c.Exec(TagLock, key, c.commandTimeout); err != nil {
		return err
	}
	c.log.Info("controller unlocked after reset")
	return nil
}

func (c *Controller) debugMode(on bool) error {
	var d byte
	if on {
		d = 1
	}
	if err := c.Exec(TagDBMa, []byte{d}, c.commandTimeout); err != nil {
		return err
	}
	if !on {
		return nil
	}
	m, err := c.Mode()
	if err != nil {
		return err
	}
	if m != ModeDBMa {
		return fmt.Errorf("entering debug mode: %w: %q", ErrMode, string(m))
	}
	return nil
}

// Close leaves debug mode and locks the controller again. A controller
// still stuck on an earlier command is cold reset instead. It does not close
// the bus.
func (c *Controller) Close() error {
	err := c.debugMode(false)
	if errors.Is(err, ErrControllerBusy) {
		c.log.Warn("controller stuck, resetting", "err", err)
		return c.reset()
	}
	return errors.Join(err, c.Exec(TagLock, make([]byte, 4), c.commandTimeout))
}

// reset cold resets the controller, which also locks it. CMD1 is written
// without waiting for the command in flight.
func (c *Controller) reset() error {
	deadline := c.clock.Now().Add(c.commandTimeout)
	if err := c.writeBlock(regCmd1, []byte(TagGaid)); err != nil {
		return &vdmtool.SessionError{Command: string(TagGaid), Err: err}
	}
	return c.wait(TagGaid, deadline)
}

// EnableLocalSerial routes the local end of the debug mux with the given
// debug mux data object, matching what was sent to the target.
func (c *Controller) EnableLocalSerial(vdo uint32) error {
	if err := c.requireDebugMode(); err != nil {
		return &vdmtool.SessionError{Command: string(TagDVEn), Err: err}
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], vdo)
	return c.Exec(TagDVEn, b[:], c.commandTimeout)
}

// HostKey derives the controller unlock key from the first entry of the
// device tree compatible property of an Apple silicon machine, e.g.
// "apple,j274" gives "J274".
func HostKey(compatible []byte) ([]byte, error) {
	first, _, _ := bytes.Cut(compatible, []byte{0})
	vendor, model, ok := strings.Cut(string(first), ",")
	if !ok || vendor != "apple" {
		return nil, fmt.Errorf("%w: %q is not an Apple silicon machine", ErrHostKey, first)
	}
	if len(model) < 4 {
		return nil, fmt.Errorf("%w: model %q too short", ErrHostKey, model)
	}
	return []byte(strings.ToUpper(model[:4])), nil
}
