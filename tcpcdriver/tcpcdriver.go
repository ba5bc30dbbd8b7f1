// Package tcpcdriver defines the I2C interface port controller drivers are
// written against, and a register Transport that performs single block
// transactions with retries on transient bus failures.
//
// The I2C interface is derived from TinyGo and is satisfied by
// periph.io/x/conn/v3/i2c.Bus.
package tcpcdriver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oxplot/vdmtool"
	"github.com/oxplot/vdmtool/trace"
)

// I2C defines a minimum interface to I2C hardware with a single Tx method
// which allows a single driver implementation to work across many different
// µControllers and host platforms.
type I2C interface {

	// Tx performs a write and then a read transfer placing the result in r.
	//
	// Passing a nil value for w or r skips the transfer corresponding to write
	// or read, respectively.
	//
	//  i2c.Tx(addr, nil, r)
	// Performs only a read transfer.
	//
	//  i2c.Tx(addr, w, nil)
	// Performs only a write transfer.
	Tx(addr uint16, w, r []byte) error
}

// MaxTransfer is the largest register payload, in bytes, moved by a single
// transaction: a length byte followed by up to 64 data bytes.
const MaxTransfer = 65

// ErrTransferSize is returned when a read or write exceeds MaxTransfer. The
// bus is not accessed.
var ErrTransferSize = errors.New("transfer exceeds controller maximum")

// Transport performs register reads and writes on a single I2C peripheral.
// Each call to Read or Write performs exactly one bus transaction per attempt.
// Transient failures are retried with a doubling backoff; other failures are
// returned immediately and make the Transport unusable.
//
// Transport is not safe for concurrent use.
type Transport struct {
	bus     I2C
	addr    uint16
	retries int
	backoff time.Duration
	clock   vdmtool.Clock
	rec     trace.Recorder
	log     *slog.Logger

	// First unrecoverable error. Once set, all calls fail with it.
	failed *BusError

	buf [MaxTransfer + 1]byte
}

// Defaults for NewTransport.
const (
	DefaultRetries = 3
	DefaultBackoff = 2 * time.Millisecond
)

// Option configures a Transport.
type Option func(*Transport)

// WithRetries sets how many times a transient failure is retried. Negative
// values are ignored.
func WithRetries(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.retries = n
		}
	}
}

// WithBackoff sets the wait before the first retry. It doubles on each
// subsequent retry.
func WithBackoff(d time.Duration) Option {
	return func(t *Transport) {
		t.backoff = d
	}
}

// WithClock sets the clock used for backoff waits.
func WithClock(c vdmtool.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// WithRecorder sets a recorder that receives every transaction attempt.
func WithRecorder(r trace.Recorder) Option {
	return func(t *Transport) {
		t.rec = r
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.log = l
	}
}

// NewTransport returns a Transport talking to the peripheral at addr on bus.
func NewTransport(bus I2C, addr uint16, opts ...Option) *Transport {
	if bus == nil {
		panic("tcpcdriver: nil bus")
	}
	t := &Transport{
		bus:     bus,
		addr:    addr,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		clock:   vdmtool.SystemClock{},
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Write writes data to register reg.
func (t *Transport) Write(reg uint8, data []byte) error {
	if len(data) > MaxTransfer {
		return fmt.Errorf("write reg 0x%02x: %d bytes: %w", reg, len(data), ErrTransferSize)
	}
	t.buf[0] = reg
	copy(t.buf[1:], data)
	return t.tx(trace.DirWrite, reg, t.buf[:len(data)+1], nil)
}

// Read reads n bytes from register reg.
func (t *Transport) Read(reg uint8, n int) ([]byte, error) {
	if n > MaxTransfer || n < 0 {
		return nil, fmt.Errorf("read reg 0x%02x: %d bytes: %w", reg, n, ErrTransferSize)
	}
	r := make([]byte, n)
	t.buf[0] = reg
	if err := t.tx(trace.DirRead, reg, t.buf[:1], r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *Transport) tx(dir trace.Direction, reg uint8, w, r []byte) error {
	if t.failed != nil {
		return t.failed
	}
	backoff := t.backoff
	for attempt := 1; ; attempt++ {
		err := t.bus.Tx(t.addr, w, r)
		t.record(dir, reg, w, r, attempt, err)
		if err == nil {
			return nil
		}
		kind := Classify(err)
		if kind != ErrTransient || attempt > t.retries {
			be := &BusError{Op: dir.String(), Addr: t.addr, Reg: reg, Attempts: attempt, Kind: kind, Err: err}
			if kind != ErrTransient {
				t.failed = be
			}
			return be
		}
		t.log.Debug("transient bus failure, retrying",
			"op", dir.String(),
			"reg", fmt.Sprintf("0x%02x", reg),
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)
		t.clock.Sleep(backoff)
		backoff *= 2
	}
}

func (t *Transport) record(dir trace.Direction, reg uint8, w, r []byte, attempt int, err error) {
	if t.rec == nil {
		return
	}
	e := trace.Event{
		Time:    t.clock.Now(),
		Dir:     dir,
		Addr:    t.addr,
		Reg:     reg,
		Attempt: attempt,
	}
	if dir == trace.DirWrite {
		e.Data = append([]byte(nil), w[1:]...)
	} else if err == nil {
		e.Data = append([]byte(nil), r...)
	}
	if err != nil {
		e.Err = err.Error()
	}
	t.rec.Record(e)
}
