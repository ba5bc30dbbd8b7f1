//go:build linux

package tcpcdriver

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/oxplot/vdmtool/internal/clocktest"
	"github.com/oxplot/vdmtool/trace"
)

// scriptedBus fails the first len(errs) transactions with the given errors
// and succeeds afterwards, filling reads with fill.
type scriptedBus struct {
	errs  []error
	fill  byte
	calls int
	addrs []uint16
}

func (b *scriptedBus) Tx(addr uint16, w, r []byte) error {
	b.calls++
	b.addrs = append(b.addrs, addr)
	if b.calls <= len(b.errs) {
		return b.errs[b.calls-1]
	}
	for i := range r {
		r[i] = b.fill
	}
	return nil
}

func repeat(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

func TestWriteAndReadFraming(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x38, W: []byte{0x09, 0x02, 0xaa, 0xbb}},
			{Addr: 0x38, W: []byte{0x08}, R: []byte{0x04, 'V', 'D', 'M', 's'}},
		},
	}
	tr := NewTransport(bus, 0x38)

	require.NoError(t, tr.Write(0x09, []byte{0x02, 0xaa, 0xbb}))
	got, err := tr.Read(0x08, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 'V', 'D', 'M', 's'}, got)
	require.NoError(t, bus.Close())
}

func TestTransferSizePrecondition(t *testing.T) {
	bus := &scriptedBus{}
	tr := NewTransport(bus, 0x38)

	_, err := tr.Read(0x09, MaxTransfer+1)
	assert.ErrorIs(t, err, ErrTransferSize)
	err = tr.Write(0x09, make([]byte, MaxTransfer+1))
	assert.ErrorIs(t, err, ErrTransferSize)
	assert.Zero(t, bus.calls)

	_, err = tr.Read(0x09, MaxTransfer)
	assert.NoError(t, err)
	assert.NoError(t, tr.Write(0x09, make([]byte, MaxTransfer)))
	assert.Equal(t, 2, bus.calls)
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	clk := clocktest.New()
	bus := &scriptedBus{errs: repeat(unix.EAGAIN, 2), fill: 0x5a}
	tr := NewTransport(bus, 0x38, WithClock(clk), WithRetries(3), WithBackoff(time.Millisecond))

	got, err := tr.Read(0x03, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x5a, 0x5a}, got)
	assert.Equal(t, 3, bus.calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, clk.Sleeps())
}

func TestTransientExhaustsRetryBound(t *testing.T) {
	for _, retries := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprint(retries), func(t *testing.T) {
			clk := clocktest.New()
			last := fmt.Errorf("attempt last: %w", unix.EBUSY)
			errs := append(repeat(unix.EAGAIN, retries), last, nil)
			bus := &scriptedBus{errs: errs}
			tr := NewTransport(bus, 0x38, WithClock(clk), WithRetries(retries))

			err := tr.Write(0x08, []byte{1})
			require.Error(t, err)
			assert.Equal(t, retries+1, bus.calls)
			assert.ErrorIs(t, err, ErrTransient)
			assert.ErrorIs(t, err, unix.EBUSY)

			var be *BusError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, retries+1, be.Attempts)
			assert.Equal(t, "write", be.Op)
			assert.Len(t, clk.Sleeps(), retries)

			// Transient exhaustion does not poison the transport.
			require.NoError(t, tr.Write(0x08, []byte{1}))
		})
	}
}

func TestNoRetryOnNoDeviceOrPermission(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"enxio", unix.ENXIO, ErrNoDevice},
		{"eremoteio", unix.EREMOTEIO, ErrNoDevice},
		{"enoent", unix.ENOENT, ErrNoDevice},
		{"eacces", unix.EACCES, ErrPermission},
		{"eperm", unix.EPERM, ErrPermission},
		{"flattened", errors.New("sysfs-i2c: " + unix.ENXIO.Error()), ErrNoDevice},
		{"unknown", errors.New("gremlins"), ErrNoDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clocktest.New()
			bus := &scriptedBus{errs: repeat(tt.err, 10)}
			tr := NewTransport(bus, 0x38, WithClock(clk), WithRetries(5))

			_, err := tr.Read(0x3f, 3)
			require.ErrorIs(t, err, tt.kind)
			assert.Equal(t, 1, bus.calls)
			assert.Empty(t, clk.Sleeps())

			// The transport is now failed and stays off the bus.
			_, err2 := tr.Read(0x3f, 3)
			assert.ErrorIs(t, err2, tt.kind)
			assert.Equal(t, 1, bus.calls)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{unix.EAGAIN, ErrTransient},
		{unix.ETIMEDOUT, ErrTransient},
		{fmt.Errorf("wrapped: %w", unix.EBUSY), ErrTransient},
		{errors.New("i2c: arbitration lost"), ErrTransient},
		{errors.New("sysfs-i2c: " + unix.EAGAIN.Error()), ErrTransient},
		{unix.EACCES, ErrPermission},
		{fmt.Errorf("open /dev/i2c-0: %w", unix.EACCES), ErrPermission},
		{unix.ENXIO, ErrNoDevice},
		{unix.EIO, ErrNoDevice},
		{ErrPermission, ErrPermission},
		{&BusError{Kind: ErrTransient, Err: unix.EAGAIN}, ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRecorderSeesEveryAttempt(t *testing.T) {
	var events []trace.Event
	rec := trace.Func(func(e trace.Event) { events = append(events, e) })
	bus := &scriptedBus{errs: []error{unix.EAGAIN}, fill: 7}
	tr := NewTransport(bus, 0x38, WithClock(clocktest.New()), WithRecorder(rec))

	require.NoError(t, tr.Write(0x09, []byte{1, 2}))
	_, err := tr.Read(0x08, 1)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, trace.DirWrite, events[0].Dir)
	assert.Equal(t, 1, events[0].Attempt)
	assert.NotEmpty(t, events[0].Err)
	assert.Equal(t, []byte{1, 2}, events[0].Data)
	assert.Equal(t, 2, events[1].Attempt)
	assert.Empty(t, events[1].Err)
	assert.Equal(t, trace.DirRead, events[2].Dir)
	assert.Equal(t, uint8(0x08), events[2].Reg)
	assert.Equal(t, []byte{7}, events[2].Data)
}

func TestBusErrorMessage(t *testing.T) {
	err := &BusError{Op: "read", Addr: 0x38, Reg: 0x08, Attempts: 4, Kind: ErrTransient, Err: unix.EAGAIN}
	assert.Contains(t, err.Error(), "reg 0x08")
	assert.Contains(t, err.Error(), "4 attempt")
	open := &BusError{Op: "open", Kind: ErrNoDevice, Err: errors.New("missing")}
	assert.Contains(t, open.Error(), "open i2c device")
}
