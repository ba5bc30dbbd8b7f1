// Package trace records every I2C transaction made against the port
// controller as a stream of CBOR encoded events, so that a failed run on
// real hardware can be inspected afterwards.
package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Event is a single bus transaction attempt.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Time    time.Time `cbor:"1,keyasint"`
	Run     string    `cbor:"2,keyasint,omitempty"`
	Dir     Direction `cbor:"3,keyasint"`
	Addr    uint16    `cbor:"4,keyasint"`
	Reg     uint8     `cbor:"5,keyasint"`
	Data    []byte    `cbor:"6,keyasint,omitempty"`
	Attempt int       `cbor:"7,keyasint"`
	Err     string    `cbor:"8,keyasint,omitempty"`
}

// Direction of a transaction as seen from the host.
type Direction uint8

// Directions.
const (
	DirWrite Direction = 0
	DirRead  Direction = 1
)

func (d Direction) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

// Recorder receives transaction events. Implementations must not block for
// long since they are called inline with bus I/O.
type Recorder interface {
	Record(Event)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor decoder mode: %v", err))
	}
}

// Writer is a Recorder that encodes events to an io.Writer. It stamps every
// event with the run ID it was created with. Encoding errors are dropped
// since tracing must not disturb the operation being traced.
type Writer struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	c      io.Closer
	run    string
	closed bool
}

// NewWriter returns a Writer encoding to w.
func NewWriter(w io.Writer, run string) *Writer {
	tw := &Writer{enc: encMode.NewEncoder(w), run: run}
	if c, ok := w.(io.Closer); ok {
		tw.c = c
	}
	return tw
}

// Create opens path for appending and returns a Writer to it.
func Create(path, run string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f, run), nil
}

// Record implements Recorder.
func (w *Writer) Record(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if e.Run == "" {
		e.Run = w.run
	}
	_ = w.enc.Encode(e)
}

// Close closes the underlying writer if it is an io.Closer. Events recorded
// after Close are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}

// ReadAll decodes all events from r.
func ReadAll(r io.Reader) ([]Event, error) {
	dec := decMode.NewDecoder(r)
	var events []Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, err
		}
		events = append(events, e)
	}
}

// Func adapts an ordinary function to a Recorder.
type Func func(Event)

// Record implements Recorder.
func (f Func) Record(e Event) { f(e) }

// Multi sends events to all recorders in order.
type Multi []Recorder

// Record implements Recorder.
func (m Multi) Record(e Event) {
	for _, r := range m {
		r.Record(e)
	}
}

// SlogRecorder writes events to an slog.Logger at debug level.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder returns a SlogRecorder writing to logger.
func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	return &SlogRecorder{logger: logger}
}

// Record implements Recorder.
func (s *SlogRecorder) Record(e Event) {
	attrs := []slog.Attr{
		slog.String("dir", e.Dir.String()),
		slog.String("addr", fmt.Sprintf("0x%02x", e.Addr)),
		slog.String("reg", fmt.Sprintf("0x%02x", e.Reg)),
		slog.Int("attempt", e.Attempt),
	}
	if len(e.Data) > 0 {
		attrs = append(attrs, slog.String("data", fmt.Sprintf("% x", e.Data)))
	}
	if e.Err != "" {
		attrs = append(attrs, slog.String("err", e.Err))
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "i2c", attrs...)
}

var (
	_ Recorder = (*Writer)(nil)
	_ Recorder = Multi(nil)
	_ Recorder = (*SlogRecorder)(nil)
)
