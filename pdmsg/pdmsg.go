// Package pdmsg defines types to encode and decode USB-C Power Delivery
// structured Vendor Defined Messages as exchanged with a port controller.
package pdmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxDataObjects is the maximum number of vendor data objects following
	// the VDM header that a controller accepts in a single message.
	MaxDataObjects = 6

	// MessageBytes is the fixed encoded size of a message: the VDM header
	// followed by all data object slots, each 32 bits.
	MessageBytes = 4 * (1 + MaxDataObjects)

	// AppleSVID is the USB vendor ID Apple targets answer to.
	AppleSVID uint16 = 0x05ac

	// AppleCommand is the SVID specific command Apple uses for its debug
	// actions. The action itself is carried in the first data object.
	AppleCommand uint8 = 0x12
)

// Message represents a structured VDM.
//
// Size of Data is fixed to the maximum object count so that encoding is
// fixed-width. The number of meaningful objects is defined by the action in
// the first data object; see DataObjectCount.
type Message struct {
	Header VDMHeader
	Data   [MaxDataObjects]uint32
}

// VDMHeader is the first 32-bit word of a structured VDM.
type VDMHeader uint32

// SVID returns the standard or vendor ID the message is addressed to.
func (h VDMHeader) SVID() uint16 {
	return uint16(h >> 16)
}

// SetSVID sets the standard or vendor ID.
func (h *VDMHeader) SetSVID(v uint16) {
	*h = (*h & ^(VDMHeader(0xffff) << 16)) | VDMHeader(v)<<16
}

// IsStructured returns true if the structured VDM flag is set.
func (h VDMHeader) IsStructured() bool {
	return h&(1<<15) != 0
}

// SetStructured sets the structured VDM flag.
func (h *VDMHeader) SetStructured(s bool) {
	var b VDMHeader
	if s {
		b = 1 << 15
	}
	*h = (*h & ^(VDMHeader(1) << 15)) | b
}

// Version returns the structured VDM version.
func (h VDMHeader) Version() Version {
	return Version((h >> 13) & 0b11)
}

// SetVersion sets the structured VDM version.
func (h *VDMHeader) SetVersion(v Version) {
	*h = (*h & ^(VDMHeader(0b11) << 13)) | VDMHeader(v&0b11)<<13
}

// ObjectPosition returns the object position field, starting at 1. Zero means
// the field is unused.
func (h VDMHeader) ObjectPosition() uint8 {
	return uint8((h >> 8) & 0b111)
}

// SetObjectPosition sets the object position field.
func (h *VDMHeader) SetObjectPosition(p uint8) {
	*h = (*h & ^(VDMHeader(0b111) << 8)) | VDMHeader(p&0b111)<<8
}

// CommandType returns the command type of the message.
func (h VDMHeader) CommandType() CommandType {
	return CommandType((h >> 6) & 0b11)
}

// SetCommandType sets the command type of the message.
func (h *VDMHeader) SetCommandType(t CommandType) {
	*h = (*h & ^(VDMHeader(0b11) << 6)) | VDMHeader(t&0b11)<<6
}

// Command returns the command code.
func (h VDMHeader) Command() uint8 {
	return uint8(h & 0b11111)
}

// SetCommand sets the command code.
func (h *VDMHeader) SetCommand(c uint8) {
	*h = (*h & ^VDMHeader(0b11111)) | VDMHeader(c&0b11111)
}

// Version represents the structured VDM version.
type Version uint8

// Structured VDM versions.
const (
	Version10 Version = 0b00
	Version20 Version = 0b01
)

// CommandType represents the initiator or responder role of a VDM.
type CommandType uint8

// Command types.
const (
	CommandTypeREQ  CommandType = 0b00 // Initiator request
	CommandTypeACK  CommandType = 0b01 // Responder acknowledged
	CommandTypeNAK  CommandType = 0b10 // Responder refused
	CommandTypeBUSY CommandType = 0b11 // Responder busy
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeREQ:
		return "REQ"
	case CommandTypeACK:
		return "ACK"
	case CommandTypeNAK:
		return "NAK"
	case CommandTypeBUSY:
		return "BUSY"
	default:
		return "INVALID"
	}
}

// Valid returns true if t is one of the defined command types.
func (t CommandType) Valid() bool {
	return t <= CommandTypeBUSY
}

// Action is the Apple debug action carried in the low 16 bits of the first
// data object.
type Action uint16

// Apple debug actions.
const (
	ActionReboot   Action = 0x0105
	ActionDFU      Action = 0x0106
	ActionDebugMux Action = 0x0306
)

// Pin assignments for ActionDebugMux, carried in the upper 16 bits of the
// first data object.
const (
	// SerialPins routes the debug UART onto the SBU pins.
	SerialPins uint16 = 0x0184

	// DefaultPins restores the default SBU routing.
	DefaultPins uint16 = 0x0000
)

// Action argument words.
const (
	rebootArg uint32 = 0x80000000
	dfuArg    uint32 = 0x80010000
)

func (a Action) String() string {
	switch a {
	case ActionReboot:
		return "reboot"
	case ActionDFU:
		return "dfu"
	case ActionDebugMux:
		return "debug-mux"
	default:
		return fmt.Sprintf("action(0x%04x)", uint16(a))
	}
}

// objectCount returns the number of data objects the action defines, or zero
// if the action is unknown.
func (a Action) objectCount() uint8 {
	switch a {
	case ActionReboot, ActionDFU:
		return 2
	case ActionDebugMux:
		return 1
	default:
		return 0
	}
}

// Action returns the Apple debug action of the message.
func (m Message) Action() Action {
	return Action(m.Data[0] & 0xffff)
}

// Pins returns the pin assignment of a debug mux message.
func (m Message) Pins() uint16 {
	return uint16(m.Data[0] >> 16)
}

// DataObjectCount returns the number of meaningful data objects. For known
// actions, it's the count the action defines. Otherwise it's the position of
// the last non-zero object.
func (m Message) DataObjectCount() uint8 {
	if c := m.Action().objectCount(); c > 0 {
		return c
	}
	for i := MaxDataObjects; i > 0; i-- {
		if m.Data[i-1] != 0 {
			return uint8(i)
		}
	}
	return 0
}

// newAppleRequest returns an initiator request to the Apple SVID with the
// given data objects.
func newAppleRequest(objs ...uint32) Message {
	var m Message
	m.Header.SetSVID(AppleSVID)
	m.Header.SetStructured(true)
	m.Header.SetVersion(Version10)
	m.Header.SetCommandType(CommandTypeREQ)
	m.Header.SetCommand(AppleCommand)
	copy(m.Data[:], objs)
	return m
}

// NewReboot returns a request to hard reset the target.
func NewReboot() Message {
	return newAppleRequest(uint32(ActionReboot), rebootArg)
}

// NewDFU returns a request to reboot the target into DFU mode.
func NewDFU() Message {
	return newAppleRequest(uint32(ActionDFU), dfuArg)
}

// NewDebugMux returns a request to route the target's SBU pins according to
// pins. Use SerialPins to enable the debug UART and DefaultPins to disable it.
func NewDebugMux(pins uint16) Message {
	return newAppleRequest(uint32(pins)<<16 | uint32(ActionDebugMux))
}

var (
	// ErrMalformed matches all decoding errors.
	ErrMalformed = errors.New("malformed vdm")

	// ErrInvalidRequest is returned by Validate for outbound messages that
	// break the message invariants.
	ErrInvalidRequest = errors.New("invalid vdm request")
)

// MalformedError describes why a byte block could not be decoded.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return ErrMalformed.Error() + ": " + e.Reason
}

// Is makes MalformedError match ErrMalformed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(format string, a ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, a...)}
}

// Validate returns an error if m is not a well formed outbound request.
func (m Message) Validate() error {
	if m.Header.SVID() != AppleSVID {
		return fmt.Errorf("%w: svid 0x%04x", ErrInvalidRequest, m.Header.SVID())
	}
	if !m.Header.IsStructured() {
		return fmt.Errorf("%w: unstructured", ErrInvalidRequest)
	}
	if m.Header.CommandType() != CommandTypeREQ {
		return fmt.Errorf("%w: command type %s", ErrInvalidRequest, m.Header.CommandType())
	}
	c := m.Action().objectCount()
	if c == 0 {
		return fmt.Errorf("%w: unknown %s", ErrInvalidRequest, m.Action())
	}
	for _, d := range m.Data[c:] {
		if d != 0 {
			return fmt.Errorf("%w: %s takes %d objects", ErrInvalidRequest, m.Action(), c)
		}
	}
	return nil
}

// Encode serializes the message into MessageBytes little endian bytes. Unused
// data object slots are zero.
func Encode(m Message) []byte {
	b := make([]byte, MessageBytes)
	m.ToBytes(b)
	return b
}

// ToBytes serializes the message into b which must be at least MessageBytes
// long.
func (m Message) ToBytes(b []byte) {
	binary.LittleEndian.PutUint32(b, uint32(m.Header))
	for i, d := range m.Data {
		binary.LittleEndian.PutUint32(b[4+i*4:], d)
	}
}

// Decode parses a header word followed by up to MaxDataObjects data objects.
// Missing trailing objects decode as zero. All errors match ErrMalformed.
func Decode(b []byte) (Message, error) {
	var m Message
	if len(b) == 0 || len(b)%4 != 0 {
		return m, malformed("length %d is not a positive multiple of 4", len(b))
	}
	if len(b) > MessageBytes {
		return m, malformed("length %d exceeds %d", len(b), MessageBytes)
	}
	m.Header = VDMHeader(binary.LittleEndian.Uint32(b))
	if m.Header.SVID() != AppleSVID {
		return Message{}, malformed("svid 0x%04x, expected 0x%04x", m.Header.SVID(), AppleSVID)
	}
	if !m.Header.IsStructured() {
		return Message{}, malformed("unstructured vdm")
	}
	if !m.Header.CommandType().Valid() {
		return Message{}, malformed("command type %d", m.Header.CommandType())
	}
	for i := 0; i < len(b)/4-1; i++ {
		m.Data[i] = binary.LittleEndian.Uint32(b[4+i*4:])
	}
	return m, nil
}

func (m Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s svid=0x%04x cmd=0x%02x %s", m.Header.CommandType(), m.Header.SVID(), m.Header.Command(), m.Action())
	if m.Action() == ActionDebugMux {
		fmt.Fprintf(&sb, " pins=0x%04x", m.Pins())
	}
	sb.WriteString(" [")
	for i, d := range m.Data[:m.DataObjectCount()] {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "0x%08x", d)
	}
	sb.WriteByte(']')
	return sb.String()
}
