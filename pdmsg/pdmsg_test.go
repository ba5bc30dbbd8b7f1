package pdmsg

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppleRequestsMatchKnownWords(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []uint32
	}{
		{"dfu", NewDFU(), []uint32{0x5ac8012, 0x106, 0x80010000}},
		{"reboot", NewReboot(), []uint32{0x5ac8012, 0x105, 0x80000000}},
		{"serial", NewDebugMux(SerialPins), []uint32{0x5ac8012, 0x1840306}},
		{"serial off", NewDebugMux(DefaultPins), []uint32{0x5ac8012, 0x306}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.msg.Validate())
			assert.Equal(t, tt.want[0], uint32(tt.msg.Header))
			assert.Equal(t, uint8(len(tt.want)-1), tt.msg.DataObjectCount())
			assert.Equal(t, tt.want[1:], tt.msg.Data[:tt.msg.DataObjectCount()])
		})
	}
}

func TestHeaderFields(t *testing.T) {
	var h VDMHeader
	h.SetSVID(0xabcd)
	h.SetStructured(true)
	h.SetVersion(Version20)
	h.SetObjectPosition(5)
	h.SetCommandType(CommandTypeBUSY)
	h.SetCommand(0x1f)

	assert.Equal(t, uint16(0xabcd), h.SVID())
	assert.True(t, h.IsStructured())
	assert.Equal(t, Version20, h.Version())
	assert.Equal(t, uint8(5), h.ObjectPosition())
	assert.Equal(t, CommandTypeBUSY, h.CommandType())
	assert.Equal(t, uint8(0x1f), h.Command())

	// Setters must not disturb neighbouring fields.
	h.SetCommandType(CommandTypeACK)
	h.SetObjectPosition(0)
	h.SetStructured(false)
	assert.Equal(t, uint16(0xabcd), h.SVID())
	assert.Equal(t, Version20, h.Version())
	assert.Equal(t, uint8(0x1f), h.Command())
	assert.Equal(t, CommandTypeACK, h.CommandType())
	assert.False(t, h.IsStructured())
}

func TestEncodeIsFixedWidth(t *testing.T) {
	b := Encode(NewDebugMux(SerialPins))
	require.Len(t, b, MessageBytes)
	assert.Equal(t, uint32(0x5ac8012), binary.LittleEndian.Uint32(b[0:]))
	assert.Equal(t, uint32(0x1840306), binary.LittleEndian.Uint32(b[4:]))
	for i := 8; i < MessageBytes; i++ {
		assert.Zero(t, b[i], "byte %d", i)
	}
}

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		NewDFU(),
		NewReboot(),
		NewDebugMux(SerialPins),
		NewDebugMux(DefaultPins),
	}

	// Responses carry other command types and object positions.
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		m := newAppleRequest()
		m.Header.SetCommandType(CommandType(r.Intn(4)))
		m.Header.SetObjectPosition(uint8(r.Intn(8)))
		m.Header.SetVersion(Version(r.Intn(2)))
		m.Header.SetCommand(uint8(r.Intn(32)))
		n := r.Intn(MaxDataObjects + 1)
		for j := 0; j < n; j++ {
			m.Data[j] = r.Uint32()
		}
		msgs = append(msgs, m)
	}

	for _, m := range msgs {
		got, err := Decode(Encode(m))
		require.NoError(t, err, m.String())
		assert.Equal(t, m, got)
	}
}

func TestDecodeShortBlock(t *testing.T) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, 0x5ac8052) // ACK
	binary.LittleEndian.PutUint32(b[4:], 0x106)

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, CommandTypeACK, m.Header.CommandType())
	assert.Equal(t, ActionDFU, m.Action())
	assert.Zero(t, m.Data[1])
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := Encode(NewDFU())
	wrongVendor := Encode(NewDFU())
	binary.LittleEndian.PutUint32(wrongVendor, 0x18d18012)
	unstructured := Encode(NewDFU())
	binary.LittleEndian.PutUint32(unstructured, 0x5ac0012)

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"one byte", valid[:1]},
		{"not multiple of four", valid[:7]},
		{"one past multiple of four", append(append([]byte{}, valid[:8]...), 0)},
		{"too long", append(append([]byte{}, valid...), 0, 0, 0, 0)},
		{"wrong vendor", wrongVendor},
		{"wrong vendor short", wrongVendor[:4]},
		{"unstructured", unstructured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.b)
			require.ErrorIs(t, err, ErrMalformed)
			var me *MalformedError
			assert.ErrorAs(t, err, &me)
		})
	}
}

func TestValidate(t *testing.T) {
	notReq := NewDFU()
	notReq.Header.SetCommandType(CommandTypeACK)

	extra := NewDebugMux(SerialPins)
	extra.Data[1] = 1

	unknown := newAppleRequest(0x0999)

	otherVendor := NewDFU()
	otherVendor.Header.SetSVID(0x18d1)

	for name, m := range map[string]Message{
		"response":     notReq,
		"extra object": extra,
		"unknown":      unknown,
		"vendor":       otherVendor,
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, m.Validate(), ErrInvalidRequest)
		})
	}
}

func TestDataObjectCountUnknownAction(t *testing.T) {
	m := newAppleRequest(0x0999, 0, 7)
	assert.Equal(t, uint8(3), m.DataObjectCount())
	assert.Equal(t, uint8(0), Message{}.DataObjectCount())
}

func TestString(t *testing.T) {
	s := NewDebugMux(SerialPins).String()
	assert.Contains(t, s, "REQ")
	assert.Contains(t, s, "debug-mux")
	assert.Contains(t, s, "pins=0x0184")
	assert.Contains(t, s, "0x01840306")
}
