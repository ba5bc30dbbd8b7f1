// Package cd321xtest provides a register level simulation of a CD321x port
// controller and the target behind it, for use in tests.
package cd321xtest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oxplot/vdmtool/pdmsg"
	"github.com/oxplot/vdmtool/tcpcdriver"
)

// Registers, as seen on the bus.
const (
	RegMode        = 0x03
	RegCmd1        = 0x08
	RegData1       = 0x09
	RegPowerStatus = 0x3f
	RegRxVDM       = 0x4f
)

const cmdInvalid uint32 = 0x444d4321

// Reply is how the simulated controller, and for VDMs the target, handles a
// command.
type Reply uint8

// Replies.
const (
	Ack         Reply = iota // Completes; a VDM draws an ACK
	Done                     // Completes; a VDM draws no response
	Nak                      // Completes; a VDM draws a NAK
	Busy                     // Completes; a VDM draws BUSY and nothing else
	BusyThenAck              // Completes; a VDM draws BUSY, then an ACK
	Malformed                // Completes; a VDM draws an undecodable response
	Invalid                  // CMD1 reads !CMD
	Never                    // CMD1 keeps the tag forever
)

func (r Reply) String() string {
	switch r {
	case Ack:
		return "Ack"
	case Done:
		return "Done"
	case Nak:
		return "Nak"
	case Busy:
		return "Busy"
	case BusyThenAck:
		return "BusyThenAck"
	case Malformed:
		return "Malformed"
	case Invalid:
		return "Invalid"
	case Never:
		return "Never"
	default:
		return fmt.Sprintf("Reply(%d)", uint8(r))
	}
}

// Sim is a simulated controller. It implements tcpcdriver.I2C. Exported
// fields may be changed between transactions. It's not safe for concurrent
// use.
type Sim struct {
	Addr uint16
	Mode string
	Key  []byte // LOCK key; nil accepts any

	Locked    bool
	Connected bool
	Sink      bool

	// Latency is the number of CMD1 reads a command stays in progress.
	Latency int

	// Script holds replies per command tag, consumed in order. Once a tag's
	// replies run out, VDMs are answered with Ack and other commands with
	// Done.
	Script map[string][]Reply

	// ReconnectAfter is the number of POWER_STATUS reads that report no cable
	// after the target acknowledged a reboot.
	ReconnectAfter int

	// Errs are returned by the next transactions, one each. A nil entry lets
	// its transaction through.
	Errs []error

	// Calls counts transactions, including failed ones.
	Calls int

	// Commands lists all command tags written to CMD1.
	Commands []string

	// Sent lists all VDMs the controller was asked to send.
	Sent []pdmsg.Message

	// LocalMux lists the data objects of all DVEn commands.
	LocalMux []uint32

	data1        []byte
	cmd1         uint32
	pending      *command
	rx           [1 + pdmsg.MessageBytes]byte
	seq          uint8
	busyReads    int
	disconnected int
}

type command struct {
	tag   string
	data  []byte
	reply Reply
	polls int
}

// New returns a locked controller in application mode with a cable
// connected, at the usual address.
func New() *Sim {
	return &Sim{
		Addr:      0x38,
		Mode:      "APP ",
		Locked:    true,
		Connected: true,
	}
}

// Tx implements tcpcdriver.I2C.
func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.Calls++
	if len(s.Errs) > 0 {
		err := s.Errs[0]
		s.Errs = s.Errs[1:]
		if err != nil {
			return err
		}
	}
	if addr != s.Addr {
		return fmt.Errorf("cd321xtest: nothing at 0x%02x: %w", addr, tcpcdriver.ErrNoDevice)
	}
	if len(w) == 0 {
		return errors.New("cd321xtest: no register address")
	}
	reg := w[0]
	if len(w) > 1 {
		return s.write(reg, w[1:])
	}
	if len(r) > 0 {
		v := s.read(reg)
		r[0] = uint8(len(v))
		n := copy(r[1:], v)
		clear(r[1+n:])
	}
	return nil
}

func (s *Sim) write(reg uint8, b []byte) error {
	if int(b[0]) != len(b)-1 {
		return fmt.Errorf("cd321xtest: reg 0x%02x: length byte %d for %d bytes", reg, b[0], len(b)-1)
	}
	d := bytes.Clone(b[1:])
	switch reg {
	case RegData1:
		s.data1 = d
	case RegCmd1:
		if len(d) != 4 {
			return fmt.Errorf("cd321xtest: command tag %q", d)
		}
		s.command(string(d))
	default:
		return fmt.Errorf("cd321xtest: reg 0x%02x is read only", reg)
	}
	return nil
}

func (s *Sim) read(reg uint8) []byte {
	switch reg {
	case RegMode:
		return []byte(s.Mode)
	case RegCmd1:
		s.progress()
		return binary.LittleEndian.AppendUint32(nil, s.cmd1)
	case RegData1:
		return s.data1
	case RegPowerStatus:
		var ps uint16
		if s.disconnected > 0 {
			s.disconnected--
		} else if s.Connected {
			ps |= 1
			if s.Sink {
				ps |= 2
			}
		}
		return binary.LittleEndian.AppendUint16(nil, ps)
	case RegRxVDM:
		if s.busyReads > 0 {
			s.busyReads--
			if s.busyReads == 0 && len(s.Sent) > 0 {
				s.respond(s.Sent[len(s.Sent)-1], pdmsg.CommandTypeACK)
			}
		}
		return s.rx[:]
	default:
		return nil
	}
}

func (s *Sim) command(tag string) {
	s.Commands = append(s.Commands, tag)
	reply := Done
	if tag == "VDMs" {
		reply = Ack
		if len(s.data1) > 0 {
			n := int(s.data1[0] & 0b111)
			if m, err := pdmsg.Decode(s.data1[1:min(len(s.data1), 1+4*n)]); err == nil {
				s.Sent = append(s.Sent, m)
			}
		}
	}
	if q := s.Script[tag]; len(q) > 0 {
		reply = q[0]
		s.Script[tag] = q[1:]
	}
	var data []byte
	if tag != "Gaid" {
		data = s.data1
	}
	s.pending = &command{tag: tag, data: data, reply: reply}
	s.cmd1 = binary.LittleEndian.Uint32([]byte(tag))
}

// progress advances the command in flight by one CMD1 read.
func (s *Sim) progress() {
	p := s.pending
	if p == nil {
		return
	}
	p.polls++
	switch {
	case p.reply == Never:
		return
	case p.reply == Invalid:
		s.cmd1 = cmdInvalid
	case p.polls <= s.Latency:
		return
	case s.complete(p):
		s.cmd1 = 0
	default:
		s.cmd1 = cmdInvalid
	}
	s.pending = nil
}

// complete applies the effects of a finished command. It returns false if
// the controller refuses it.
func (s *Sim) complete(p *command) bool {
	switch p.tag {
	case "LOCK":
		if len(p.data) == 4 && bytes.Equal(p.data, make([]byte, 4)) {
			s.Locked = true
			return true
		}
		if s.Key != nil && !bytes.Equal(p.data, s.Key) {
			return false
		}
		s.Locked = false
	case "Gaid":
		s.Locked = true
		s.Mode = "APP "
	case "DBMa":
		if s.Locked || len(p.data) != 1 {
			return false
		}
		if p.data[0] == 1 {
			s.Mode = "DBMa"
		} else {
			s.Mode = "APP "
		}
	case "DVEn":
		if s.Mode != "DBMa" || len(p.data) != 4 {
			return false
		}
		s.LocalMux = append(s.LocalMux, binary.LittleEndian.Uint32(p.data))
	case "VDMs":
		if s.Mode != "DBMa" || len(s.Sent) == 0 {
			return false
		}
		s.deliver(s.Sent[len(s.Sent)-1], p.reply)
	}
	return true
}

// deliver simulates the target's response to m.
func (s *Sim) deliver(m pdmsg.Message, reply Reply) {
	switch reply {
	case Ack:
		s.respond(m, pdmsg.CommandTypeACK)
	case Nak:
		s.respond(m, pdmsg.CommandTypeNAK)
	case Busy:
		s.respond(m, pdmsg.CommandTypeBUSY)
	case BusyThenAck:
		s.respond(m, pdmsg.CommandTypeBUSY)
		s.busyReads = 2
	case Malformed:
		s.seq++
		clear(s.rx[:])
		s.rx[0] = s.seq<<4 | 1
		binary.LittleEndian.PutUint32(s.rx[1:], 0xdead8052)
	}
	if m.Action() == pdmsg.ActionReboot && (reply == Ack || reply == Done) {
		s.disconnected = s.ReconnectAfter
	}
}

func (s *Sim) respond(m pdmsg.Message, t pdmsg.CommandType) {
	m.Header.SetCommandType(t)
	n := 1 + m.DataObjectCount()
	s.seq++
	clear(s.rx[:])
	s.rx[0] = s.seq<<4 | n
	m.ToBytes(s.rx[1:])
	clear(s.rx[1+4*int(n):])
}
