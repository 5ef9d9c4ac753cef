// Package frame implements the DALI bus frame type and the fixed-width
// 64-byte USB message codec used to talk to a DALI-USB interface.
package frame

import (
	"encoding/binary"
	"fmt"
)

// USBMessageSize is the fixed size of every message exchanged with the
// DALI-USB device over its interrupt endpoints.
const USBMessageSize = 64

// Direction tags the first byte of a USB-DALI message.
type Direction byte

const (
	DirectionDALI Direction = 0x11 // bus-originated (unsolicited)
	DirectionUSB  Direction = 0x12 // host-request / response to host
)

// Type tags outbound frame width and inbound message kind.
type Type byte

const (
	TypeSend16 Type = 0x03 // outbound 16-bit frame
	TypeSend24 Type = 0x04 // outbound 24-bit frame

	TypeCompletion16 Type = 0x71 // inbound: 16-bit completion
	TypeCompletion24 Type = 0x72 // inbound: 24-bit completion
	TypeTransfer16   Type = 0x73 // inbound: 16-bit transfer
	TypeTransfer24   Type = 0x74 // inbound: 24-bit transfer
)

// IsCompletion reports whether t is one of the completion message types.
func (t Type) IsCompletion() bool {
	return t == TypeCompletion16 || t == TypeCompletion24
}

// IsTransfer reports whether t is one of the transfer message types.
func (t Type) IsTransfer() bool {
	return t == TypeTransfer16 || t == TypeTransfer24
}

// DaliFrame is a decoded bus message. Ecommand == 0 marks a 16-bit frame;
// any other value marks a 24-bit frame. Immutable after construction.
type DaliFrame struct {
	Ecommand byte
	Address  byte
	Command  byte
}

// Is24Bit reports whether the frame carries an extended command byte.
func (f DaliFrame) Is24Bit() bool {
	return f.Ecommand != 0
}

// OutboundMessage builds the 64-byte USB message for sending f to the
// device, tagged with the given sequence number.
func OutboundMessage(seqNum byte, f DaliFrame) [USBMessageSize]byte {
	var msg [USBMessageSize]byte
	msg[0] = byte(DirectionUSB)
	msg[1] = seqNum
	msg[2] = 0x00
	if f.Is24Bit() {
		msg[3] = byte(TypeSend24)
	} else {
		msg[3] = byte(TypeSend16)
	}
	msg[4] = 0x00
	msg[5] = f.Ecommand
	msg[6] = f.Address
	msg[7] = f.Command
	return msg
}

// InboundMessage is a parsed reply or unsolicited event from the device.
type InboundMessage struct {
	Direction Direction
	Type      Type
	Frame     DaliFrame // valid only for Transfer types
	Status    uint16    // valid only for Completion types (low 8 bits are client-facing)
	SeqNum    byte
}

// ErrShortMessage is returned by ParseInbound when the buffer is smaller
// than the fields it needs to read.
var ErrShortMessage = fmt.Errorf("frame: inbound message too short")

// ParseInbound decodes the first 9 bytes of a 64-byte inbound USB
// message. Status is always big-endian on the wire.
func ParseInbound(buf []byte) (InboundMessage, error) {
	if len(buf) < 9 {
		return InboundMessage{}, ErrShortMessage
	}
	return InboundMessage{
		Direction: Direction(buf[0]),
		Type:      Type(buf[1]),
		Frame: DaliFrame{
			Ecommand: buf[3],
			Address:  buf[4],
			Command:  buf[5],
		},
		Status: binary.BigEndian.Uint16(buf[6:8]),
		SeqNum: buf[8],
	}, nil
}

// ClientStatus returns the 8-bit status value delivered to TCP clients;
// the device encodes a 16-bit status but only the low byte is
// client-facing.
func (m InboundMessage) ClientStatus() byte {
	return byte(m.Status & 0xFF)
}

// KnownType reports whether t is one of the four message types the
// protocol engine understands; anything else must be logged and
// ignored.
func KnownType(t Type) bool {
	switch t {
	case TypeCompletion16, TypeCompletion24, TypeTransfer16, TypeTransfer24:
		return true
	default:
		return false
	}
}
