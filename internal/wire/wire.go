// Package wire implements the fixed-width TCP frame codec for the
// DALI-USB network protocol: protocol v2 (4 bytes) and the legacy v1
// layout (2 bytes), kept as a design option.
package wire

import "fmt"

// ProtocolV2 is the wire protocol version tag carried in byte 0 of
// every v2 frame.
const ProtocolV2 = 0x02

// Opcode is the client->server or server->client tag in byte 1 of a v2
// frame.
type Opcode byte

const (
	OpSend      Opcode = 0x00 // client -> server: issue a DALI request
	OpSuccess   Opcode = 0x00 // server -> client: request completed; byte 2 holds the response byte (0 if none)
	OpResponse  Opcode = 0x01 // server -> client: request completed with a response byte
	OpBroadcast Opcode = 0x02 // server -> client: unsolicited bus event
	OpError     Opcode = 0xFF // server -> client: request failed
)

// FrameSizeV2 is the fixed frame width of protocol v2.
const FrameSizeV2 = 4

// FrameSizeV1 is the fixed frame width of the legacy protocol v1.
const FrameSizeV1 = 2

// SendFrame is a decoded client->server v2 request.
type SendFrame struct {
	Address byte
	Command byte
}

// ErrUnknownFrame is returned by DecodeSend when the protocol or opcode
// byte isn't recognized; the caller must log and drop the frame, not
// close the connection.
var ErrUnknownFrame = fmt.Errorf("wire: unrecognized protocol/opcode")

// DecodeSend parses a 4-byte client frame as a SEND request.
func DecodeSend(buf []byte) (SendFrame, error) {
	if len(buf) != FrameSizeV2 {
		return SendFrame{}, fmt.Errorf("wire: frame must be %d bytes, got %d", FrameSizeV2, len(buf))
	}
	if buf[0] != ProtocolV2 || buf[1] != byte(OpSend) {
		return SendFrame{}, ErrUnknownFrame
	}
	return SendFrame{Address: buf[2], Command: buf[3]}, nil
}

// EncodeReply builds a server->client v2 reply frame.
func EncodeReply(op Opcode, responseByte byte) [FrameSizeV2]byte {
	return [FrameSizeV2]byte{ProtocolV2, byte(op), responseByte, 0}
}

// EncodeBroadcast builds a server->client v2 unsolicited broadcast frame.
func EncodeBroadcast(address, command byte) [FrameSizeV2]byte {
	return [FrameSizeV2]byte{ProtocolV2, byte(OpBroadcast), address, command}
}

// V1Frame is the legacy 2-byte client request: {address, command}.
type V1Frame struct {
	Address byte
	Command byte
}

// DecodeV1 parses a 2-byte legacy client frame.
func DecodeV1(buf []byte) (V1Frame, error) {
	if len(buf) != FrameSizeV1 {
		return V1Frame{}, fmt.Errorf("wire: v1 frame must be %d bytes, got %d", FrameSizeV1, len(buf))
	}
	return V1Frame{Address: buf[0], Command: buf[1]}, nil
}

// EncodeV1Reply builds the legacy 2-byte {status, response} reply.
func EncodeV1Reply(status, response byte) [FrameSizeV1]byte {
	return [FrameSizeV1]byte{status, response}
}
