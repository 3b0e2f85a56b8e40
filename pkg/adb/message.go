// Package adb implements the host side of the Android Debug Bridge wire
// protocol. It multiplexes independent logical streams ("connections") over
// a single bulk transport link to an ADB-speaking device, driving the device
// handshake, per-connection state machines, and event delivery from a
// caller-paced Poll loop.
//
// The package owns no transport: link I/O and hotplug detection come from a
// transport.Bus supplied to Engine.Init. Connections close only in response
// to peer CLOSE messages or device detach; there is no host-initiated
// teardown of an individual stream.
package adb

import "encoding/binary"

// ADB command values. Each is the little-endian encoding of its
// four-character ASCII name, as fixed by the wire protocol.
const (
	CmdSync    uint32 = 0x434e5953 // SYNC
	CmdConnect uint32 = 0x4e584e43 // CNXN
	CmdOpen    uint32 = 0x4e45504f // OPEN
	CmdOkay    uint32 = 0x59414b4f // OKAY
	CmdClose   uint32 = 0x45534c43 // CLSE
	CmdWrite   uint32 = 0x45545257 // WRTE
)

// MessageSize is the fixed ADB header size in bytes: six little-endian
// 32-bit fields, no padding.
const MessageSize = 24

// Message represents an ADB message header with the following wire format:
//
//	+---------+------+------+--------+----------+-------+
//	| Command | Arg0 | Arg1 | Length | Checksum | Magic |
//	+---------+------+------+--------+----------+-------+
//	|   4B    |  4B  |  4B  |   4B   |    4B    |  4B   |
//
// Length bytes of raw payload follow the header on the wire. Magic is the
// bitwise complement of Command and is the only integrity check applied to
// incoming headers; Checksum is carried for diagnostics but never enforced
// on receive.
type Message struct {
	Command  uint32 // Operation type (CmdConnect, CmdOpen, etc.)
	Arg0     uint32 // First command-dependent argument
	Arg1     uint32 // Second command-dependent argument
	Length   uint32 // Payload byte count, 0 if none
	Checksum uint32 // Wrapping byte sum of the payload
	Magic    uint32 // ^Command, detects corrupt or misaligned frames
}

// NewMessage builds a header for the given command, arguments, and payload.
// The payload itself is not stored; only its length and checksum are.
func NewMessage(command, arg0, arg1 uint32, payload []byte) Message {
	return Message{
		Command:  command,
		Arg0:     arg0,
		Arg1:     arg1,
		Length:   uint32(len(payload)),
		Checksum: Checksum(payload),
		Magic:    ^command,
	}
}

// Checksum returns the sum of all payload bytes modulo 2^32.
// An empty payload sums to zero.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Marshal serializes the header into a fresh MessageSize-byte slice.
func (m Message) Marshal() []byte {
	buf := make([]byte, MessageSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.Command)
	binary.LittleEndian.PutUint32(buf[4:8], m.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], m.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], m.Length)
	binary.LittleEndian.PutUint32(buf[16:20], m.Checksum)
	binary.LittleEndian.PutUint32(buf[20:24], m.Magic)
	return buf
}

// DecodeHeader deserializes raw into a Message. It reports false when raw is
// not exactly MessageSize bytes or the magic field does not complement the
// command, in which case the frame must be discarded. The payload checksum
// is deliberately not validated here.
func DecodeHeader(raw []byte) (Message, bool) {
	if len(raw) != MessageSize {
		return Message{}, false
	}

	m := Message{
		Command:  binary.LittleEndian.Uint32(raw[0:4]),
		Arg0:     binary.LittleEndian.Uint32(raw[4:8]),
		Arg1:     binary.LittleEndian.Uint32(raw[8:12]),
		Length:   binary.LittleEndian.Uint32(raw[12:16]),
		Checksum: binary.LittleEndian.Uint32(raw[16:20]),
		Magic:    binary.LittleEndian.Uint32(raw[20:24]),
	}

	if m.Magic != ^m.Command {
		return Message{}, false
	}

	return m, true
}

// CommandName returns the four-character name of a command value for
// diagnostics, or "????" if the value is not a known command.
func CommandName(command uint32) string {
	switch command {
	case CmdSync:
		return "SYNC"
	case CmdConnect:
		return "CNXN"
	case CmdOpen:
		return "OPEN"
	case CmdOkay:
		return "OKAY"
	case CmdClose:
		return "CLSE"
	case CmdWrite:
		return "WRTE"
	default:
		return "????"
	}
}
