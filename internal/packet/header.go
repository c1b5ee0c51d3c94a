// Package packet defines the overlay wire frame: a fixed header prefix, a
// zero-copy-by-convention buffer it travels in, and the pluggable in-place
// encryption contract applied to the payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netspan/meshcore/internal/identity"
)

// Type identifies what a packet carries.
type Type uint8

const (
	// TypeData carries a virtual-NIC frame.
	TypeData Type = 0x01
	// TypeRPC carries an RPC transport frame.
	TypeRPC Type = 0x02
	// TypeRoute carries a route-control frame, interpreted by whichever
	// route variant is active.
	TypeRoute Type = 0x03
)

// String names a packet type; values outside the known set render as
// "unhandled", matching how filter pipelines treat them.
func (t Type) String() string {
	switch t {
	case TypeData:
		return "Data"
	case TypeRPC:
		return "TaRpc"
	case TypeRoute:
		return "Route"
	default:
		return "unhandled"
	}
}

const (
	// HeaderSize is the fixed length, in bytes, of the header every overlay
	// frame carries ahead of its payload.
	HeaderSize = 12

	// FlagEncrypted marks the payload as having passed through the active
	// Encryptor and needing Decrypt before use.
	FlagEncrypted uint8 = 0x01
)

// ErrHeaderTooShort is returned when a buffer is too small to hold a header.
var ErrHeaderTooShort = errors.New("packet: buffer shorter than header")

// Header is the little-endian fixed prefix of every overlay frame:
// {from_peer_id u32, to_peer_id u32, packet_type u8, flags u8, reserved u16}.
type Header struct {
	From     identity.PeerID
	To       identity.PeerID
	Type     Type
	Flags    uint8
	Reserved uint16
}

// Encode writes the header into the first HeaderSize bytes of buf.
func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrHeaderTooShort
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.From))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.To))
	buf[8] = uint8(h.Type)
	buf[9] = h.Flags
	binary.LittleEndian.PutUint16(buf[10:12], h.Reserved)
	return nil
}

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrHeaderTooShort, len(buf))
	}
	return Header{
		From:     identity.PeerID(binary.LittleEndian.Uint32(buf[0:4])),
		To:       identity.PeerID(binary.LittleEndian.Uint32(buf[4:8])),
		Type:     Type(buf[8]),
		Flags:    buf[9],
		Reserved: binary.LittleEndian.Uint16(buf[10:12]),
	}, nil
}

// HasFlag reports whether flag is set on the header.
func (h Header) HasFlag(flag uint8) bool {
	return h.Flags&flag != 0
}
