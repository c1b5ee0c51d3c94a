package peerconn

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/netspan/meshcore/internal/identity"
)

// wireKind tags what follows on the control stream: the handshake messages
// and the keepalive pair travel alongside ordinary overlay packets on the
// same stream, so every write is prefixed with one of these.
type wireKind uint8

const (
	wireHello       wireKind = 1
	wireHelloAck    wireKind = 2
	wirePacket      wireKind = 3
	wireKeepalive   wireKind = 4
	wireKeepaliveAck wireKind = 5
)

const maxWireMessage = 1 << 20 // 1 MiB

// encodeWireMessage builds a length-prefixed, kind-tagged message ready to
// write to the stream in one call, so the outbound queue can hold fully
// framed messages instead of (kind, body) pairs.
func encodeWireMessage(kind wireKind, body []byte) []byte {
	msg := make([]byte, 5+len(body))
	msg[0] = uint8(kind)
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(body)))
	copy(msg[5:], body)
	return msg
}

// writeWireMessage encodes and writes a length-prefixed, kind-tagged message.
func writeWireMessage(w io.Writer, kind wireKind, body []byte) error {
	if _, err := w.Write(encodeWireMessage(kind, body)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readWireMessage reads one length-prefixed, kind-tagged message.
func readWireMessage(r io.Reader) (wireKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	kind := wireKind(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxWireMessage {
		return 0, nil, fmt.Errorf("wire message of %d bytes exceeds maximum", length)
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("read message body: %w", err)
		}
	}
	return kind, body, nil
}

// helloMessage is exchanged at the start of every connection to gate
// admission by network identity and exchange addressing information.
type helloMessage struct {
	PeerID      identity.PeerID
	NodeID      identity.NodeID
	NetworkName string
	Secret      []byte
}

func encodeHello(h helloMessage) []byte {
	nameBytes := []byte(h.NetworkName)
	buf := make([]byte, 4+16+2+len(nameBytes)+2+len(h.Secret))
	offset := 0
	binary.BigEndian.PutUint32(buf[offset:], uint32(h.PeerID))
	offset += 4
	copy(buf[offset:], h.NodeID[:])
	offset += 16
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(nameBytes)))
	offset += 2
	copy(buf[offset:], nameBytes)
	offset += len(nameBytes)
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(h.Secret)))
	offset += 2
	copy(buf[offset:], h.Secret)
	return buf
}

func decodeHello(buf []byte) (helloMessage, error) {
	if len(buf) < 4+16+2 {
		return helloMessage{}, fmt.Errorf("hello message too short")
	}
	var h helloMessage
	offset := 0
	h.PeerID = identity.PeerID(binary.BigEndian.Uint32(buf[offset:]))
	offset += 4
	copy(h.NodeID[:], buf[offset:offset+16])
	offset += 16
	nameLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+nameLen+2 {
		return helloMessage{}, fmt.Errorf("hello message truncated in name")
	}
	h.NetworkName = string(buf[offset : offset+nameLen])
	offset += nameLen
	secretLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+secretLen {
		return helloMessage{}, fmt.Errorf("hello message truncated in secret")
	}
	h.Secret = append([]byte(nil), buf[offset:offset+secretLen]...)
	return h, nil
}

func encodeKeepalive(timestampNanos uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, timestampNanos)
	return buf
}

func decodeKeepalive(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("keepalive payload must be 8 bytes, got %d", len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}
