package packet

// ZCPacket ("zero-copy packet") is a header+payload buffer designed for
// fan-out: Clone shares the same backing array across all the connections
// a single inbound or locally-originated packet is broadcast to, so that
// broadcast delivery to N peers costs one allocation, not N. A receiver
// that needs to mutate its copy in place (to patch `To`, or to encrypt)
// must call CloneForMutation first.
type ZCPacket struct {
	buf []byte
}

// New wraps buf, which must already hold an encoded Header in its first
// HeaderSize bytes followed by the payload, as a ZCPacket.
func New(buf []byte) *ZCPacket {
	return &ZCPacket{buf: buf}
}

// Build encodes header and appends payload into a new ZCPacket.
func Build(header Header, payload []byte) *ZCPacket {
	buf := make([]byte, HeaderSize+len(payload))
	header.Encode(buf)
	copy(buf[HeaderSize:], payload)
	return &ZCPacket{buf: buf}
}

// Header decodes and returns the packet's header.
func (p *ZCPacket) Header() (Header, error) {
	return DecodeHeader(p.buf)
}

// Payload returns the bytes following the header. The returned slice
// aliases the packet's backing array.
func (p *ZCPacket) Payload() []byte {
	if len(p.buf) <= HeaderSize {
		return nil
	}
	return p.buf[HeaderSize:]
}

// Bytes returns the full header+payload buffer. The returned slice aliases
// the packet's backing array; callers must not retain it across a
// CloneForMutation of the same logical packet.
func (p *ZCPacket) Bytes() []byte {
	return p.buf
}

// Clone returns a ZCPacket sharing this packet's backing array. Safe for
// concurrent fan-out to multiple read-only consumers; unsafe to mutate.
func (p *ZCPacket) Clone() *ZCPacket {
	return &ZCPacket{buf: p.buf}
}

// CloneForMutation returns a ZCPacket with its own backing array, safe to
// mutate (e.g. to patch the destination peer id or encrypt in place)
// without affecting any other clone of the original packet.
func (p *ZCPacket) CloneForMutation() *ZCPacket {
	cp := make([]byte, len(p.buf))
	copy(cp, p.buf)
	return &ZCPacket{buf: cp}
}

// SetHeader re-encodes header into the packet's own buffer. Callers must
// have obtained this packet via CloneForMutation (or New/Build) unless they
// are certain no other clone of the backing array is in use.
func (p *ZCPacket) SetHeader(header Header) error {
	return header.Encode(p.buf)
}

// SetPayload replaces everything after the header with payload. Unlike
// SetHeader, it copies the header and payload into a newly allocated
// buffer and points this packet at it, so other clones of the old
// backing array are not affected.
func (p *ZCPacket) SetPayload(payload []byte) {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf, p.buf[:HeaderSize])
	copy(buf[HeaderSize:], payload)
	p.buf = buf
}

// Len returns the total length of the header+payload buffer.
func (p *ZCPacket) Len() int {
	return len(p.buf)
}
