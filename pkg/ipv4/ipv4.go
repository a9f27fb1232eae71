// Package ipv4 parses and edits the IPv4/TCP header fields the
// header-normalization and decoy transforms operate on, and gives the TUN
// backend stub a flow-key extraction path independent of the TCP-stream
// frontend.
package ipv4

// HeaderLen is the minimum (no-options) IPv4 header length in bytes.
const HeaderLen = 20

// TCPHeaderLen is the minimum (no-options) TCP header length in bytes.
const TCPHeaderLen = 20

const (
	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

// Header is a read-only view over an IPv4 packet's fixed header fields,
// backed by the original buffer — no bytes are copied.
type Header struct {
	data []byte
}

// Parse returns a Header over buf if buf begins with a well-formed IPv4
// header (version nibble 4, buffer at least as long as the header's own
// IHL claims), or ok=false otherwise. Never panics on a short or malformed
// buffer.
func Parse(buf []byte) (h Header, ok bool) {
	if len(buf) < HeaderLen {
		return Header{}, false
	}
	if buf[0]>>4 != 4 {
		return Header{}, false
	}
	ihl := int(buf[0]&0x0F) * 4
	if ihl < HeaderLen || len(buf) < ihl {
		return Header{}, false
	}
	return Header{data: buf}, true
}

// IHL returns the header length in bytes.
func (h Header) IHL() int { return int(h.data[0]&0x0F) * 4 }

// TTL returns the time-to-live byte.
func (h Header) TTL() byte { return h.data[8] }

// SetTTL overwrites the time-to-live byte.
func (h Header) SetTTL(ttl byte) { h.data[8] = ttl }

// ID returns the 16-bit IP identification field.
func (h Header) ID() uint16 { return uint16(h.data[4])<<8 | uint16(h.data[5]) }

// SetID overwrites the 16-bit IP identification field.
func (h Header) SetID(id uint16) {
	h.data[4] = byte(id >> 8)
	h.data[5] = byte(id)
}

// XORID xors the 16-bit IP identification field with mask.
func (h Header) XORID(mask uint16) {
	h.SetID(h.ID() ^ mask)
}

// Protocol returns the IP protocol number (6=TCP, 17=UDP, 1=ICMP, ...).
func (h Header) Protocol() uint8 { return h.data[9] }

// IsTCP reports whether Protocol is TCP.
func (h Header) IsTCP() bool { return h.Protocol() == protoTCP }

// SrcIP returns the 4-byte source address slice, aliasing the header.
func (h Header) SrcIP() []byte { return h.data[12:16] }

// DstIP returns the 4-byte destination address slice, aliasing the header.
func (h Header) DstIP() []byte { return h.data[16:20] }

// Payload returns the bytes following the IPv4 header (the TCP/UDP/ICMP
// segment), aliasing the header's backing buffer.
func (h Header) Payload() []byte { return h.data[h.IHL():] }

// TCPHeader is a read-only view over a TCP segment's fixed header fields.
type TCPHeader struct {
	data []byte
}

// ParseTCP returns a TCPHeader over buf if buf is at least TCPHeaderLen
// bytes long.
func ParseTCP(buf []byte) (t TCPHeader, ok bool) {
	if len(buf) < TCPHeaderLen {
		return TCPHeader{}, false
	}
	return TCPHeader{data: buf}, true
}

// SrcPort returns the 16-bit source port.
func (t TCPHeader) SrcPort() uint16 { return uint16(t.data[0])<<8 | uint16(t.data[1]) }

// DstPort returns the 16-bit destination port.
func (t TCPHeader) DstPort() uint16 { return uint16(t.data[2])<<8 | uint16(t.data[3]) }

// Window returns the 16-bit advertised window size.
func (t TCPHeader) Window() uint16 { return uint16(t.data[14])<<8 | uint16(t.data[15]) }

// SetWindow overwrites the 16-bit advertised window size.
func (t TCPHeader) SetWindow(w uint16) {
	t.data[14] = byte(w >> 8)
	t.data[15] = byte(w)
}

// TCPSegment returns a TCPHeader view over an IPv4 packet's TCP payload,
// or ok=false if h is not an IPv4/TCP packet or the payload is too short.
func TCPSegment(h Header) (t TCPHeader, ok bool) {
	if !h.IsTCP() {
		return TCPHeader{}, false
	}
	return ParseTCP(h.Payload())
}
