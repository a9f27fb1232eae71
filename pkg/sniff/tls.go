// Package sniff classifies the first bytes of a client TCP flow as a TLS
// ClientHello, an HTTP request, or unknown, and extracts the SNI / Host
// header without mutating the input buffer.
package sniff

const (
	tlsHandshakeContentType = 0x16
	tlsHandshakeClientHello = 0x01
	extServerName           = 0x0000
	sniHostName             = 0x00
)

// ClientHelloInfo holds byte offsets into the *original* buffer passed to
// ParseClientHello. Offsets stay valid for a byte-for-byte copy of that
// buffer; they are meaningless once the bytes are mutated.
type ClientHelloInfo struct {
	RecordOffset   int
	RecordLength   int
	SNIOffset      int
	SNILength      int
	SNIHostname    string
	RecordVersion  [2]byte
	ClientVersion  [2]byte
	IsValid        bool
}

// HasSNI reports whether a server_name extension was found and decoded.
func (c ClientHelloInfo) HasSNI() bool {
	return c.SNIHostname != ""
}

// IsClientHello reports whether buf begins with a TLS handshake record
// carrying a ClientHello message.
//
// True iff len>=6, buf[0]==0x16 (handshake), buf[1]==0x03 (SSL/TLS major
// version) and buf[2]<=0x04 (TLS 1.0-1.3 minor version), and buf[5]==0x01
// (ClientHello handshake type).
func IsClientHello(buf []byte) bool {
	if len(buf) < 6 {
		return false
	}
	return buf[0] == tlsHandshakeContentType &&
		buf[1] == 0x03 &&
		buf[2] <= 0x04 &&
		buf[5] == tlsHandshakeClientHello
}

// ParseClientHello walks a TLS record looking for the server_name (SNI)
// extension. It never panics: any length violation stops the walk and
// returns the info populated up to the last safely parsed field, with
// IsValid set true only once the handshake type byte itself was verified.
func ParseClientHello(buf []byte) ClientHelloInfo {
	var info ClientHelloInfo

	pos := 0
	if len(buf) < 5 {
		return info
	}
	info.RecordOffset = 0
	if buf[0] != tlsHandshakeContentType {
		return info
	}
	info.RecordVersion = [2]byte{buf[1], buf[2]}
	recordLen := int(buf[3])<<8 | int(buf[4])
	info.RecordLength = recordLen
	pos = 5

	if len(buf) < pos+4 {
		return info
	}
	if buf[pos] != tlsHandshakeClientHello {
		return info
	}
	info.IsValid = true
	// handshake length is 3 bytes, skip it (not used beyond bounds checks below)
	pos += 4

	if len(buf) < pos+2 {
		return info
	}
	info.ClientVersion = [2]byte{buf[pos], buf[pos+1]}
	pos += 2

	if len(buf) < pos+32 {
		return info
	}
	pos += 32

	if len(buf) < pos+1 {
		return info
	}
	sessionIDLen := int(buf[pos])
	pos++
	if len(buf) < pos+sessionIDLen {
		return info
	}
	pos += sessionIDLen

	if len(buf) < pos+2 {
		return info
	}
	cipherSuitesLen := int(buf[pos])<<8 | int(buf[pos+1])
	pos += 2
	if len(buf) < pos+cipherSuitesLen {
		return info
	}
	pos += cipherSuitesLen

	if len(buf) < pos+1 {
		return info
	}
	compressionLen := int(buf[pos])
	pos++
	if len(buf) < pos+compressionLen {
		return info
	}
	pos += compressionLen

	if len(buf) < pos+2 {
		return info
	}
	extensionsLen := int(buf[pos])<<8 | int(buf[pos+1])
	pos += 2
	extensionsEnd := pos + extensionsLen
	if extensionsEnd > len(buf) {
		extensionsEnd = len(buf)
	}

	for pos+4 <= extensionsEnd {
		extType := int(buf[pos])<<8 | int(buf[pos+1])
		extLen := int(buf[pos+2])<<8 | int(buf[pos+3])
		extStart := pos + 4
		if extStart+extLen > len(buf) {
			break
		}

		if extType == extServerName {
			p := extStart
			if p+2 > len(buf) {
				break
			}
			// server_name_list length, unused beyond the bounds it implies
			p += 2
			if p+1 > len(buf) {
				break
			}
			nameType := buf[p]
			p++
			if p+2 > len(buf) {
				break
			}
			nameLen := int(buf[p])<<8 | int(buf[p+1])
			p += 2
			if nameType == sniHostName && p+nameLen <= len(buf) {
				info.SNIOffset = p
				info.SNILength = nameLen
				if isValidUTF8(buf[p : p+nameLen]) {
					info.SNIHostname = string(buf[p : p+nameLen])
				}
			}
			break
		}

		pos = extStart + extLen
	}

	return info
}

func isValidUTF8(b []byte) bool {
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return false
			}
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return false
			}
			i += 3
		case c&0xF8 == 0xF0:
			if i+3 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 || b[i+3]&0xC0 != 0x80 {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}
