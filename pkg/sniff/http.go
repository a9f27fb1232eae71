package sniff

import "bytes"

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("HEAD"),
	[]byte("PUT "),
	[]byte("DELETE"),
	[]byte("OPTIONS"),
	[]byte("CONNECT"),
	[]byte("PATCH"),
}

var hostHeaderPrefix = []byte("Host:")

// IsHTTPRequest reports whether buf begins with a recognized HTTP/1.x
// request line method token.
func IsHTTPRequest(buf []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(buf, m) {
			return true
		}
	}
	return false
}

// FindHTTPHost scans buf for a "Host:" header (name matched
// case-insensitively) and returns its value, with leading spaces and tabs
// trimmed, and the byte offset of the value within buf. ok is false if no
// Host header is present before the first blank line (or end of buf).
func FindHTTPHost(buf []byte) (host string, offset int, ok bool) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	scanTo := len(buf)
	if headerEnd >= 0 {
		scanTo = headerEnd
	}

	lineStart := 0
	for lineStart < scanTo {
		lineEnd := bytes.IndexByte(buf[lineStart:scanTo], '\n')
		var line []byte
		var next int
		if lineEnd < 0 {
			line = buf[lineStart:scanTo]
			next = scanTo
		} else {
			line = buf[lineStart : lineStart+lineEnd]
			next = lineStart + lineEnd + 1
		}
		trimmedLine := bytes.TrimRight(line, "\r")

		if len(trimmedLine) >= len(hostHeaderPrefix) &&
			bytes.EqualFold(trimmedLine[:len(hostHeaderPrefix)], hostHeaderPrefix) {
			valueStart := lineStart + len(hostHeaderPrefix)
			value := trimmedLine[len(hostHeaderPrefix):]
			for len(value) > 0 && (value[0] == ' ' || value[0] == '\t') {
				value = value[1:]
				valueStart++
			}
			return string(value), valueStart, true
		}

		lineStart = next
	}

	return "", 0, false
}
