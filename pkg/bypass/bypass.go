// Package bypass implements the fragmentation strategies that split an
// outgoing TLS ClientHello or HTTP request across multiple TCP segments so
// that a DPI middlebox inspecting a single packet never sees the SNI or
// Host header intact.
package bypass

import (
	"strings"
	"time"

	"github.com/havenwall/dpifrag/pkg/sniff"
)

// Config controls how outgoing ClientHello/HTTP-request bytes are split.
type Config struct {
	FragmentSNI  bool
	TLSSplitPos  int
	FragmentHost bool
	HTTPSplitPos int

	SendFakePackets  bool
	FakePacketTTL    uint8
	FragmentDelay    time.Duration
	UseTCPSegments   bool
	MinSegmentSize   int
	MaxSegmentSize   int
}

// DefaultConfig mirrors the engine's built-in default profile.
func DefaultConfig() Config {
	return Config{
		FragmentSNI:    true,
		TLSSplitPos:    3,
		FragmentHost:   true,
		HTTPSplitPos:   2,
		UseTCPSegments: true,
		MinSegmentSize: 1,
		MaxSegmentSize: 40,
	}
}

// TurkTelekom is an ISP-tuned preset for Türk Telekom's DPI deployment.
func TurkTelekom() Config {
	return Config{
		FragmentSNI:    true,
		TLSSplitPos:    2,
		FragmentHost:   true,
		HTTPSplitPos:   2,
		UseTCPSegments: true,
		MinSegmentSize: 1,
		MaxSegmentSize: 20,
	}
}

// VodafoneTR is an ISP-tuned preset for Vodafone Turkey.
func VodafoneTR() Config {
	return Config{
		FragmentSNI:    true,
		TLSSplitPos:    3,
		FragmentHost:   true,
		HTTPSplitPos:   3,
		FragmentDelay:  100 * time.Microsecond,
		UseTCPSegments: true,
		MinSegmentSize: 1,
		MaxSegmentSize: 30,
	}
}

// Superonline is an ISP-tuned preset for Turkcell Superonline.
func Superonline() Config {
	return Config{
		FragmentSNI:    true,
		TLSSplitPos:    1,
		FragmentHost:   true,
		HTTPSplitPos:   1,
		UseTCPSegments: true,
		MinSegmentSize: 1,
		MaxSegmentSize: 15,
	}
}

// Aggressive splits at the SNI midpoint (TLSSplitPos=0) with a wide
// inter-fragment delay; use when the ISP presets above are insufficient.
func Aggressive() Config {
	return Config{
		FragmentSNI:    true,
		TLSSplitPos:    0,
		FragmentHost:   true,
		HTTPSplitPos:   1,
		FakePacketTTL:  3,
		FragmentDelay:  10 * time.Millisecond,
		UseTCPSegments: true,
		MinSegmentSize: 1,
		MaxSegmentSize: 5,
	}
}

// Protocol identifies what ProcessOutgoing detected in the supplied buffer.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolTLSClientHello
	ProtocolHTTPRequest
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTLSClientHello:
		return "tls_client_hello"
	case ProtocolHTTPRequest:
		return "http_request"
	default:
		return "unknown"
	}
}

// Result is the outcome of fragmenting one outgoing buffer. Concatenating
// Fragments in order always reproduces the original input exactly.
type Result struct {
	Fragments      [][]byte
	InterFragDelay time.Duration
	FakePacket     []byte
	Modified       bool
	Protocol       Protocol
	Hostname       string
}

// Engine applies a Config's fragmentation rules to outgoing buffers.
type Engine struct {
	config Config
}

// New builds an Engine bound to the given Config.
func New(config Config) *Engine {
	return &Engine{config: config}
}

// ProcessOutgoing classifies data as a TLS ClientHello, an HTTP request, or
// unknown, and fragments it accordingly. Unknown data passes through
// unmodified as a single fragment.
func (e *Engine) ProcessOutgoing(data []byte) Result {
	result := Result{Protocol: ProtocolUnknown}

	switch {
	case sniff.IsClientHello(data):
		result.Protocol = ProtocolTLSClientHello
		e.processTLSClientHello(data, &result)
	case sniff.IsHTTPRequest(data):
		result.Protocol = ProtocolHTTPRequest
		e.processHTTPRequest(data, &result)
	default:
		result.Fragments = append(result.Fragments, data)
	}

	return result
}

func (e *Engine) processTLSClientHello(data []byte, result *Result) {
	if !e.config.FragmentSNI {
		result.Fragments = append(result.Fragments, data)
		return
	}

	info := sniff.ParseClientHello(data)
	if !info.IsValid {
		result.Fragments = append(result.Fragments, data)
		return
	}
	result.Hostname = info.SNIHostname

	var splitPos int
	switch {
	case e.config.TLSSplitPos > 0:
		splitPos = min(e.config.TLSSplitPos, len(data)-1)
	case info.HasSNI():
		if info.SNILength > 2 {
			splitPos = info.SNIOffset + info.SNILength/2
		} else {
			splitPos = info.SNIOffset
		}
		splitPos = min(splitPos, len(data)-1)
	default:
		splitPos = min(5, len(data)-1)
	}

	if splitPos <= 0 || splitPos >= len(data) {
		result.Fragments = append(result.Fragments, data)
		return
	}

	segmentSize := e.config.MaxSegmentSize
	if segmentSize > 0 && segmentSize < splitPos {
		pos := 0
		for pos < splitPos {
			end := min(pos+segmentSize, splitPos)
			result.Fragments = append(result.Fragments, data[pos:end])
			pos = end
		}
		result.Fragments = append(result.Fragments, data[splitPos:])
	} else {
		result.Fragments = append(result.Fragments, data[:splitPos], data[splitPos:])
	}
	result.Modified = true
	if e.config.FragmentDelay > 0 {
		result.InterFragDelay = e.config.FragmentDelay
	}

	if e.config.SendFakePackets && result.Modified {
		result.FakePacket = generateFakeTLSPacket(data, info)
	}
}

func (e *Engine) processHTTPRequest(data []byte, result *Result) {
	if !e.config.FragmentHost {
		result.Fragments = append(result.Fragments, data)
		return
	}

	host, hostOffset, ok := sniff.FindHTTPHost(data)
	if !ok {
		result.Fragments = append(result.Fragments, data)
		return
	}
	result.Hostname = host

	headerStart, ok := findHostHeaderStart(data)
	if !ok {
		result.Fragments = append(result.Fragments, data)
		return
	}
	_ = hostOffset

	splitPos := min(headerStart+e.config.HTTPSplitPos, len(data)-1)
	if splitPos <= 0 || splitPos >= len(data) {
		result.Fragments = append(result.Fragments, data)
		return
	}

	result.Fragments = append(result.Fragments, data[:splitPos], data[splitPos:])
	result.Modified = true
	if e.config.FragmentDelay > 0 {
		result.InterFragDelay = e.config.FragmentDelay
	}
}

func generateFakeTLSPacket(original []byte, info sniff.ClientHelloInfo) []byte {
	fake := make([]byte, len(original))
	copy(fake, original)
	if info.HasSNI() {
		end := info.SNIOffset + info.SNILength
		if end <= len(fake) {
			for i := info.SNIOffset; i < end; i++ {
				fake[i] = 'x'
			}
		}
	}
	return fake
}

// findHostHeaderStart returns the byte offset of the line beginning the
// "Host:" header (case-insensitive), one past the preceding newline.
func findHostHeaderStart(data []byte) (int, bool) {
	lower := strings.ToLower(string(data))
	idx := strings.Index(lower, "\nhost:")
	if idx < 0 {
		return 0, false
	}
	return idx + 1, true
}
