// Package backend declares the capability every packet-delivery backend
// implements (Start/Stop/Stats) and the raw-IPv4 flow-key extraction path
// shared by backends that see whole packets rather than a TCP byte stream.
package backend

import (
	"context"
	"net/netip"

	apperrors "github.com/havenwall/dpifrag/pkg/errors"
	"github.com/havenwall/dpifrag/pkg/flow"
	"github.com/havenwall/dpifrag/pkg/ipv4"
	"github.com/havenwall/dpifrag/pkg/stats"
)

func addrFromBytes(b []byte) (netip.Addr, bool) {
	if len(b) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]}), true
}

func protocolFromIPv4(ipProto uint8) flow.Protocol {
	switch ipProto {
	case 6:
		return flow.ProtocolTCP
	case 17:
		return flow.ProtocolUDP
	case 1:
		return flow.ProtocolICMP
	default:
		return flow.ProtocolTCP
	}
}

// Backend is the Start/Stop/Stats capability of a packet-delivery
// mechanism. TUNBackend implements it; the proxy frontends do not (they
// expose ListenAndServe instead), and the engine does not use it.
type Backend interface {
	Start(ctx context.Context) error
	Stop() error
	Stats() *stats.Stats
}

// KeyFromIPv4 derives a flow.Key from a raw IPv4 packet, the flow-key
// extraction path a packet-level backend uses in place of a TCP
// CONNECT/SOCKS5 request line. Returns ok=false for anything that isn't a
// well-formed IPv4 packet. Ports are read only from a TCP segment with a
// full header and are zero otherwise; IP protocols other than UDP and ICMP
// are keyed as TCP.
func KeyFromIPv4(packet []byte) (flow.Key, bool) {
	header, ok := ipv4.Parse(packet)
	if !ok {
		return flow.Key{}, false
	}

	src, srcOK := addrFromBytes(header.SrcIP())
	dst, dstOK := addrFromBytes(header.DstIP())
	if !srcOK || !dstOK {
		return flow.Key{}, false
	}

	proto := protocolFromIPv4(header.Protocol())

	var srcPort, dstPort uint16
	if tcp, ok := ipv4.TCPSegment(header); ok {
		srcPort, dstPort = tcp.SrcPort(), tcp.DstPort()
	}

	return flow.New(src, dst, srcPort, dstPort, proto), true
}

// TUNBackend is a stub matching the reference's own non-functional
// posture: a raw-socket TUN device alternative to the CONNECT/SOCKS5
// frontends, declared for platform parity but never brought up, since
// nothing in the corpus demonstrates a portable raw TUN implementation
// worth copying.
type TUNBackend struct {
	deviceName string
	st         *stats.Stats
}

// NewTUNBackend builds a TUNBackend bound to the given device name.
func NewTUNBackend(deviceName string) *TUNBackend {
	return &TUNBackend{deviceName: deviceName, st: stats.New()}
}

// Start always fails: TUN packet delivery requires a platform-specific raw
// socket or device driver this module does not implement.
func (t *TUNBackend) Start(ctx context.Context) error {
	return apperrors.NewBindAccept(t.deviceName,
		errNotSupported("TUN backend not supported on this platform"))
}

// Stop is a no-op; Start never leaves anything running to tear down.
func (t *TUNBackend) Stop() error { return nil }

// Stats returns the backend's (always-empty) counters.
func (t *TUNBackend) Stats() *stats.Stats { return t.st }

type errNotSupported string

func (e errNotSupported) Error() string { return string(e) }
