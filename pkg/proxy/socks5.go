package proxy

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/havenwall/dpifrag/pkg/bypass"
	"github.com/havenwall/dpifrag/pkg/doh"
	apperrors "github.com/havenwall/dpifrag/pkg/errors"
	"github.com/havenwall/dpifrag/pkg/stats"
	"github.com/havenwall/dpifrag/pkg/timing"
)

// SOCKS5 reply codes, per RFC 1928 §6 and the reference backend.
const (
	socks5ReplySuccess            byte = 0x00
	socks5ReplyHostUnreachable    byte = 0x04
	socks5ReplyConnectionRefused  byte = 0x05
	socks5ReplyCommandUnsupported byte = 0x07
	socks5ReplyAddrTypeUnsupported byte = 0x08
)

const (
	socks5Version   byte = 0x05
	socks5NoAuth    byte = 0x00
	socks5CmdConnect byte = 0x01
	socks5AtypIPv4  byte = 0x01
	socks5AtypDomain byte = 0x03
	socks5AtypIPv6  byte = 0x04
)

// SOCKS5Frontend accepts SOCKS5 CONNECT requests (BIND and UDP ASSOCIATE are
// not implemented, matching the reference backend), resolving and dialing
// the target through the same bypass-fragmentation pipeline as Frontend.
type SOCKS5Frontend struct {
	settings Settings
	resolver *doh.Resolver
	stats    *stats.Stats
	logger   *slog.Logger

	activeConnections atomic.Int64
}

// NewSOCKS5Frontend builds a SOCKS5Frontend. A nil logger falls back to
// slog.Default.
func NewSOCKS5Frontend(settings Settings, resolver *doh.Resolver, st *stats.Stats, logger *slog.Logger) *SOCKS5Frontend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SOCKS5Frontend{settings: settings, resolver: resolver, stats: st, logger: logger}
}

// ListenAndServe listens on s.settings.ListenAddr and accepts SOCKS5
// connections until ctx is canceled.
func (s *SOCKS5Frontend) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.settings.ListenAddr)
	if err != nil {
		return apperrors.NewBindAccept(s.settings.ListenAddr, err)
	}
	if s.settings.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, int(s.settings.MaxConnections))
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socks5 frontend listening", "addr", s.settings.ListenAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", "error", err)
				return err
			}
		}

		go s.handleConnection(conn)
	}
}

// ActiveConnections reports the number of connections currently being served.
func (s *SOCKS5Frontend) ActiveConnections() int64 {
	return s.activeConnections.Load()
}

func (s *SOCKS5Frontend) handleConnection(conn net.Conn) {
	s.activeConnections.Add(1)
	defer s.activeConnections.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in socks5 handler", "error", r)
		}
	}()
	defer conn.Close()

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		return
	}
	if greeting[0] != socks5Version {
		s.logger.Warn("unsupported SOCKS version", "version", greeting[0])
		return
	}

	methods := make([]byte, greeting[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return
	}
	if !containsByte(methods, socks5NoAuth) {
		conn.Write([]byte{socks5Version, 0xFF})
		return
	}
	if _, err := conn.Write([]byte{socks5Version, socks5NoAuth}); err != nil {
		return
	}

	request := make([]byte, 4)
	if _, err := io.ReadFull(conn, request); err != nil {
		return
	}
	cmd, atyp := request[1], request[3]

	if cmd != socks5CmdConnect {
		s.reply(conn, socks5ReplyCommandUnsupported)
		return
	}

	hostPort, ok := s.readTarget(conn, atyp)
	if !ok {
		s.reply(conn, socks5ReplyAddrTypeUnsupported)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.ConnectTimeout)
	defer cancel()

	t := timing.NewTimer()
	t.StartDNS()
	addrPort, err := s.resolver.ResolveHostPort(ctx, hostPort)
	t.EndDNS()
	if err != nil {
		s.reply(conn, socks5ReplyHostUnreachable)
		return
	}

	var d net.Dialer
	t.StartTCP()
	upstream, err := d.DialContext(ctx, "tcp", addrPort.String())
	t.EndTCP()
	if err != nil {
		s.logger.Warn("connect failed", "target", hostPort, "error", err)
		s.reply(conn, socks5ReplyConnectionRefused)
		return
	}
	defer upstream.Close()
	s.logger.Debug("flow dialed", "target", hostPort, "timing", t.Metrics().String())

	if !s.reply(conn, socks5ReplySuccess) {
		return
	}

	first := make([]byte, initialReadSize)
	n, err := conn.Read(first)
	if err != nil || n == 0 {
		return
	}

	engine := bypass.New(s.settings.Bypass)
	result := engine.ProcessOutgoing(first[:n])
	for i, fragment := range result.Fragments {
		if _, err := upstream.Write(fragment); err != nil {
			return
		}
		if i < len(result.Fragments)-1 && result.InterFragDelay > 0 {
			time.Sleep(result.InterFragDelay)
		}
	}

	relay(conn, upstream, s.stats, s.settings.IdleTimeout)
}

func (s *SOCKS5Frontend) readTarget(conn net.Conn, atyp byte) (string, bool) {
	switch atyp {
	case socks5AtypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", false
		}
		port, ok := readPort(conn)
		if !ok {
			return "", false
		}
		ip := netip.AddrFrom4(addr)
		return net.JoinHostPort(ip.String(), strconv.Itoa(int(port))), true

	case socks5AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", false
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", false
		}
		port, ok := readPort(conn)
		if !ok {
			return "", false
		}
		return net.JoinHostPort(string(domain), strconv.Itoa(int(port))), true

	case socks5AtypIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", false
		}
		port, ok := readPort(conn)
		if !ok {
			return "", false
		}
		ip := netip.AddrFrom16(addr)
		return net.JoinHostPort(ip.String(), strconv.Itoa(int(port))), true

	default:
		return "", false
	}
}

func readPort(conn net.Conn) (uint16, bool) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf), true
}

// reply writes a SOCKS5 reply with an all-zero BND.ADDR/BND.PORT, matching
// the reference backend which never reports a real bound address.
func (s *SOCKS5Frontend) reply(conn net.Conn, code byte) bool {
	response := []byte{socks5Version, code, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(response)
	return err == nil
}

func containsByte(haystack []byte, b byte) bool {
	for _, v := range haystack {
		if v == b {
			return true
		}
	}
	return false
}
