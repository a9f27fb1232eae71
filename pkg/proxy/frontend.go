// Package proxy implements the HTTP CONNECT / absolute-URI frontend and the
// SOCKS5 frontend, both sharing the same dial-resolve-bypass-relay pipeline
// so the fragmentation behavior is identical regardless of which protocol
// accepted the client connection.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/havenwall/dpifrag/pkg/bypass"
	"github.com/havenwall/dpifrag/pkg/doh"
	apperrors "github.com/havenwall/dpifrag/pkg/errors"
	"github.com/havenwall/dpifrag/pkg/sniff"
	"github.com/havenwall/dpifrag/pkg/stats"
	"github.com/havenwall/dpifrag/pkg/timing"
)

const (
	initialReadSize   = 4096
	defaultIdleTimeout = 30 * time.Second
)

// Settings configures a Frontend's behavior.
type Settings struct {
	ListenAddr     string
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxConnections int64
	Bypass         bypass.Config
}

// DefaultSettings returns sane defaults for Settings, leaving ListenAddr
// empty for the caller to fill in.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    defaultIdleTimeout,
		MaxConnections: 1000,
		Bypass:         bypass.DefaultConfig(),
	}
}

// Frontend accepts HTTP CONNECT and absolute-URI requests, resolves the
// target via DoH, dials it directly (no upstream proxy chaining), fragments
// the first outgoing segment per its Bypass config, and relays the rest of
// the connection unmodified.
type Frontend struct {
	settings Settings
	resolver *doh.Resolver
	stats    *stats.Stats
	logger   *slog.Logger

	activeConnections atomic.Int64
}

// NewFrontend builds a Frontend. A nil logger falls back to slog.Default.
func NewFrontend(settings Settings, resolver *doh.Resolver, st *stats.Stats, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Frontend{settings: settings, resolver: resolver, stats: st, logger: logger}
}

// ListenAndServe listens on f.settings.ListenAddr and accepts connections
// until ctx is canceled, at which point the listener is closed and
// ListenAndServe returns once the accept loop has exited.
func (f *Frontend) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", f.settings.ListenAddr)
	if err != nil {
		return apperrors.NewBindAccept(f.settings.ListenAddr, err)
	}
	if f.settings.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, int(f.settings.MaxConnections))
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	f.logger.Info("proxy frontend listening", "addr", f.settings.ListenAddr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				f.logger.Error("accept failed", "error", err)
				return err
			}
		}

		go f.handleConnection(conn)
	}
}

// ActiveConnections reports the number of connections currently being served.
func (f *Frontend) ActiveConnections() int64 {
	return f.activeConnections.Load()
}

func (f *Frontend) handleConnection(conn net.Conn) {
	f.activeConnections.Add(1)
	defer f.activeConnections.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic in connection handler", "error", r)
		}
	}()
	defer conn.Close()

	buf := make([]byte, initialReadSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	first := buf[:n]

	switch {
	case bytes.HasPrefix(first, []byte("CONNECT ")):
		f.handleConnect(conn, first)
	case sniff.IsHTTPRequest(first):
		f.handlePlainHTTP(conn, first)
	default:
		writeStatusLine(conn, 400, "Bad Request")
	}
}

func (f *Frontend) handleConnect(conn net.Conn, request []byte) {
	target, ok := parseConnectTarget(request)
	if !ok {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.settings.ConnectTimeout)
	defer cancel()

	upstream, err := f.dial(ctx, target)
	if err != nil {
		f.logger.Warn("connect failed", "target", target, "error", err)
		if apperrors.IsTimeout(err) {
			writeStatusLine(conn, 504, "Gateway Timeout")
		} else {
			writeStatusLine(conn, 502, "Bad Gateway")
		}
		return
	}
	defer upstream.Close()

	setNoDelay(conn)
	setNoDelay(upstream)

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	first := make([]byte, initialReadSize)
	n, err := conn.Read(first)
	if err != nil || n == 0 {
		return
	}

	if err := f.writeFragmented(upstream, first[:n]); err != nil {
		return
	}

	relay(conn, upstream, f.stats, f.settings.IdleTimeout)
}

func (f *Frontend) handlePlainHTTP(conn net.Conn, request []byte) {
	rewritten, target, ok := rewriteAbsoluteURI(request)
	if !ok {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.settings.ConnectTimeout)
	defer cancel()

	upstream, err := f.dial(ctx, target)
	if err != nil {
		f.logger.Warn("connect failed", "target", target, "error", err)
		if apperrors.IsTimeout(err) {
			writeStatusLine(conn, 504, "Gateway Timeout")
		} else {
			writeStatusLine(conn, 502, "Bad Gateway")
		}
		return
	}
	defer upstream.Close()

	if err := f.writeFragmented(upstream, rewritten); err != nil {
		return
	}

	relay(conn, upstream, f.stats, f.settings.IdleTimeout)
}

// dial resolves host via DoH (falling back to the OS resolver inside the
// resolver itself) and connects directly to the destination.
func (f *Frontend) dial(ctx context.Context, hostPort string) (net.Conn, error) {
	t := timing.NewTimer()

	t.StartDNS()
	addrPort, err := f.resolver.ResolveHostPort(ctx, hostPort)
	t.EndDNS()
	if err != nil {
		return nil, err
	}

	t.StartTCP()
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addrPort.String())
	t.EndTCP()
	if err != nil {
		host, portStr, _ := net.SplitHostPort(hostPort)
		port, _ := strconv.Atoi(portStr)
		if ctx.Err() != nil {
			return nil, apperrors.NewUpstreamTimeout(host, port, f.settings.ConnectTimeout)
		}
		return nil, apperrors.NewUpstreamConnectFailed(host, port, err)
	}

	f.logger.Debug("flow dialed", "target", hostPort, "timing", t.Metrics().String())
	return conn, nil
}

// writeFragmented splits data per the frontend's bypass config and writes
// each fragment to upstream in order, sleeping InterFragDelay between
// writes.
func (f *Frontend) writeFragmented(upstream net.Conn, data []byte) error {
	engine := bypass.New(f.settings.Bypass)
	result := engine.ProcessOutgoing(data)

	for i, fragment := range result.Fragments {
		if _, err := upstream.Write(fragment); err != nil {
			return err
		}
		if i < len(result.Fragments)-1 && result.InterFragDelay > 0 {
			time.Sleep(result.InterFragDelay)
		}
	}
	return nil
}

func setNoDelay(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}

func writeStatusLine(conn net.Conn, code int, text string) {
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", code, text)
}

// parseConnectTarget extracts "host:port" from a "CONNECT host[:port] HTTP/..."
// request line, defaulting the port to 443 when omitted.
func parseConnectTarget(request []byte) (string, bool) {
	line := firstLine(request)
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "CONNECT" {
		return "", false
	}
	target := fields[1]
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	return target, true
}

// rewriteAbsoluteURI rewrites "METHOD http://host[:port]/path HTTP/x" into
// origin-form ("METHOD /path HTTP/x"), returning the rewritten request bytes
// and the "host:port" to dial.
func rewriteAbsoluteURI(request []byte) ([]byte, string, bool) {
	line := firstLine(request)
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, "", false
	}
	method, uri, proto := fields[0], fields[1], fields[2]
	if !strings.HasPrefix(uri, "http://") {
		return nil, "", false
	}

	rest := uri[len("http://"):]
	slash := strings.IndexByte(rest, '/')
	hostPort := rest
	path := "/"
	if slash >= 0 {
		hostPort = rest[:slash]
		path = rest[slash:]
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(hostPort, "80")
	}

	newLine := fmt.Sprintf("%s %s %s", method, path, proto)
	rest2 := request[len(line):]
	rewritten := append([]byte(newLine), rest2...)
	return rewritten, hostPort, true
}

func firstLine(buf []byte) string {
	if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
		end := idx
		if end > 0 && buf[end-1] == '\r' {
			end--
		}
		return string(buf[:end])
	}
	return string(buf)
}

// relay copies bytes bidirectionally between client and upstream until
// either side closes or goes idle for longer than idleTimeout, then tears
// both down.
func relay(client, upstream net.Conn, st *stats.Stats, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyWithIdleTimeout(upstream, client, idleTimeout, st)
		closeAll()
	}()

	go func() {
		defer wg.Done()
		copyWithIdleTimeout(client, upstream, idleTimeout, st)
		closeAll()
	}()

	wg.Wait()
}

func copyWithIdleTimeout(dst io.Writer, src net.Conn, idleTimeout time.Duration, st *stats.Stats) {
	buf := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if st != nil {
				st.RecordPacketIn(n)
			}
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return
			}
			if st != nil {
				st.RecordPacketOut(n)
			}
		}
		if err != nil {
			return
		}
	}
}
