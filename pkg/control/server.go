package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/engine"
)

// DefaultSocketPath is the control socket the CLI dials when --socket is
// not given.
const DefaultSocketPath = "/tmp/dpifrag.sock"

// DefaultMaxClients caps concurrently connected control clients.
const DefaultMaxClients = 10

// Server is the UNIX-domain control plane: one line-delimited-JSON Request
// per line in, one Response per line out, with subscribed clients also
// receiving interleaved Notification lines.
type Server struct {
	socketPath string
	maxClients int
	eng        *engine.Engine
	logger     *slog.Logger

	mu          sync.Mutex
	clients     int
	subscribers map[*client]struct{}
}

type client struct {
	conn   net.Conn
	mu     sync.Mutex // guards writes so notifications and responses don't interleave mid-line
	sendCh chan Notification
}

// New builds a Server bound to an Engine. socketPath defaults to
// DefaultSocketPath and maxClients to DefaultMaxClients when zero.
func New(socketPath string, maxClients int, eng *engine.Engine, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:  socketPath,
		maxClients:  maxClients,
		eng:         eng,
		logger:      logger,
		subscribers: make(map[*client]struct{}),
	}
}

// ListenAndServe binds the UNIX socket and serves control connections until
// ctx is canceled. A stale socket file from a previous crashed run is
// removed before binding.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control socket listen: %w", err)
	}
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control plane listening", "socket", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		s.mu.Lock()
		if s.clients >= s.maxClients {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.clients++
		s.mu.Unlock()

		go s.handleClient(ctx, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, sendCh: make(chan Notification, 32)}

	defer func() {
		conn.Close()
		s.mu.Lock()
		s.clients--
		delete(s.subscribers, c)
		s.mu.Unlock()
	}()

	go c.writeNotifications()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		var req Request
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(c, errorResponse("", "invalid request: "+err.Error()))
			continue
		}

		resp := s.dispatch(ctx, c, req)
		s.writeResponse(c, resp)
	}
}

func (c *client) writeNotifications() {
	for n := range c.sendCh {
		raw, err := json.Marshal(n)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.conn.Write(append(raw, '\n'))
		c.mu.Unlock()
	}
}

func (s *Server) writeResponse(c *client, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.conn.Write(append(raw, '\n'))
	c.mu.Unlock()
}

func (s *Server) dispatch(ctx context.Context, c *client, req Request) Response {
	switch req.Command.Type {
	case CommandPing:
		return okResponse(req.ID, "pong")

	case CommandHealth:
		return okResponse(req.ID, HealthResult{
			APIVersion: APIVersion,
			State:      string(s.eng.State()),
			UptimeSecs: int64(s.eng.Uptime().Seconds()),
		})

	case CommandGetStatus:
		return okResponse(req.ID, StatusResult{
			State:      string(s.eng.State()),
			UptimeSecs: int64(s.eng.Uptime().Seconds()),
		})

	case CommandStart:
		if err := s.eng.Start(ctx); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		s.broadcast(NotificationStateChanged, nil)
		return okResponse(req.ID, StatusResult{State: string(s.eng.State())})

	case CommandStop:
		if err := s.eng.Stop(5 * time.Second); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		s.broadcast(NotificationStateChanged, nil)
		return okResponse(req.ID, StatusResult{State: string(s.eng.State())})

	case CommandGetConfig:
		cfg := s.eng.Config()
		return okResponse(req.ID, cfg)

	case CommandSetConfig, CommandReload:
		var cfg config.Config
		if err := json.Unmarshal(req.Command.Data, &cfg); err != nil {
			return errorResponse(req.ID, "invalid config payload: "+err.Error())
		}
		if err := s.eng.Reload(cfg); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		s.broadcast(NotificationConfigReload, nil)
		return okResponse(req.ID, "reloaded")

	case CommandGetStats:
		return okResponse(req.ID, s.eng.Stats().Snapshot())

	case CommandResetStats:
		s.eng.Stats().Reset()
		return okResponse(req.ID, "reset")

	case CommandSubscribe:
		s.mu.Lock()
		s.subscribers[c] = struct{}{}
		s.mu.Unlock()
		return okResponse(req.ID, "subscribed")

	default:
		return errorResponse(req.ID, fmt.Sprintf("unknown command %q", req.Command.Type))
	}
}

func (s *Server) broadcast(kind NotificationKind, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := Notification{Type: "notification", Kind: kind, Timestamp: time.Now().Unix(), Data: data}
	for c := range s.subscribers {
		select {
		case c.sendCh <- n:
		default:
		}
	}
}
