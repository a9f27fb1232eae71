package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a short-lived connection to a running Server, used by the CLI's
// start/stop/status/health/stats commands to talk to an already-running
// engine process.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int
}

// Dial connects to a control socket with a fixed timeout.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", socketPath, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	return &Client{conn: conn, scanner: scanner}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends one command and waits for its correlated response.
func (c *Client) Call(cmdType CommandType, data json.RawMessage) (Response, error) {
	c.nextID++
	req := Request{
		ID:      fmt.Sprintf("%d", c.nextID),
		Command: Command{Type: cmdType, Data: data},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.Write(append(raw, '\n')); err != nil {
		return Response{}, err
	}

	for c.scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.ID != req.ID {
			// Not our response — likely an interleaved notification the
			// caller didn't subscribe to expect; keep reading.
			continue
		}
		return resp, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Response{}, err
	}
	return Response{}, fmt.Errorf("control connection closed without a response")
}
