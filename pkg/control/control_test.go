package control

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/havenwall/dpifrag/pkg/config"
	"github.com/havenwall/dpifrag/pkg/engine"
)

func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	eng := engine.New(engine.Settings{}, config.Default(), nil)
	srv := New(socketPath, 0, eng, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		close(ready)
		srv.ListenAndServe(ctx)
	}()
	<-ready
	// ListenAndServe binds synchronously relative to the Accept loop, but
	// the goroutine above may not have reached net.Listen yet; Dial
	// retries briefly rather than assuming the socket file already
	// exists.
	var client *Client
	var err error
	for i := 0; i < 50; i++ {
		client, err = Dial(socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}

	return client, func() {
		client.Close()
		cancel()
	}
}

func TestPingPong(t *testing.T) {
	client, done := startTestServer(t)
	defer done()

	resp, err := client.Call(CommandPing, nil)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("ping failed: %s", resp.Payload)
	}
}

func TestHealthReportsAPIVersion(t *testing.T) {
	client, done := startTestServer(t)
	defer done()

	resp, err := client.Call(CommandHealth, nil)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("health failed: %s", resp.Payload)
	}

	var health HealthResult
	if err := json.Unmarshal(resp.Result, &health); err != nil {
		t.Fatalf("unmarshal health result: %v", err)
	}
	if health.APIVersion != APIVersion {
		t.Fatalf("api_version = %q, want %q", health.APIVersion, APIVersion)
	}
	if health.State != string(engine.StateStopped) {
		t.Fatalf("state = %q, want stopped", health.State)
	}
}

func TestGetStatsAndResetStats(t *testing.T) {
	client, done := startTestServer(t)
	defer done()

	resp, err := client.Call(CommandGetStats, nil)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("get_stats failed: %s", resp.Payload)
	}

	resp, err = client.Call(CommandResetStats, nil)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("reset_stats failed: %s", resp.Payload)
	}
}

func TestUnknownCommandReturnsFailure(t *testing.T) {
	client, done := startTestServer(t)
	defer done()

	resp, err := client.Call(CommandType("not_a_real_command"), nil)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected unknown command to fail")
	}
}

func TestSetConfigRejectsInvalidPayload(t *testing.T) {
	client, done := startTestServer(t)
	defer done()

	resp, err := client.Call(CommandSetConfig, json.RawMessage(`{"limits":{"max_flows":0}}`))
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected invalid config to be rejected")
	}
}
