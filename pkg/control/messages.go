// Package control implements the line-delimited-JSON UNIX-domain-socket
// control plane the CLI's lifecycle commands (start/stop/status/health/
// stats/reload) talk to.
package control

import "encoding/json"

// APIVersion is the wire protocol version reported by `health`.
const APIVersion = "1.0.0"

// CommandType names one of the ten control-plane commands.
type CommandType string

const (
	CommandHealth     CommandType = "health"
	CommandStart      CommandType = "start"
	CommandStop       CommandType = "stop"
	CommandGetConfig  CommandType = "get_config"
	CommandSetConfig  CommandType = "set_config"
	CommandReload     CommandType = "reload"
	CommandGetStats   CommandType = "get_stats"
	CommandResetStats CommandType = "reset_stats"
	CommandGetStatus  CommandType = "get_status"
	CommandPing       CommandType = "ping"
	// CommandSubscribe is an additive command, not part of the original
	// ten: a client that sends it starts receiving unsolicited
	// Notification lines on the same connection.
	CommandSubscribe CommandType = "subscribe"
)

// Command is the tagged payload of a Request.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request is one line the client sends to the control socket.
type Request struct {
	ID      string  `json:"id"`
	Command Command `json:"command"`
}

// Response is one line the server sends back, correlated to Request.ID.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Payload string          `json:"payload,omitempty"`
}

// NotificationKind names one of the unsolicited event types a subscribed
// client receives.
type NotificationKind string

const (
	NotificationStateChanged  NotificationKind = "state_changed"
	NotificationConfigReload  NotificationKind = "config_reloaded"
	NotificationError         NotificationKind = "error"
	NotificationStatsUpdate   NotificationKind = "stats_update"
)

// Notification is an unsolicited line sent to subscribed clients,
// interleaved with Response lines on the same connection.
type Notification struct {
	Type      string          `json:"type"`
	Kind      NotificationKind `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HealthResult is the result payload of a `health` command.
type HealthResult struct {
	APIVersion string `json:"api_version"`
	State      string `json:"state"`
	UptimeSecs int64  `json:"uptime_secs"`
}

// StatusResult is the result payload of a `get_status` command.
type StatusResult struct {
	State      string `json:"state"`
	UptimeSecs int64  `json:"uptime_secs"`
}

func errorResponse(id string, message string) Response {
	return Response{ID: id, Success: false, Payload: message}
}

func okResponse(id string, result interface{}) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, "marshal result: "+err.Error())
	}
	return Response{ID: id, Success: true, Result: raw}
}
