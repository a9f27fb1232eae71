// Package errors provides the structured error taxonomy used across dpifrag.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind represents the category of error that occurred.
type Kind string

const (
	// KindConfigInvalid marks a field-scoped configuration validation failure.
	KindConfigInvalid Kind = "config_invalid"
	// KindBindAccept marks a listener bind or accept failure.
	KindBindAccept Kind = "bind_accept"
	// KindDNSResolutionFailed marks a DoH/OS resolution failure.
	KindDNSResolutionFailed Kind = "dns_resolution_failed"
	// KindUpstreamConnectFailed marks a failed dial to the destination.
	KindUpstreamConnectFailed Kind = "upstream_connect_failed"
	// KindUpstreamTimeout marks a connect or I/O timeout against the destination.
	KindUpstreamTimeout Kind = "upstream_timeout"
	// KindProtocolParseFailure marks a sniffer/parser giving up on malformed input.
	KindProtocolParseFailure Kind = "protocol_parse_failure"
	// KindTransformError marks a transform that failed to apply.
	KindTransformError Kind = "transform_error"
	// KindCacheFull marks a flow cache at its bound.
	KindCacheFull Kind = "cache_full"
	// KindQueueFull marks an internal channel at capacity.
	KindQueueFull Kind = "queue_full"
	// KindShutdownRequested marks a clean, requested stop.
	KindShutdownRequested Kind = "shutdown_requested"
)

// AppError is a structured error with enough context for a boundary to pick
// an HTTP status or SOCKS5 reply code without string-matching Error().
type AppError struct {
	Kind      Kind
	Op        string
	Message   string
	Cause     error
	Host      string
	Port      int
	Addr      string
	Timestamp time.Time
}

// Error implements the error interface.
// Format: [kind] op addr: message: cause
func (e *AppError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Op != "" {
		parts = append(parts, e.Op)
	}

	if e.Addr != "" {
		parts = append(parts, e.Addr)
	} else if e.Host != "" {
		if e.Port > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", e.Host, e.Port))
		} else {
			parts = append(parts, e.Host)
		}
	}

	errStr := strings.Join(parts, " ")
	if e.Message != "" {
		errStr += ": " + e.Message
	}
	if e.Cause != nil {
		errStr += ": " + e.Cause.Error()
	}

	return errStr
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target's Kind.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// NewConfigInvalid creates a configuration validation error.
func NewConfigInvalid(message string) *AppError {
	return &AppError{
		Kind:      KindConfigInvalid,
		Op:        "validate",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewBindAccept creates a listener bind/accept error.
func NewBindAccept(addr string, cause error) *AppError {
	return &AppError{
		Kind:      KindBindAccept,
		Op:        "bind",
		Message:   fmt.Sprintf("failed to bind %s", addr),
		Cause:     cause,
		Addr:      addr,
		Timestamp: time.Now(),
	}
}

// NewDNSResolutionFailed creates a DNS resolution error.
func NewDNSResolutionFailed(host string, cause error) *AppError {
	return &AppError{
		Kind:      KindDNSResolutionFailed,
		Op:        "resolve",
		Message:   fmt.Sprintf("DNS resolution failed for host %s", host),
		Cause:     cause,
		Host:      host,
		Addr:      host,
		Timestamp: time.Now(),
	}
}

// NewUpstreamConnectFailed creates an upstream-connect error.
func NewUpstreamConnectFailed(host string, port int, cause error) *AppError {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &AppError{
		Kind:      KindUpstreamConnectFailed,
		Op:        "dial",
		Message:   fmt.Sprintf("failed to connect to %s", addr),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Addr:      addr,
		Timestamp: time.Now(),
	}
}

// NewUpstreamTimeout creates an upstream timeout error.
func NewUpstreamTimeout(host string, port int, timeout time.Duration) *AppError {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &AppError{
		Kind:      KindUpstreamTimeout,
		Op:        "dial",
		Message:   fmt.Sprintf("connect to %s timed out after %v", addr, timeout),
		Host:      host,
		Port:      port,
		Addr:      addr,
		Timestamp: time.Now(),
	}
}

// NewProtocolParseFailure creates a protocol-parse error.
func NewProtocolParseFailure(message string, cause error) *AppError {
	return &AppError{
		Kind:      KindProtocolParseFailure,
		Op:        "parse",
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewTransformError creates a transform-application error.
func NewTransformError(transformName string, cause error) *AppError {
	return &AppError{
		Kind:      KindTransformError,
		Op:        transformName,
		Message:   fmt.Sprintf("transform %s failed", transformName),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewCacheFull creates a cache-bound error.
func NewCacheFull(maxFlows int) *AppError {
	return &AppError{
		Kind:      KindCacheFull,
		Op:        "insert",
		Message:   fmt.Sprintf("flow cache at capacity (max_flows=%d)", maxFlows),
		Timestamp: time.Now(),
	}
}

// NewQueueFull creates a queue-bound error.
func NewQueueFull(maxQueueSize int) *AppError {
	return &AppError{
		Kind:      KindQueueFull,
		Op:        "enqueue",
		Message:   fmt.Sprintf("queue at capacity (max_queue_size=%d)", maxQueueSize),
		Timestamp: time.Now(),
	}
}

// NewShutdownRequested creates a clean-shutdown marker error.
func NewShutdownRequested() *AppError {
	return &AppError{
		Kind:      KindShutdownRequested,
		Op:        "shutdown",
		Message:   "shutdown requested",
		Timestamp: time.Now(),
	}
}

// IsTimeout checks if an error is a timeout error, structured or net.Error.
func IsTimeout(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind == KindUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// GetKind returns the error's Kind if it is a structured AppError.
func GetKind(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsContextCanceled reports whether err is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
