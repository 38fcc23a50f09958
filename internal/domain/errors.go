package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrSessionNotFound means the requested session ID does not exist or
	// has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotConnected means the session exists but no live developer
	// transport is registered for it. Transient: retry after reconnect.
	ErrNotConnected = errors.New("developer not connected")

	// ErrDeveloperDisconnected means the developer transport closed while
	// a forwarded request was still outstanding.
	ErrDeveloperDisconnected = errors.New("developer disconnected")

	// ErrRequestTimeout means the developer did not answer a forwarded
	// request within the deadline. The session itself remains usable.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrShareNotFound means the share token is unknown.
	ErrShareNotFound = errors.New("share token not found")

	// ErrShareExpired means the share token is past its expiry or access
	// budget.
	ErrShareExpired = errors.New("share token expired")

	// ErrShareUnauthorized indicates a wrong or missing share password.
	ErrShareUnauthorized = errors.New("share token unauthorized")
)

// Stable error codes surfaced to HTTP callers and over the wire protocol.
const (
	CodeTunnelNotFound        = "TUNNEL_NOT_FOUND"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeDeveloperNotConnected = "DEVELOPER_NOT_CONNECTED"
	CodeDeveloperDisconnected = "DEVELOPER_DISCONNECTED"
	CodeGatewayTimeout        = "GATEWAY_TIMEOUT"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeUnknownSession        = "UNKNOWN_SESSION"
	CodeBadGatewayResponse    = "BAD_GATEWAY_RESPONSE"
	CodeShareNotFound         = "SHARE_NOT_FOUND"
	CodeShareExpired          = "SHARE_EXPIRED"
	CodeShareUnauthorized     = "SHARE_UNAUTHORIZED"
	CodeInvalidRequest        = "INVALID_REQUEST"
)

// TunnelError wraps an underlying error with session context.
type TunnelError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *TunnelError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
