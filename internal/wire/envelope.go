// Package wire defines the JSON envelope protocol exchanged between the
// outpost relay and its developer/viewer transports. The same envelopes
// travel over both the WebSocket transport and the SSE+POST fallback.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Envelope types identify the payload carried by an [Envelope].
const (
	TypeRegister      = "register"
	TypeRegistered    = "registered"
	TypeRequest       = "request"
	TypeResponse      = "response"
	TypeResponseChunk = "response_chunk"
	TypeResponseEnd   = "response_end"
	TypeHeartbeat     = "heartbeat"
	TypePong          = "pong"
	TypeError         = "error"

	TypeP2POffer  = "p2p:offer"
	TypeP2PAnswer = "p2p:answer"
	TypeP2PICE    = "p2p:ice-candidate"
	TypeP2PReady  = "p2p:ready"
	TypeP2PFailed = "p2p:failed"
)

// Envelope is the top-level tagged message exchanged on a tunnel transport.
// Exactly one payload field matching Type is populated.
type Envelope struct {
	Type       string      `json:"type"`
	Register   *Register   `json:"register,omitempty"`
	Registered *Registered `json:"registered,omitempty"`
	Request    *Request    `json:"request,omitempty"`
	Response   *Response   `json:"response,omitempty"`
	Chunk      *Chunk      `json:"chunk,omitempty"`
	Heartbeat  *Heartbeat  `json:"heartbeat,omitempty"`
	Error      *Error      `json:"error,omitempty"`
	Signal     *Signal     `json:"signal,omitempty"`
}

// Register is the transport registration handshake sent by a client.
type Register struct {
	SessionID  string `json:"session_id"`
	Role       string `json:"role"`
	TargetPort int    `json:"target_port,omitempty"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	PublicURL string `json:"public_url,omitempty"`
}

// Request represents an inbound public HTTP request forwarded to the
// developer.
type Request struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     string              `json:"query,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      string              `json:"body,omitempty"`
	IsBase64  bool                `json:"is_base64,omitempty"`
	TimeoutMs int                 `json:"timeout_ms,omitempty"`
}

// Response is the developer's reply to a forwarded [Request]. When Chunked is
// set the body arrives in subsequent TypeResponseChunk envelopes terminated
// by TypeResponseEnd.
type Response struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"session_id,omitempty"`
	Status     int                 `json:"status"`
	StatusText string              `json:"status_text,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	IsBase64   bool                `json:"is_base64,omitempty"`
	Chunked    bool                `json:"chunked,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Chunk carries one body fragment of a chunked response.
type Chunk struct {
	ID       string `json:"id"`
	Body     string `json:"body,omitempty"`
	IsBase64 bool   `json:"is_base64,omitempty"`
}

// Heartbeat is the keep-alive probe; the relay answers with TypePong.
type Heartbeat struct {
	SessionID string `json:"session_id"`
}

// Error is a typed protocol-level failure sent back on the same transport.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Signal carries an opaque peer-negotiation payload forwarded between the
// developer and viewer roles.
type Signal struct {
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownType is returned by [Decode] for envelopes whose type is not part
// of the protocol.
var ErrUnknownType = errors.New("unknown envelope type")

// IsSignal reports whether the envelope type is a peer-negotiation variant.
func IsSignal(typ string) bool {
	return strings.HasPrefix(typ, "p2p:")
}

// Decode parses raw JSON into an Envelope and validates that the payload
// matching the declared type is present and structurally sound. Invalid
// input is rejected whole; nothing is partially processed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope's payload against its declared type.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRegister:
		if e.Register == nil || e.Register.SessionID == "" {
			return errors.New("register envelope requires session_id")
		}
		if e.Register.Role != "developer" && e.Register.Role != "viewer" {
			return fmt.Errorf("register envelope has invalid role %q", e.Register.Role)
		}
	case TypeRegistered:
		if e.Registered == nil || e.Registered.SessionID == "" {
			return errors.New("registered envelope requires session_id")
		}
	case TypeRequest:
		if e.Request == nil || e.Request.ID == "" {
			return errors.New("request envelope requires id")
		}
		if e.Request.Method == "" {
			return errors.New("request envelope requires method")
		}
	case TypeResponse:
		if e.Response == nil || e.Response.ID == "" {
			return errors.New("response envelope requires id")
		}
		if e.Response.Error == "" && (e.Response.Status < 100 || e.Response.Status > 599) {
			return fmt.Errorf("response envelope has invalid status %d", e.Response.Status)
		}
	case TypeResponseChunk, TypeResponseEnd:
		if e.Chunk == nil || e.Chunk.ID == "" {
			return errors.New("chunk envelope requires id")
		}
	case TypeHeartbeat, TypePong:
		// Heartbeat payload is optional; an empty probe is still valid.
	case TypeError:
		if e.Error == nil || e.Error.Code == "" {
			return errors.New("error envelope requires code")
		}
	case TypeP2POffer, TypeP2PAnswer, TypeP2PICE, TypeP2PReady, TypeP2PFailed:
		if e.Signal == nil || e.Signal.SessionID == "" {
			return errors.New("signal envelope requires session_id")
		}
	case "":
		return errors.New("envelope missing type")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// Encode serializes the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
