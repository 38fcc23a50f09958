package wire

import (
	"errors"
	"testing"
)

func TestDecodeRegister(t *testing.T) {
	t.Parallel()

	env, err := Decode([]byte(`{"type":"register","register":{"session_id":"ghost-whiskey","role":"developer","target_port":3000}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Type != TypeRegister {
		t.Fatalf("expected register type, got %q", env.Type)
	}
	if env.Register.SessionID != "ghost-whiskey" || env.Register.TargetPort != 3000 {
		t.Fatalf("unexpected register payload: %+v", env.Register)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"type":"request"`)); err == nil {
		t.Fatal("expected malformed JSON to be rejected")
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	t.Parallel()

	bad := map[string]string{
		"missing type":         `{}`,
		"register no session":  `{"type":"register","register":{"role":"developer"}}`,
		"register bad role":    `{"type":"register","register":{"session_id":"a-b","role":"admin"}}`,
		"request no id":        `{"type":"request","request":{"method":"GET"}}`,
		"request no method":    `{"type":"request","request":{"id":"r1"}}`,
		"response no id":       `{"type":"response","response":{"status":200}}`,
		"response bad status":  `{"type":"response","response":{"id":"r1","status":42}}`,
		"chunk no id":          `{"type":"response_chunk","chunk":{"body":"x"}}`,
		"end no id":            `{"type":"response_end","chunk":{}}`,
		"error no code":        `{"type":"error","error":{"message":"boom"}}`,
		"signal no session":    `{"type":"p2p:offer","signal":{"from":"developer"}}`,
		"registered no fields": `{"type":"registered"}`,
	}
	for name, raw := range bad {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateAcceptsErrorResponseWithoutStatus(t *testing.T) {
	t.Parallel()

	env := Envelope{Type: TypeResponse, Response: &Response{ID: "r1", Error: "local server unreachable"}}
	if err := env.Validate(); err != nil {
		t.Fatalf("error response should not need a valid status: %v", err)
	}
}

func TestValidateHeartbeatPayloadOptional(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{TypeHeartbeat, TypePong} {
		env := Envelope{Type: typ}
		if err := env.Validate(); err != nil {
			t.Fatalf("%s without payload should validate: %v", typ, err)
		}
	}
}

func TestIsSignal(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{TypeP2POffer, TypeP2PAnswer, TypeP2PICE, TypeP2PReady, TypeP2PFailed} {
		if !IsSignal(typ) {
			t.Fatalf("expected %q to be a signal type", typ)
		}
	}
	for _, typ := range []string{TypeRequest, TypeResponse, TypeHeartbeat, "p2pish"} {
		if IsSignal(typ) {
			t.Fatalf("expected %q not to be a signal type", typ)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	in := Envelope{Type: TypeRequest, Request: &Request{
		ID:        "req-1",
		SessionID: "ghost-whiskey",
		Method:    "POST",
		Path:      "/api/items",
		Query:     "page=2",
		Headers:   map[string][]string{"Accept": {"application/json"}},
		Body:      "hello",
		TimeoutMs: 30000,
	}}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Request.ID != in.Request.ID || out.Request.Path != in.Request.Path {
		t.Fatalf("round trip mismatch: %+v", out.Request)
	}
	if got := out.Request.Headers["Accept"][0]; got != "application/json" {
		t.Fatalf("header lost in round trip: %q", got)
	}
}
