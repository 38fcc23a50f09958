package relay

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/outpost-sh/outpost/internal/wire"
)

func TestEncodeRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "http://ghost-whiskey.relay.test/api/items?page=2", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("X-Custom", "yes")

	req, err := encodeRequest(r, "req-1", "ghost-whiskey", 1024, 30000)
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	if req.ID != "req-1" || req.SessionID != "ghost-whiskey" {
		t.Fatalf("correlation fields: %+v", req)
	}
	if req.Method != "POST" || req.Path != "/api/items" || req.Query != "page=2" {
		t.Fatalf("request line fields: %+v", req)
	}
	if req.Body != `{"a":1}` || req.IsBase64 {
		t.Fatalf("body: %q b64=%v", req.Body, req.IsBase64)
	}
	if req.TimeoutMs != 30000 {
		t.Fatalf("timeout: %d", req.TimeoutMs)
	}
	if _, ok := req.Headers["Connection"]; ok {
		t.Fatal("hop-by-hop header leaked into the envelope")
	}
	if req.Headers["X-Custom"][0] != "yes" {
		t.Fatal("custom header lost")
	}
}

func TestEncodeRequestBinaryBody(t *testing.T) {
	t.Parallel()

	raw := string([]byte{0x89, 0x50, 0x4e, 0x47, 0x00})
	r := httptest.NewRequest("PUT", "http://ghost-whiskey.relay.test/upload", strings.NewReader(raw))
	r.Header.Set("Content-Type", "image/png")

	req, err := encodeRequest(r, "req-1", "ghost-whiskey", 1024, 0)
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	if !req.IsBase64 {
		t.Fatal("binary body should be base64-encoded")
	}
	back, err := wire.DecodeBody(req.Body, req.IsBase64)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if string(back) != raw {
		t.Fatal("binary body corrupted in transit")
	}
}

func TestEncodeRequestEnforcesBodyLimit(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "http://ghost-whiskey.relay.test/", strings.NewReader(strings.Repeat("x", 100)))
	if _, err := encodeRequest(r, "req-1", "ghost-whiskey", 50, 0); err == nil {
		t.Fatal("expected oversized body to be rejected")
	}
}

func TestResponseWriterComplete(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	err := rw.writeResponse(&wire.Response{
		ID:      "req-1",
		Status:  201,
		Headers: map[string][]string{"X-From-Tunnel": {"1"}},
		Body:    "created",
	})
	if err != nil {
		t.Fatalf("writeResponse: %v", err)
	}
	if rec.Code != 201 || rec.Body.String() != "created" {
		t.Fatalf("response: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-From-Tunnel") != "1" {
		t.Fatal("response header lost")
	}
}

func TestResponseWriterErrorFieldWins(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	err := rw.writeResponse(&wire.Response{
		ID:     "req-1",
		Status: 502,
		Body:   "should not appear",
		Error:  "local server unreachable",
	})
	if err != nil {
		t.Fatalf("writeResponse: %v", err)
	}
	if rec.Code != 502 || rec.Body.String() != "local server unreachable" {
		t.Fatalf("response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestResponseWriterRejectsInvalidStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	if err := rw.writeHead(&wire.Response{ID: "r", Status: 42}); err == nil {
		t.Fatal("expected invalid status to be rejected")
	}
	if rw.wroteHead {
		t.Fatal("head must not be marked written after a rejected status")
	}
}

func TestResponseWriterRejectsDoubleHead(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	if err := rw.writeHead(&wire.Response{ID: "r", Status: 200}); err != nil {
		t.Fatalf("first head: %v", err)
	}
	if err := rw.writeHead(&wire.Response{ID: "r", Status: 200}); err != errHeadersSent {
		t.Fatalf("expected errHeadersSent, got %v", err)
	}
}

func TestResponseWriterBadBase64BeforeHead(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	err := rw.writeResponse(&wire.Response{ID: "r", Status: 200, Body: "!!not-base64!!", IsBase64: true})
	if err == nil {
		t.Fatal("expected base64 decode failure")
	}
	if rw.wroteHead {
		t.Fatal("head must not be written when the body cannot decode")
	}
}

func TestResponseWriterChunkRequiresHead(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	if err := rw.writeChunk(&wire.Chunk{ID: "r", Body: "x"}); err == nil {
		t.Fatal("chunk before head should fail")
	}
}

func TestResponseWriterChunkedStream(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	if err := rw.writeHead(&wire.Response{ID: "r", Status: 200, Chunked: true}); err != nil {
		t.Fatalf("writeHead: %v", err)
	}
	for _, part := range []string{"alpha ", "beta ", "gamma"} {
		if err := rw.writeChunk(&wire.Chunk{ID: "r", Body: part}); err != nil {
			t.Fatalf("writeChunk: %v", err)
		}
	}
	if rec.Body.String() != "alpha beta gamma" {
		t.Fatalf("streamed body: %q", rec.Body.String())
	}
}
