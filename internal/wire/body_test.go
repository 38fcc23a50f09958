package wire

import (
	"bytes"
	"testing"
)

func TestIsBinaryContentType(t *testing.T) {
	t.Parallel()

	binary := []string{
		"image/png",
		"image/jpeg; charset=binary",
		"audio/mpeg",
		"video/mp4",
		"font/woff2",
		"application/octet-stream",
		"application/pdf",
		"Application/ZIP",
		"application/wasm",
	}
	for _, ct := range binary {
		if !IsBinaryContentType(ct) {
			t.Fatalf("expected %q to be binary", ct)
		}
	}

	text := []string{
		"text/html",
		"text/html; charset=utf-8",
		"application/json",
		"application/javascript",
		"image-gallery/listing",
		"",
	}
	for _, ct := range text {
		if IsBinaryContentType(ct) {
			t.Fatalf("expected %q to be text", ct)
		}
	}
}

func TestLooksBinary(t *testing.T) {
	t.Parallel()

	if LooksBinary([]byte("plain text\twith\ntabs and\r\nnewlines")) {
		t.Fatal("printable text misclassified as binary")
	}
	if !LooksBinary([]byte{0x89, 'P', 'N', 'G'}) {
		t.Fatal("PNG magic bytes not classified as binary")
	}
	if !LooksBinary([]byte{'a', 0x00, 'b'}) {
		t.Fatal("NUL byte not classified as binary")
	}
	if !LooksBinary([]byte{'a', 0x7f}) {
		t.Fatal("DEL byte not classified as binary")
	}
}

func TestEncodeBodyTextPassthrough(t *testing.T) {
	t.Parallel()

	body, isB64 := EncodeBody([]byte(`{"ok":true}`), "application/json")
	if isB64 {
		t.Fatal("JSON body should not be base64-encoded")
	}
	if body != `{"ok":true}` {
		t.Fatalf("text body altered: %q", body)
	}
}

func TestEncodeDecodeBodyBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0xff}
	body, isB64 := EncodeBody(raw, "image/png")
	if !isB64 {
		t.Fatal("PNG body should be base64-encoded")
	}
	back, err := DecodeBody(body, true)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(back, raw) {
		t.Fatalf("binary round trip mismatch: %v != %v", back, raw)
	}
}

func TestEncodeBodyBinaryBytesWithTextContentType(t *testing.T) {
	t.Parallel()

	// Content sniffing wins over a lying content type.
	_, isB64 := EncodeBody([]byte{'a', 0x00, 'b'}, "text/plain")
	if !isB64 {
		t.Fatal("binary bytes should force base64 regardless of content type")
	}
}

func TestEncodeBodyEmpty(t *testing.T) {
	t.Parallel()

	body, isB64 := EncodeBody(nil, "application/octet-stream")
	if body != "" || isB64 {
		t.Fatalf("empty body should encode to empty string, got %q b64=%v", body, isB64)
	}
}

func TestDecodeBodyRejectsInvalidBase64(t *testing.T) {
	t.Parallel()

	if _, err := DecodeBody("not!!valid!!base64", true); err == nil {
		t.Fatal("expected invalid base64 to be a hard error")
	}
}

func TestCloneHeadersIsDeep(t *testing.T) {
	t.Parallel()

	src := map[string][]string{"X-One": {"a", "b"}}
	dst := CloneHeaders(src)
	dst["X-One"][0] = "mutated"
	if src["X-One"][0] != "a" {
		t.Fatal("CloneHeaders shared the underlying slice")
	}
}
