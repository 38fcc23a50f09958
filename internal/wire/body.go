package wire

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
)

// Content-type prefixes and exact types that always travel base64-encoded.
var binaryTypePrefixes = []string{
	"image/",
	"audio/",
	"video/",
	"font/",
}

var binaryTypes = map[string]bool{
	"application/octet-stream":      true,
	"application/pdf":               true,
	"application/zip":               true,
	"application/gzip":              true,
	"application/x-tar":             true,
	"application/x-7z-compressed":   true,
	"application/x-rar-compressed":  true,
	"application/vnd.ms-fontobject": true,
	"application/wasm":              true,
	"application/protobuf":          true,
	"application/x-protobuf":        true,
}

// IsBinaryContentType reports whether a Content-Type header value names a
// payload that must be base64-encoded for JSON transport.
func IsBinaryContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	for _, prefix := range binaryTypePrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return binaryTypes[mediaType]
}

// LooksBinary reports whether raw bytes contain control characters outside
// \t \n \r, meaning they cannot safely be carried as a JSON string.
func LooksBinary(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return true
		}
		if c == 0x7f {
			return true
		}
	}
	return false
}

// EncodeBody converts raw body bytes into the wire representation, choosing
// base64 when the content type is classified binary or the bytes themselves
// are not printable text.
func EncodeBody(b []byte, contentType string) (body string, isBase64 bool) {
	if len(b) == 0 {
		return "", false
	}
	if IsBinaryContentType(contentType) || LooksBinary(b) {
		return base64.StdEncoding.EncodeToString(b), true
	}
	return string(b), false
}

// DecodeBody converts a wire body back into raw bytes. Invalid base64 is a
// hard failure, never a silent empty body.
func DecodeBody(body string, isBase64 bool) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	if !isBase64 {
		return []byte(body), nil
	}
	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 body: %w", err)
	}
	return b, nil
}

// CloneHeaders returns a deep copy of an HTTP header map.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
