package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/outpost-sh/outpost/internal/netutil"
	"github.com/outpost-sh/outpost/internal/wire"
)

// errHeadersSent is a programming-error guard: response head must be
// written exactly once per public request.
var errHeadersSent = errors.New("response headers already sent")

// encodeRequest converts a native inbound HTTP request into a transport
// envelope: method, path+query, a filtered header set, and a body carried
// as text or base64 depending on its content.
func encodeRequest(r *http.Request, id, sessionID string, maxBody int64, timeoutMs int) (*wire.Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		defer func() { _ = r.Body.Close() }()
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		if int64(len(b)) > maxBody {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxBody)
		}
		body = b
	}

	encoded, isB64 := wire.EncodeBody(body, r.Header.Get("Content-Type"))
	return &wire.Request{
		ID:        id,
		SessionID: sessionID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Headers:   netutil.FilterProxyHeaders(r.Header),
		Body:      encoded,
		IsBase64:  isB64,
		TimeoutMs: timeoutMs,
	}, nil
}

// responseWriter reconstructs the developer's HTTP response for the
// original caller. It tracks whether the head was written so streamed
// chunks never re-send headers and a double write surfaces as a codec
// error instead of corrupting the socket.
type responseWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	wroteHead bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	f, _ := w.(http.Flusher)
	return &responseWriter{w: w, flusher: f}
}

// writeHead validates and writes status plus headers, exactly once.
func (rw *responseWriter) writeHead(resp *wire.Response) error {
	if rw.wroteHead {
		return errHeadersSent
	}
	if resp.Status < 100 || resp.Status > 599 {
		return fmt.Errorf("invalid response status %d", resp.Status)
	}
	for k, vals := range resp.Headers {
		for _, v := range vals {
			rw.w.Header().Add(k, v)
		}
	}
	rw.w.WriteHeader(resp.Status)
	rw.wroteHead = true
	return nil
}

// writeResponse writes a complete (non-chunked) response envelope. An
// error field takes precedence over the body; invalid base64 is a hard
// failure, not a silent empty body.
func (rw *responseWriter) writeResponse(resp *wire.Response) error {
	if resp.Error != "" {
		if err := rw.writeHead(resp); err != nil {
			return err
		}
		_, werr := io.WriteString(rw.w, resp.Error)
		return werr
	}

	body, err := wire.DecodeBody(resp.Body, resp.IsBase64)
	if err != nil {
		return err
	}
	if err := rw.writeHead(resp); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := rw.w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// writeChunk appends one streamed body fragment, flushing it through to the
// caller. Head must have been written already.
func (rw *responseWriter) writeChunk(chunk *wire.Chunk) error {
	if !rw.wroteHead {
		return errors.New("response chunk before head")
	}
	body, err := wire.DecodeBody(chunk.Body, chunk.IsBase64)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := rw.w.Write(body); err != nil {
		return err
	}
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
	return nil
}
