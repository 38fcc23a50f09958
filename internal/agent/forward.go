package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/outpost-sh/outpost/internal/netutil"
	"github.com/outpost-sh/outpost/internal/wire"
)

// Responses larger than this are streamed back in chunks instead of one
// inline envelope.
const inlineBodyLimit = 256 * 1024
const streamChunkSize = 64 * 1024

const defaultForwardTimeout = 30 * time.Second

// serveRequest executes one forwarded request against the local target and
// answers on the transport. Each request runs in its own goroutine; the
// correlation id keeps interleaved responses apart.
func (a *Agent) serveRequest(req *wire.Request, send func(wire.Envelope) error) {
	resp, err := a.forwardLocal(req)
	if err != nil {
		a.log.Warn("local forward failed", "id", req.ID, "err", err)
		_ = send(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{
			ID:        req.ID,
			SessionID: req.SessionID,
			Status:    http.StatusBadGateway,
			Error:     fmt.Sprintf("local server on port %d unreachable: %v", a.cfg.TargetPort, err),
		}})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if err := a.sendResponse(req, resp, send); err != nil {
		a.log.Warn("response send failed", "id", req.ID, "err", err)
	}
}

func (a *Agent) forwardLocal(req *wire.Request) (*http.Response, error) {
	body, err := wire.DecodeBody(req.Body, req.IsBase64)
	if err != nil {
		return nil, err
	}

	timeout := defaultForwardTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	// Cancelled when the caller closes the response body.
	target := fmt.Sprintf("http://127.0.0.1:%d%s", a.cfg.TargetPort, req.Path)
	if req.Query != "" {
		target += "?" + req.Query
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	out.Header = http.Header(wire.CloneHeaders(req.Headers))
	out.Header.Set("X-Forwarded-Host", out.Host)

	resp, err := a.local.Do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// sendResponse encodes the local response. Small bodies travel inline;
// large ones are streamed as chunk envelopes terminated by response_end.
func (a *Agent) sendResponse(req *wire.Request, resp *http.Response, send func(wire.Envelope) error) error {
	headers := netutil.FilterProxyHeaders(resp.Header)
	contentType := resp.Header.Get("Content-Type")

	// Read up to the inline limit plus one byte to decide inline vs chunked.
	head := make([]byte, inlineBodyLimit+1)
	n, readErr := io.ReadFull(resp.Body, head)
	if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
		body, isB64 := wire.EncodeBody(head[:n], contentType)
		return send(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{
			ID:         req.ID,
			SessionID:  req.SessionID,
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Headers:    headers,
			Body:       body,
			IsBase64:   isB64,
		}})
	}
	if readErr != nil {
		return readErr
	}

	if err := send(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{
		ID:         req.ID,
		SessionID:  req.SessionID,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Chunked:    true,
	}}); err != nil {
		return err
	}

	if err := a.sendChunk(req.ID, head[:n], contentType, send); err != nil {
		return err
	}
	buf := make([]byte, streamChunkSize)
	for {
		cn, err := resp.Body.Read(buf)
		if cn > 0 {
			if werr := a.sendChunk(req.ID, buf[:cn], contentType, send); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}
	}
	return send(wire.Envelope{Type: wire.TypeResponseEnd, Chunk: &wire.Chunk{ID: req.ID}})
}

func (a *Agent) sendChunk(id string, b []byte, contentType string, send func(wire.Envelope) error) error {
	body, isB64 := wire.EncodeBody(b, contentType)
	return send(wire.Envelope{Type: wire.TypeResponseChunk, Chunk: &wire.Chunk{
		ID:       id,
		Body:     body,
		IsBase64: isB64,
	}})
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
