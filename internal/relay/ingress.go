package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

// streamChunkTimeout bounds the gap between consecutive chunks of a
// streamed response. It only runs once the chunked head has arrived; until
// then the correlation table's request timeout governs.
const streamChunkTimeout = 30 * time.Second

// handleIngress proxies one public request whose Host carries a session
// token. The label has already matched the token shape; from here every
// outcome is a definite tunnel answer, never a fall-through.
func (rl *Relay) handleIngress(w http.ResponseWriter, r *http.Request, label string) {
	sess, err := rl.sessions.resolveRoute(label)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, domain.CodeTunnelNotFound, "no tunnel for this subdomain")
		return
	}

	// WebSocket upgrades on a tunnel subdomain attach the viewer transport
	// for peer negotiation. Intercepted here, before any generic upgrade
	// handling, with the identical subdomain check.
	if websocket.IsWebSocketUpgrade(r) {
		rl.handleViewerUpgrade(w, r, sess.ID)
		return
	}

	dev, err := rl.liveDeveloper(sess.ID)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, domain.CodeDeveloperNotConnected, "developer is not connected")
		return
	}

	p := rl.pending.submit(sess.ID)
	req, err := encodeRequest(r, p.id, sess.ID, rl.cfg.MaxBodyBytes, int(rl.cfg.RequestTimeout/time.Millisecond))
	if err != nil {
		rl.pending.cancel(p.id)
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}

	// Re-check the handle after the body read: the developer may have
	// disconnected or been superseded while we were buffering.
	dev, err = rl.liveDeveloper(sess.ID)
	if err != nil {
		rl.pending.fail(p.id, &domain.TunnelError{SessionID: sess.ID, Op: "forward request", Err: err})
	} else if err := dev.send(wire.Envelope{Type: wire.TypeRequest, Request: req}); err != nil {
		rl.pending.fail(p.id, &domain.TunnelError{SessionID: sess.ID, Op: "forward request", Err: domain.ErrDeveloperDisconnected})
	}

	rl.awaitSettlement(w, r, p)
}

// liveDeveloper resolves the session's developer handle, or the
// [domain.ErrNotConnected] sentinel when none is alive.
func (rl *Relay) liveDeveloper(sessionID string) (*handle, error) {
	dev := rl.conns.developer(sessionID)
	if dev == nil {
		return nil, domain.ErrNotConnected
	}
	return dev, nil
}

// awaitSettlement consumes the pending request's settlement channel and
// reconstructs the developer's response. The table owns the request
// deadline; the stall timer is armed only after the chunked head arrives,
// so a configured timeout above streamChunkTimeout is honored in full.
func (rl *Relay) awaitSettlement(w http.ResponseWriter, r *http.Request, p *pendingRequest) {
	rw := newResponseWriter(w)
	var stallTimer *time.Timer
	var stall <-chan time.Time
	defer func() {
		if stallTimer != nil {
			stallTimer.Stop()
		}
	}()

	for {
		select {
		case env, ok := <-p.ch:
			if !ok {
				// Channel closed without a terminal envelope.
				if !rw.wroteHead {
					writeAPIError(w, http.StatusBadGateway, domain.CodeDeveloperDisconnected, "tunnel closed")
				}
				return
			}
			if stallTimer != nil {
				if !stallTimer.Stop() {
					select {
					case <-stall:
					default:
					}
				}
				stallTimer.Reset(rl.stallTimeout)
			}

			switch env.Type {
			case wire.TypeResponse:
				if env.Response.Chunked {
					if err := rw.writeHead(env.Response); err != nil {
						rl.failCodec(w, rw, p, err)
						return
					}
					if stallTimer == nil {
						stallTimer = time.NewTimer(rl.stallTimeout)
						stall = stallTimer.C
					}
					continue // body follows in chunks
				}
				if err := rw.writeResponse(env.Response); err != nil {
					rl.failCodec(w, rw, p, err)
				}
				return
			case wire.TypeResponseChunk:
				if err := rw.writeChunk(env.Chunk); err != nil {
					rl.failCodec(w, rw, p, err)
					return
				}
			case wire.TypeResponseEnd:
				return
			case wire.TypeError:
				rl.writeWireError(w, rw, env.Error)
				return
			}
		case <-stall:
			rl.pending.cancel(p.id)
			if !rw.wroteHead {
				writeAPIError(w, http.StatusGatewayTimeout, domain.CodeGatewayTimeout, "stream stalled")
			}
			return
		case <-r.Context().Done():
			rl.pending.cancel(p.id)
			return
		}
	}
}

// failCodec reports a local codec precondition failure (bad base64, double
// head write, invalid status) as a 5xx; it is never silently swallowed.
func (rl *Relay) failCodec(w http.ResponseWriter, rw *responseWriter, p *pendingRequest, err error) {
	rl.pending.cancel(p.id)
	rl.log.Error("response codec failure", "id", p.id, "session_id", p.sessionID, "err", err)
	if errors.Is(err, errHeadersSent) || rw.wroteHead {
		// Head already on the wire; nothing sane left to write.
		return
	}
	writeAPIError(w, http.StatusBadGateway, domain.CodeBadGatewayResponse, "developer sent an invalid response")
}

// writeWireError maps a protocol error envelope onto the HTTP caller.
func (rl *Relay) writeWireError(w http.ResponseWriter, rw *responseWriter, werr *wire.Error) {
	if rw.wroteHead {
		return
	}
	status := http.StatusBadGateway
	switch werr.Code {
	case domain.CodeGatewayTimeout:
		status = http.StatusGatewayTimeout
	case domain.CodeTunnelNotFound, domain.CodeSessionNotFound:
		status = http.StatusNotFound
	}
	writeAPIError(w, status, werr.Code, werr.Message)
}
