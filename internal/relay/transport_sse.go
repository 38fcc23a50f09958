package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

// The SSE adapter exists for networks whose proxies mangle full-duplex
// frames: the relay pushes envelopes over a one-way event stream and the
// developer answers with plain HTTP POSTs, correlated by the same request
// ids. The correlation table is transport-agnostic, so timeout and
// cancellation semantics are identical to the WebSocket adapter.

const sseSendBuffer = 64
const ssePingInterval = 25 * time.Second

// sseTransport adapts the push channel half; inbound traffic arrives via
// handleTransportRespond instead of a read loop.
type sseTransport struct {
	out              chan wire.Envelope
	done             chan struct{}
	closeOnce        sync.Once
	lastSeenUnixNano atomic.Int64
}

func newSSETransport() *sseTransport {
	tr := &sseTransport{
		out:  make(chan wire.Envelope, sseSendBuffer),
		done: make(chan struct{}),
	}
	tr.touch(time.Now())
	return tr
}

func (tr *sseTransport) Send(env wire.Envelope) error {
	select {
	case <-tr.done:
		return errors.New("transport closing")
	case tr.out <- env:
		return nil
	default:
		return errors.New("event stream backlogged")
	}
}

func (tr *sseTransport) Close() error {
	tr.closeOnce.Do(func() { close(tr.done) })
	return nil
}

func (tr *sseTransport) Alive() bool {
	select {
	case <-tr.done:
		return false
	default:
		return true
	}
}

func (tr *sseTransport) LastSeen() time.Time {
	n := tr.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

func (tr *sseTransport) touch(t time.Time) {
	tr.lastSeenUnixNano.Store(t.UnixNano())
}

// handleTransportEvents is the push half of the fallback transport:
// GET /tunnel/events?session=S&role=developer holds an event stream whose
// first event is the registered ack.
func (rl *Relay) handleTransportEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, domain.CodeInvalidRequest, "streaming unsupported")
		return
	}

	sessionID := r.URL.Query().Get("session")
	role := r.URL.Query().Get("role")
	if role == "" {
		role = domain.RoleDeveloper
	}
	if role != domain.RoleDeveloper && role != domain.RoleViewer {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid role")
		return
	}

	tr := newSSETransport()
	h, werr := rl.registerTransport(tr, &wire.Register{SessionID: sessionID, Role: role})
	if werr != nil {
		writeAPIError(w, http.StatusNotFound, werr.Code, werr.Message)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer func() {
		_ = tr.Close()
		h.closed()
	}()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case env := <-tr.out:
			data, err := env.Encode()
			if err != nil {
				rl.log.Error("envelope encode failed", "session_id", sessionID, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			// Comment frames keep intermediaries from timing the stream out
			// and surface broken pipes promptly.
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-tr.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleTransportRespond is the POST half of the fallback transport: the
// developer posts one envelope per call, correlated by request id.
func (rl *Relay) handleTransportRespond(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "missing session")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, rl.cfg.MaxBodyBytes))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "failed to read body")
		return
	}
	env, err := wire.Decode(body)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidMessage, err.Error())
		return
	}

	if _, err := rl.sessions.get(sessionID); err != nil {
		writeAPIError(w, http.StatusNotFound, domain.CodeUnknownSession, "unknown session")
		return
	}
	h := rl.conns.developer(sessionID)
	if h == nil {
		writeAPIError(w, http.StatusConflict, domain.CodeDeveloperNotConnected, "no live transport for session")
		return
	}
	if tr, ok := h.transport.(*sseTransport); ok {
		tr.touch(time.Now())
	}

	rl.dispatchClientEnvelope(h, env)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
