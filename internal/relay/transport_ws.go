package relay

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

const registerDeadline = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts one full-duplex WebSocket connection to the transport
// contract. Writes are serialized; reads happen on a single loop.
type wsTransport struct {
	conn             *websocket.Conn
	writeMu          sync.Mutex
	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	tr := &wsTransport{conn: conn}
	tr.touch(time.Now())
	return tr
}

func (tr *wsTransport) Send(env wire.Envelope) error {
	if tr.closing.Load() {
		return errors.New("transport closing")
	}
	tr.writeMu.Lock()
	defer tr.writeMu.Unlock()
	return tr.conn.WriteJSON(env)
}

func (tr *wsTransport) Close() error {
	if !tr.closing.CompareAndSwap(false, true) {
		return nil
	}
	return tr.conn.Close()
}

func (tr *wsTransport) Alive() bool {
	return !tr.closing.Load()
}

func (tr *wsTransport) LastSeen() time.Time {
	n := tr.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

func (tr *wsTransport) touch(t time.Time) {
	tr.lastSeenUnixNano.Store(t.UnixNano())
}

// handleTransportConnect is the developer-side WebSocket endpoint. The
// first message must be a register envelope; everything after follows the
// shared dispatch contract.
func (rl *Relay) handleTransportConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Error("websocket upgrade failed", "err", err)
		return
	}
	tr := newWSTransport(conn)

	_ = conn.SetReadDeadline(time.Now().Add(registerDeadline))
	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		_ = tr.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := wire.Decode(data)
	if err != nil || env.Type != wire.TypeRegister {
		_ = tr.Send(wire.Envelope{Type: wire.TypeError, Error: &wire.Error{
			Code: domain.CodeInvalidMessage, Message: "expected register envelope",
		}})
		_ = tr.Close()
		return
	}

	h, werr := rl.registerTransport(tr, env.Register)
	if werr != nil {
		_ = tr.Send(wire.Envelope{Type: wire.TypeError, Error: werr})
		_ = tr.Close()
		return
	}
	go rl.wsReadLoop(tr, h)
}

// handleViewerUpgrade attaches a viewer transport when a WebSocket upgrade
// arrives on a tunnel subdomain.
func (rl *Relay) handleViewerUpgrade(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Error("viewer upgrade failed", "session_id", sessionID, "err", err)
		return
	}
	tr := newWSTransport(conn)
	h, werr := rl.registerTransport(tr, &wire.Register{SessionID: sessionID, Role: domain.RoleViewer})
	if werr != nil {
		_ = tr.Send(wire.Envelope{Type: wire.TypeError, Error: werr})
		_ = tr.Close()
		return
	}
	go rl.wsReadLoop(tr, h)
}

// registerTransport performs the registration handshake shared by both
// adapters: session lookup, handle creation, supersession, status flip,
// registered ack, and the opportunistic peer-negotiation kick.
func (rl *Relay) registerTransport(tr transport, reg *wire.Register) (*handle, *wire.Error) {
	sess, err := rl.sessions.get(reg.SessionID)
	if err != nil {
		return nil, &wire.Error{Code: domain.CodeUnknownSession, Message: "unknown session", SessionID: reg.SessionID}
	}

	h := newHandle(sess.ID, reg.Role, tr, rl.onHandleClosed)
	if reg.Role == domain.RoleDeveloper {
		rl.conns.registerDeveloper(sess.ID, h)
		if err := rl.sessions.setStatus(sess.ID, domain.SessionStatusActive); err != nil {
			rl.conns.unregister(h)
			return nil, &wire.Error{Code: domain.CodeUnknownSession, Message: err.Error(), SessionID: sess.ID}
		}
		rl.log.Info("developer connected", "session_id", sess.ID)
	} else {
		rl.conns.registerViewer(sess.ID, h)
		rl.log.Info("viewer connected", "session_id", sess.ID)
	}

	_ = tr.Send(wire.Envelope{Type: wire.TypeRegistered, Registered: &wire.Registered{
		SessionID: sess.ID,
		Role:      reg.Role,
		PublicURL: sess.PublicURL,
	}})

	rl.maybeStartPeerNegotiation(sess.ID)
	return h, nil
}

// onHandleClosed is the single teardown path for a transport handle. It
// re-validates that the handle is still current before cancelling work: a
// superseded handle closing late must not touch its replacement's state.
func (rl *Relay) onHandleClosed(h *handle) {
	if !rl.conns.unregister(h) {
		return
	}
	if h.role == domain.RoleDeveloper {
		rl.pending.cancelAllForSession(h.sessionID)
		if err := rl.sessions.setStatus(h.sessionID, domain.SessionStatusPending); err != nil &&
			!errors.Is(err, domain.ErrSessionNotFound) {
			rl.log.Warn("session status not updated on disconnect", "session_id", h.sessionID, "err", err)
		}
		rl.log.Info("developer disconnected", "session_id", h.sessionID)
	} else {
		rl.log.Info("viewer disconnected", "session_id", h.sessionID)
	}
}

// wsReadLoop pumps inbound frames until the connection dies. Binary frames
// are opaque and never parsed as protocol envelopes; malformed JSON gets a
// typed error back while the connection stays open.
func (rl *Relay) wsReadLoop(tr *wsTransport, h *handle) {
	defer func() {
		_ = tr.Close()
		h.closed()
	}()

	for {
		mt, data, err := tr.conn.ReadMessage()
		if err != nil {
			return
		}
		tr.touch(time.Now())

		if mt != websocket.TextMessage {
			continue
		}
		env, err := wire.Decode(data)
		if err != nil {
			_ = tr.Send(wire.Envelope{Type: wire.TypeError, Error: &wire.Error{
				Code: domain.CodeInvalidMessage, Message: err.Error(), SessionID: h.sessionID,
			}})
			continue
		}
		rl.dispatchClientEnvelope(h, env)
	}
}

// dispatchClientEnvelope handles one inbound envelope from either adapter.
// The dispatch table is exhaustive over the protocol; anything else is a
// typed protocol error.
func (rl *Relay) dispatchClientEnvelope(h *handle, env wire.Envelope) {
	switch env.Type {
	case wire.TypeResponse, wire.TypeResponseChunk, wire.TypeResponseEnd:
		if h.role != domain.RoleDeveloper {
			rl.sendProtocolError(h, domain.CodeInvalidMessage, "viewer cannot answer requests")
			return
		}
		rl.pending.deliver(env)
	case wire.TypeHeartbeat:
		// Refresh the session as a keep-alive side effect of the probe.
		_, _ = rl.sessions.get(h.sessionID)
		_ = h.send(wire.Envelope{Type: wire.TypePong, Heartbeat: &wire.Heartbeat{SessionID: h.sessionID}})
	case wire.TypePong:
		// LastSeen already updated by the read loop.
	case wire.TypeP2POffer, wire.TypeP2PAnswer, wire.TypeP2PICE, wire.TypeP2PReady, wire.TypeP2PFailed:
		rl.forwardSignal(h, env)
	case wire.TypeRegister:
		rl.sendProtocolError(h, domain.CodeInvalidMessage, "transport already registered")
	case wire.TypeError:
		rl.log.Warn("client reported protocol error", "session_id", h.sessionID,
			"code", env.Error.Code, "message", env.Error.Message)
	default:
		rl.sendProtocolError(h, domain.CodeInvalidMessage, "unexpected envelope type "+env.Type)
	}
}

func (rl *Relay) sendProtocolError(h *handle, code, message string) {
	_ = h.send(wire.Envelope{Type: wire.TypeError, Error: &wire.Error{
		Code: code, Message: message, SessionID: h.sessionID,
	}})
}
