package relay

import (
	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

// Peer negotiation is strictly an optimization: once both roles are
// registered the relay tells them to start signaling and thereafter
// forwards p2p envelopes verbatim. It never blocks or replaces the primary
// request/response path.

// maybeStartPeerNegotiation is attempted opportunistically after each new
// registration.
func (rl *Relay) maybeStartPeerNegotiation(sessionID string) {
	sess, err := rl.sessions.peek(sessionID)
	if err != nil || !sess.EnableP2P {
		return
	}
	if !rl.conns.bothRolesPresent(sessionID) {
		return
	}

	ready := func(to *handle, from string) {
		if to == nil {
			return
		}
		_ = to.send(wire.Envelope{Type: wire.TypeP2PReady, Signal: &wire.Signal{
			SessionID: sessionID,
			From:      from,
		}})
	}
	ready(rl.conns.peer(sessionID, domain.RoleViewer), domain.RoleViewer)
	ready(rl.conns.peer(sessionID, domain.RoleDeveloper), domain.RoleDeveloper)
	rl.log.Info("peer negotiation started", "session_id", sessionID)
}

// forwardSignal relays a p2p envelope from one role to the other,
// unmodified. Missing peers produce a p2p:failed back to the sender.
func (rl *Relay) forwardSignal(from *handle, env wire.Envelope) {
	env.Signal.SessionID = from.sessionID
	env.Signal.From = from.role

	peer := rl.conns.peer(from.sessionID, from.role)
	if peer == nil || !peer.alive() {
		_ = from.send(wire.Envelope{Type: wire.TypeP2PFailed, Signal: &wire.Signal{
			SessionID: from.sessionID,
			From:      from.role,
		}})
		return
	}
	if err := peer.send(env); err != nil {
		rl.log.Warn("signal forward failed", "session_id", from.sessionID, "err", err)
	}
}
