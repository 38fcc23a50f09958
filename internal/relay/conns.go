package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

// transport is the contract both adapters satisfy: the WebSocket adapter
// and the SSE+POST adapter feed the registries identically.
type transport interface {
	// Send serializes and delivers one envelope to the remote end.
	Send(env wire.Envelope) error
	// Close tears the underlying channel down. Safe to call twice.
	Close() error
	// Alive reports whether the channel is still usable. A handle can be
	// present in the registry but mid-close.
	Alive() bool
	// LastSeen is the time of the last inbound traffic, for dead-link
	// detection.
	LastSeen() time.Time
}

// handle binds one transport instance to exactly one session and role.
type handle struct {
	sessionID string
	role      string

	mu        sync.Mutex
	transport transport
	onClose   func(h *handle)
}

func newHandle(sessionID, role string, tr transport, onClose func(h *handle)) *handle {
	return &handle{sessionID: sessionID, role: role, transport: tr, onClose: onClose}
}

func (h *handle) send(env wire.Envelope) error {
	return h.transport.Send(env)
}

func (h *handle) alive() bool {
	return h.transport.Alive()
}

// detach removes the close callback so tearing down a superseded handle
// cannot cancel state now owned by its replacement.
func (h *handle) detach() {
	h.mu.Lock()
	h.onClose = nil
	h.mu.Unlock()
}

// closed runs the close callback at most once.
func (h *handle) closed() {
	h.mu.Lock()
	cb := h.onClose
	h.onClose = nil
	h.mu.Unlock()
	if cb != nil {
		cb(h)
	}
}

// connRegistry maps session ids to the live transport handles serving them:
// one developer handle, optionally one viewer handle for peer negotiation.
type connRegistry struct {
	mu         sync.RWMutex
	developers map[string]*handle
	viewers    map[string]*handle
	log        *slog.Logger
}

func newConnRegistry(logger *slog.Logger) *connRegistry {
	return &connRegistry{
		developers: map[string]*handle{},
		viewers:    map[string]*handle{},
		log:        logger,
	}
}

// registerDeveloper stores the handle as the session's developer transport.
// An existing handle is superseded: detached first, then closed, so exactly
// one live developer handle exists per session (last writer wins).
func (cr *connRegistry) registerDeveloper(sessionID string, h *handle) {
	cr.mu.Lock()
	prev := cr.developers[sessionID]
	cr.developers[sessionID] = h
	cr.mu.Unlock()

	if prev != nil && prev != h {
		prev.detach()
		_ = prev.transport.Close()
		cr.log.Info("developer transport superseded", "session_id", sessionID)
	}
}

// registerViewer mirrors registerDeveloper for the viewer role.
func (cr *connRegistry) registerViewer(sessionID string, h *handle) {
	cr.mu.Lock()
	prev := cr.viewers[sessionID]
	cr.viewers[sessionID] = h
	cr.mu.Unlock()

	if prev != nil && prev != h {
		prev.detach()
		_ = prev.transport.Close()
	}
}

// unregister removes h if it is still the current handle for its slot.
// A superseded handle unregistering late must not evict its replacement.
func (cr *connRegistry) unregister(h *handle) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	slot := cr.developers
	if h.role == domain.RoleViewer {
		slot = cr.viewers
	}
	if slot[h.sessionID] != h {
		return false
	}
	delete(slot, h.sessionID)
	return true
}

// developer returns the live developer handle for a session, or nil.
func (cr *connRegistry) developer(sessionID string) *handle {
	cr.mu.RLock()
	h := cr.developers[sessionID]
	cr.mu.RUnlock()
	if h == nil || !h.alive() {
		return nil
	}
	return h
}

// peer returns the handle of the opposite role for signal forwarding.
func (cr *connRegistry) peer(sessionID, fromRole string) *handle {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	if fromRole == domain.RoleDeveloper {
		return cr.viewers[sessionID]
	}
	return cr.developers[sessionID]
}

// isConnected checks transport liveness, not mere presence in the map.
func (cr *connRegistry) isConnected(sessionID string) bool {
	return cr.developer(sessionID) != nil
}

// bothRolesPresent feeds the peer-negotiation upgrade decision.
func (cr *connRegistry) bothRolesPresent(sessionID string) bool {
	cr.mu.RLock()
	dev := cr.developers[sessionID]
	view := cr.viewers[sessionID]
	cr.mu.RUnlock()
	return dev != nil && dev.alive() && view != nil && view.alive()
}

// dropSession detaches and closes both handles of a session. Callbacks are
// detached before removal so teardown cannot re-enter the registry.
func (cr *connRegistry) dropSession(sessionID string) {
	cr.mu.Lock()
	dev := cr.developers[sessionID]
	view := cr.viewers[sessionID]
	delete(cr.developers, sessionID)
	delete(cr.viewers, sessionID)
	cr.mu.Unlock()

	for _, h := range []*handle{dev, view} {
		if h == nil {
			continue
		}
		h.detach()
		_ = h.transport.Close()
	}
}

// closeStale closes handles whose transports have been silent longer than
// the heartbeat timeout. The close triggers each handle's normal teardown
// path, which cancels only that session's pending requests.
func (cr *connRegistry) closeStale(now time.Time, timeout time.Duration) {
	cr.mu.RLock()
	var stale []*handle
	for _, h := range cr.developers {
		if now.Sub(h.transport.LastSeen()) > timeout {
			stale = append(stale, h)
		}
	}
	for _, h := range cr.viewers {
		if now.Sub(h.transport.LastSeen()) > timeout {
			stale = append(stale, h)
		}
	}
	cr.mu.RUnlock()

	for _, h := range stale {
		cr.log.Warn("transport heartbeat timeout", "session_id", h.sessionID, "role", h.role)
		_ = h.transport.Close()
	}
}
