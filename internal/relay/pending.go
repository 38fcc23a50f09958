package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

// pendingChanBuffer smooths bursts of chunk envelopes. Once the buffer is
// full the transport read loop blocks until the public caller drains;
// envelopes are never dropped.
const pendingChanBuffer = 64

// pendingRequest is one in-flight forwarded request awaiting its response
// envelope(s).
type pendingRequest struct {
	id        string
	sessionID string
	createdAt time.Time
	timer     *time.Timer

	// ch carries the settlement: a response envelope, streamed chunks, or
	// a terminal error envelope. Closed exactly once, after the terminal
	// message.
	ch chan wire.Envelope

	// done is closed when the caller abandons the request, releasing any
	// delivery blocked on a full ch.
	done chan struct{}

	// sendMu serializes deliveries against the terminal close so a blocked
	// chunk can never race settle's close of ch.
	sendMu  sync.Mutex
	settled bool
}

// pendingTable tracks every in-flight request id, its settlement channel,
// its timeout, and the session that owns it, so a disconnect can cancel
// only that session's work.
type pendingTable struct {
	mu        sync.Mutex
	byID      map[string]*pendingRequest
	bySession map[string]map[string]*pendingRequest
	timeout   time.Duration
	log       *slog.Logger
}

func newPendingTable(timeout time.Duration, logger *slog.Logger) *pendingTable {
	return &pendingTable{
		byID:      map[string]*pendingRequest{},
		bySession: map[string]map[string]*pendingRequest{},
		timeout:   timeout,
		log:       logger,
	}
}

// submit allocates a correlation id, registers the pending entry with its
// timeout, and returns the entry. The caller sends the request envelope over
// the developer transport and then waits on the settlement channel.
func (pt *pendingTable) submit(sessionID string) *pendingRequest {
	p := &pendingRequest{
		id:        uuid.NewString(),
		sessionID: sessionID,
		createdAt: time.Now(),
		ch:        make(chan wire.Envelope, pendingChanBuffer),
		done:      make(chan struct{}),
	}
	p.timer = time.AfterFunc(pt.timeout, func() {
		pt.failOne(p.id, domain.CodeGatewayTimeout, "developer did not answer within the deadline")
	})

	pt.mu.Lock()
	pt.byID[p.id] = p
	idx := pt.bySession[sessionID]
	if idx == nil {
		idx = map[string]*pendingRequest{}
		pt.bySession[sessionID] = idx
	}
	idx[p.id] = p
	pt.mu.Unlock()
	return p
}

// deliver routes a response, response_chunk, or response_end envelope to
// its pending entry. An envelope for an unknown or already-settled id is
// logged and ignored; that is not an error condition for the transport.
func (pt *pendingTable) deliver(env wire.Envelope) {
	var id string
	switch env.Type {
	case wire.TypeResponse:
		id = env.Response.ID
	case wire.TypeResponseChunk, wire.TypeResponseEnd:
		id = env.Chunk.ID
	default:
		return
	}

	pt.mu.Lock()
	p, ok := pt.byID[id]
	if !ok {
		pt.mu.Unlock()
		pt.log.Debug("envelope for unknown request id", "id", id, "type", env.Type)
		return
	}

	switch env.Type {
	case wire.TypeResponse:
		if env.Response.Chunked {
			// Head of a streamed response: keep the entry open for chunks.
			pt.mu.Unlock()
			p.push(env)
			return
		}
		pt.removeLocked(p)
		pt.mu.Unlock()
		p.settle(env)
	case wire.TypeResponseChunk:
		pt.mu.Unlock()
		p.push(env)
	case wire.TypeResponseEnd:
		pt.removeLocked(p)
		pt.mu.Unlock()
		p.settle(env)
	}
}

// fail settles a pending entry with a typed error envelope, mapping the
// sentinel (possibly wrapped in a [domain.TunnelError]) to its wire code.
// Absent ids are a no-op.
func (pt *pendingTable) fail(id string, err error) {
	code := domain.CodeBadGatewayResponse
	switch {
	case err == nil:
		return
	case errors.Is(err, domain.ErrRequestTimeout):
		code = domain.CodeGatewayTimeout
	case errors.Is(err, domain.ErrDeveloperDisconnected):
		code = domain.CodeDeveloperDisconnected
	case errors.Is(err, domain.ErrNotConnected):
		code = domain.CodeDeveloperNotConnected
	}
	pt.failOne(id, code, err.Error())
}

func (pt *pendingTable) failOne(id, code, message string) {
	pt.mu.Lock()
	p, ok := pt.byID[id]
	if !ok {
		pt.mu.Unlock()
		return
	}
	pt.removeLocked(p)
	pt.mu.Unlock()

	p.settle(wire.Envelope{
		Type:  wire.TypeError,
		Error: &wire.Error{Code: code, Message: message, SessionID: p.sessionID},
	})
}

// cancel drops an entry whose caller went away (e.g. the public client hung
// up). No settlement is delivered; closing done releases any delivery still
// blocked on the channel.
func (pt *pendingTable) cancel(id string) {
	pt.mu.Lock()
	p, ok := pt.byID[id]
	if ok {
		pt.removeLocked(p)
	}
	pt.mu.Unlock()
	if ok {
		close(p.done)
	}
}

// cancelAllForSession fails exactly the pending set belonging to one
// session, using the per-session index. Other sessions' in-flight requests
// are untouched.
func (pt *pendingTable) cancelAllForSession(sessionID string) {
	pt.mu.Lock()
	idx := pt.bySession[sessionID]
	victims := make([]*pendingRequest, 0, len(idx))
	for _, p := range idx {
		pt.removeLocked(p)
		victims = append(victims, p)
	}
	pt.mu.Unlock()

	for _, p := range victims {
		p.settle(wire.Envelope{
			Type:  wire.TypeError,
			Error: &wire.Error{Code: domain.CodeDeveloperDisconnected, Message: "developer disconnected", SessionID: sessionID},
		})
	}
	if len(victims) > 0 {
		pt.log.Info("cancelled pending requests", "session_id", sessionID, "count", len(victims))
	}
}

// sweep force-expires entries older than the hard ceiling. This is a leak
// guard independent of the per-request timers and is idempotent.
func (pt *pendingTable) sweep(now time.Time, ceiling time.Duration) {
	pt.mu.Lock()
	var victims []*pendingRequest
	for _, p := range pt.byID {
		if now.Sub(p.createdAt) > ceiling {
			pt.removeLocked(p)
			victims = append(victims, p)
		}
	}
	pt.mu.Unlock()

	for _, p := range victims {
		pt.log.Warn("pending request exceeded hard ceiling", "id", p.id, "session_id", p.sessionID)
		p.settle(wire.Envelope{
			Type:  wire.TypeError,
			Error: &wire.Error{Code: domain.CodeGatewayTimeout, Message: "request abandoned", SessionID: p.sessionID},
		})
	}
}

// count returns the number of in-flight entries, for status reporting.
func (pt *pendingTable) count() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.byID)
}

// removeLocked unlinks an entry from both indexes and stops its timer.
// Removal happens before settlement so no id can settle twice.
func (pt *pendingTable) removeLocked(p *pendingRequest) {
	delete(pt.byID, p.id)
	if idx := pt.bySession[p.sessionID]; idx != nil {
		delete(idx, p.id)
		if len(idx) == 0 {
			delete(pt.bySession, p.sessionID)
		}
	}
	if p.timer != nil {
		p.timer.Stop()
	}
}

// push delivers a non-terminal envelope. A full channel blocks the
// transport read loop until the caller drains, which is the backpressure
// that keeps streamed bodies byte-identical. A cancelled request releases
// the sender instead.
func (p *pendingRequest) push(env wire.Envelope) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.settled {
		return
	}
	select {
	case p.ch <- env:
	case <-p.done:
	}
}

// settle delivers the terminal envelope and closes the channel. The entry
// was already removed from the table, so this runs at most once per id.
// The terminal envelope is never dropped: the close alone does not tell the
// caller how the request ended.
func (p *pendingRequest) settle(env wire.Envelope) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	select {
	case p.ch <- env:
	case <-p.done:
	}
	close(p.ch)
}
