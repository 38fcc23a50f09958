package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/outpost-sh/outpost/internal/config"
	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/names"
	"github.com/outpost-sh/outpost/internal/store/sqlite"
)

const tokenRerollAttempts = 32
const routeCacheSize = 1024

// sessionRegistry is the exclusive owner of tunnel session records. All
// other components reference sessions by id and mutate them only through
// this registry. Persistence is best-effort: a failed store write is logged
// and the in-memory operation still succeeds.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.TunnelSession

	// route caches recently resolved session ids for the ingress hot path.
	// Entries are invalidated on teardown; the cache never outlives the
	// registry's answer, it only skips the map lock.
	route *lru.Cache[string, string]

	cfg   config.RelayConfig
	store *sqlite.Store
	log   *slog.Logger
}

func newSessionRegistry(cfg config.RelayConfig, store *sqlite.Store, logger *slog.Logger) *sessionRegistry {
	cache, err := lru.New[string, string](routeCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &sessionRegistry{
		sessions: map[string]*domain.TunnelSession{},
		route:    cache,
		cfg:      cfg,
		store:    store,
		log:      logger,
	}
}

// create allocates a new session with a collision-checked two-word id.
func (sr *sessionRegistry) create(ownerID string, targetPort int, enableP2P bool) (domain.TunnelSession, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	var id string
	for attempt := 0; ; attempt++ {
		if attempt >= tokenRerollAttempts {
			return domain.TunnelSession{}, errors.New("session token space exhausted")
		}
		token, err := names.New()
		if err != nil {
			return domain.TunnelSession{}, err
		}
		if _, taken := sr.sessions[token]; !taken {
			id = token
			break
		}
	}

	now := time.Now().UTC()
	sess := &domain.TunnelSession{
		ID:             id,
		OwnerID:        ownerID,
		TargetPort:     targetPort,
		Status:         domain.SessionStatusPending,
		EnableP2P:      enableP2P,
		PublicURL:      sr.publicURL(id),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	sr.sessions[id] = sess
	sr.persist(sess)
	return *sess, nil
}

// get returns the session and refreshes its activity stamp; a read acts as
// a keep-alive.
func (sr *sessionRegistry) get(id string) (domain.TunnelSession, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sess, ok := sr.sessions[id]
	if !ok {
		return domain.TunnelSession{}, domain.ErrSessionNotFound
	}
	sess.LastActivityAt = time.Now().UTC()
	return *sess, nil
}

// peek returns the session without the keep-alive side effect.
func (sr *sessionRegistry) peek(id string) (domain.TunnelSession, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	sess, ok := sr.sessions[id]
	if !ok {
		return domain.TunnelSession{}, domain.ErrSessionNotFound
	}
	return *sess, nil
}

// setStatus advances a session's lifecycle. Expired is terminal: any
// transition away from it is refused.
func (sr *sessionRegistry) setStatus(id, status string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sess, ok := sr.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if sess.Status == domain.SessionStatusExpired {
		return fmt.Errorf("session %s is expired", id)
	}
	sess.Status = status
	sess.LastActivityAt = time.Now().UTC()
	sr.persist(sess)
	return nil
}

// resolveRoute maps a subdomain label to a session id via the LRU cache,
// falling back to the registry.
func (sr *sessionRegistry) resolveRoute(label string) (domain.TunnelSession, error) {
	if id, ok := sr.route.Get(label); ok {
		if sess, err := sr.get(id); err == nil {
			return sess, nil
		}
		sr.route.Remove(label)
	}
	sess, err := sr.get(label)
	if err != nil {
		return domain.TunnelSession{}, err
	}
	sr.route.Add(label, sess.ID)
	return sess, nil
}

func (sr *sessionRegistry) invalidateRoute(id string) {
	sr.route.Remove(id)
}

// remove deletes a session record entirely.
func (sr *sessionRegistry) remove(id string) {
	sr.mu.Lock()
	delete(sr.sessions, id)
	sr.mu.Unlock()
	sr.route.Remove(id)
	if sr.store != nil {
		if err := sr.store.DeleteSession(context.Background(), id); err != nil {
			sr.log.Warn("session delete not persisted", "session_id", id, "err", err)
		}
	}
}

// list returns a snapshot of all sessions.
func (sr *sessionRegistry) list() []domain.TunnelSession {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]domain.TunnelSession, 0, len(sr.sessions))
	for _, sess := range sr.sessions {
		out = append(out, *sess)
	}
	return out
}

// sweepExpired marks sessions idle past the inactivity window as expired
// and drops them from the registry, returning the affected ids. Running it
// again with no new activity is a no-op.
func (sr *sessionRegistry) sweepExpired(now time.Time) []string {
	sr.mu.Lock()
	var expired []string
	for id, sess := range sr.sessions {
		if !sess.Idle(now, sr.cfg.SessionIdleWindow) {
			continue
		}
		sess.Status = domain.SessionStatusExpired
		sr.persist(sess)
		delete(sr.sessions, id)
		expired = append(expired, id)
	}
	sr.mu.Unlock()

	for _, id := range expired {
		sr.route.Remove(id)
		sr.log.Info("session expired", "session_id", id)
	}
	return expired
}

// restore loads persisted sessions at boot. Sessions persisted as active
// are downgraded to pending; their transports did not survive the restart.
// Corrupted rows are skipped and logged, never fatal.
func (sr *sessionRegistry) restore(ctx context.Context) (restored, reset int, err error) {
	if sr.store == nil {
		return 0, 0, nil
	}
	resetCount, err := sr.store.ResetActiveSessions(ctx)
	if err != nil {
		return 0, 0, err
	}
	loaded, skipped, err := sr.store.LoadSessions(ctx)
	if err != nil {
		return 0, 0, err
	}
	if skipped > 0 {
		sr.log.Warn("skipped corrupted session records", "count", skipped)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for i := range loaded {
		sess := loaded[i]
		if sess.Status == domain.SessionStatusActive {
			sess.Status = domain.SessionStatusPending
		}
		sr.sessions[sess.ID] = &sess
	}
	return len(loaded), int(resetCount), nil
}

func (sr *sessionRegistry) publicURL(id string) string {
	scheme := "http"
	if sr.cfg.TLSMode == "auto" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s", scheme, id, sr.cfg.BaseDomain)
}

// flushActivity writes every live session's record through to the store so
// keep-alive stamps survive a restart. Runs before each purge: a session
// that is busy in memory must never lose its row to a stale
// last_activity_at on disk.
func (sr *sessionRegistry) flushActivity(ctx context.Context) {
	if sr.store == nil {
		return
	}
	sr.mu.RLock()
	snapshot := make([]domain.TunnelSession, 0, len(sr.sessions))
	for _, sess := range sr.sessions {
		snapshot = append(snapshot, *sess)
	}
	sr.mu.RUnlock()

	for i := range snapshot {
		if err := sr.store.SaveSession(ctx, &snapshot[i]); err != nil {
			sr.log.Warn("session activity not persisted", "session_id", snapshot[i].ID, "err", err)
		}
	}
}

// persist writes through to the store without failing the caller. Must be
// called with sr.mu held.
func (sr *sessionRegistry) persist(sess *domain.TunnelSession) {
	if sr.store == nil {
		return
	}
	record := *sess
	if err := sr.store.SaveSession(context.Background(), &record); err != nil {
		sr.log.Warn("session not persisted", "session_id", record.ID, "err", err)
	}
}
