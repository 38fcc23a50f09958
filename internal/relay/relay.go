// Package relay implements the outpost tunnel relay engine: session and
// connection registries, the request correlation table, subdomain ingress
// routing, the HTTP envelope codec, and both transport adapters.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/outpost-sh/outpost/internal/config"
	"github.com/outpost-sh/outpost/internal/names"
	"github.com/outpost-sh/outpost/internal/netutil"
	"github.com/outpost-sh/outpost/internal/store/sqlite"
)

// Relay owns all process-wide tunnel state. Construct with [New]; tests
// build isolated instances per case instead of sharing globals.
type Relay struct {
	cfg      config.RelayConfig
	log      *slog.Logger
	store    *sqlite.Store
	sessions *sessionRegistry
	conns    *connRegistry
	pending  *pendingTable
	router   http.Handler
	closed   atomic.Bool

	// stallTimeout is the allowed gap between chunks of a streamed
	// response once the head has been written.
	stallTimeout time.Duration
}

// New wires up a relay from its configuration. store may be nil, in which
// case sessions live purely in memory.
func New(cfg config.RelayConfig, store *sqlite.Store, logger *slog.Logger) (*Relay, error) {
	rl := &Relay{
		cfg:          cfg,
		log:          logger,
		store:        store,
		stallTimeout: streamChunkTimeout,
	}
	rl.sessions = newSessionRegistry(cfg, store, logger)
	rl.conns = newConnRegistry(logger)
	rl.pending = newPendingTable(cfg.RequestTimeout, logger)
	router, err := rl.newRouter()
	if err != nil {
		return nil, err
	}
	rl.router = router
	return rl, nil
}

// ServeHTTP routes every inbound request: tunnel subdomains are diverted to
// the ingress path, everything else falls through to the control API.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := netutil.NormalizeHost(r.Host)
	if label, ok := rl.tunnelLabel(host); ok {
		rl.handleIngress(w, r, label)
		return
	}
	rl.router.ServeHTTP(w, r)
}

// tunnelLabel extracts the first host label and reports whether it has the
// two-word session token shape. Hosts that don't match fall through to
// normal routing so legitimate non-tunnel hosts are never shadowed.
func (rl *Relay) tunnelLabel(host string) (string, bool) {
	if host == "" || host == rl.cfg.BaseDomain {
		return "", false
	}
	label, _, found := strings.Cut(host, ".")
	if !found {
		label = host
	}
	if !names.Match(label) {
		return "", false
	}
	return label, true
}

// Run starts the relay HTTP server and background sweeps, blocking until
// ctx is cancelled or the server fails.
func (rl *Relay) Run(ctx context.Context) error {
	if rl.store != nil {
		restored, reset, err := rl.sessions.restore(ctx)
		if err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
		if restored > 0 || reset > 0 {
			rl.log.Info("restored persisted sessions", "count", restored, "reset", reset)
		}
	}

	go rl.runJanitor(ctx)

	server := &http.Server{
		Addr:              rl.cfg.ListenAddr,
		Handler:           rl,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	if rl.cfg.TLSMode == "auto" {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(rl.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: rl.tlsHostPolicy,
		}
		server.TLSConfig = manager.TLSConfig()
		go func() {
			rl.log.Info("starting relay (TLS)", "addr", rl.cfg.ListenAddr, "domain", rl.cfg.BaseDomain)
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("relay server: %w", err)
			}
		}()
	} else {
		go func() {
			rl.log.Info("starting relay", "addr", rl.cfg.ListenAddr, "domain", rl.cfg.BaseDomain)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("relay server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		rl.closed.Store(true)
		return shutdownServer(server, 5*time.Second)
	case err := <-errCh:
		rl.closed.Store(true)
		_ = shutdownServer(server, 5*time.Second)
		return err
	}
}

// tlsHostPolicy authorizes certificates for the base domain and for tunnel
// subdomains with a known session.
func (rl *Relay) tlsHostPolicy(_ context.Context, host string) error {
	host = netutil.NormalizeHost(host)
	if host == rl.cfg.BaseDomain {
		return nil
	}
	label, ok := rl.tunnelLabel(host)
	if !ok {
		return errors.New("host not allowed")
	}
	if _, err := rl.sessions.peek(label); err != nil {
		return errors.New("host not allowed")
	}
	return nil
}

// runJanitor drives the periodic sweeps: session expiry, stale pending
// requests, and silently-dead transports. Each sweep is idempotent.
func (rl *Relay) runJanitor(ctx context.Context) {
	sessionTicker := time.NewTicker(rl.cfg.SessionSweepEvery)
	pendingTicker := time.NewTicker(rl.cfg.PendingSweepEvery)
	defer sessionTicker.Stop()
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTicker.C:
			rl.sweepSessions(ctx)
		case <-pendingTicker.C:
			rl.pending.sweep(time.Now(), rl.cfg.PendingCeiling)
			rl.conns.closeStale(time.Now(), rl.cfg.HeartbeatTimeout)
		}
	}
}

// sweepSessions expires idle sessions and cascades teardown: transports are
// closed, pending requests cancelled, persisted records purged.
func (rl *Relay) sweepSessions(ctx context.Context) {
	expired := rl.sessions.sweepExpired(time.Now())
	for _, id := range expired {
		rl.teardownSession(id)
	}
	if rl.store == nil {
		return
	}
	rl.sessions.flushActivity(ctx)
	idleBefore := time.Now().Add(-rl.cfg.SessionIdleWindow)
	if _, err := rl.store.PurgeExpiredSessions(ctx, idleBefore, 100); err != nil {
		rl.log.Error("session purge failed", "err", err)
	}
	if _, err := rl.store.PurgeExpiredShares(ctx, time.Now()); err != nil {
		rl.log.Error("share purge failed", "err", err)
	}
}

// teardownSession releases every resource owned by one session: both
// transport handles and exactly that session's pending requests.
func (rl *Relay) teardownSession(id string) {
	rl.conns.dropSession(id)
	rl.pending.cancelAllForSession(id)
	rl.sessions.invalidateRoute(id)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
