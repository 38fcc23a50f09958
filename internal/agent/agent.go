// Package agent implements the developer-side tunnel client: it opens a
// session on the relay, holds the persistent transport, and forwards each
// request envelope to the local target server.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/outpost-sh/outpost/internal/config"
	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

// Agent runs one tunnel session against a relay.
type Agent struct {
	cfg     config.AgentConfig
	log     *slog.Logger
	local   *http.Client
	control *http.Client

	sessionID string
	tunnelURL string
}

type createTunnelResponse struct {
	SessionID  string `json:"session_id"`
	TunnelURL  string `json:"tunnel_url"`
	TargetPort int    `json:"target_port"`
	Status     string `json:"status"`
}

// New builds an agent from its configuration.
func New(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{
		cfg: cfg,
		log: logger,
		local: &http.Client{
			Timeout: 0, // per-request deadline comes from the envelope
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects are the browser's business; pass them through.
				return http.ErrUseLastResponse
			},
		},
		control: &http.Client{Timeout: cfg.DialTimeout},
	}
}

// Run opens the tunnel and keeps the transport connected until ctx is
// cancelled, reconnecting with jittered backoff on failure.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.createTunnel(ctx); err != nil {
		return err
	}
	a.log.Info("tunnel ready", "session_id", a.sessionID, "url", a.tunnelURL,
		"target_port", a.cfg.TargetPort, "transport", a.cfg.Transport)

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: true,
	}
	for {
		var err error
		if a.cfg.Transport == "sse" {
			err = a.runSSE(ctx)
		} else {
			err = a.runWebSocket(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		d := b.Duration()
		a.log.Warn("transport disconnected", "err", err, "retry_in", d)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// createTunnel registers the session with the relay control API.
func (a *Agent) createTunnel(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]any{
		"target_port": a.cfg.TargetPort,
		"enable_p2p":  a.cfg.EnableP2P,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.RelayURL+"/tunnel/create", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.control.Do(req)
	if err != nil {
		return fmt.Errorf("create tunnel: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("create tunnel: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out createTunnelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("create tunnel: decode response: %w", err)
	}
	if out.SessionID == "" {
		return errors.New("create tunnel: relay returned empty session id")
	}
	a.sessionID = out.SessionID
	a.tunnelURL = out.TunnelURL
	return nil
}

// runWebSocket serves one full-duplex connection until it breaks.
func (a *Agent) runWebSocket(ctx context.Context) error {
	wsURL, err := a.websocketURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var writeMu sync.Mutex
	send := func(env wire.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(env)
	}

	if err := send(wire.Envelope{Type: wire.TypeRegister, Register: &wire.Register{
		SessionID:  a.sessionID,
		Role:       domain.RoleDeveloper,
		TargetPort: a.cfg.TargetPort,
	}}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	// The relay answers with registered before any request envelope.
	var ack wire.Envelope
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("register ack: %w", err)
	}
	if ack.Type == wire.TypeError {
		return fmt.Errorf("register rejected: %s: %s", ack.Error.Code, ack.Error.Message)
	}
	if ack.Type != wire.TypeRegistered {
		return fmt.Errorf("unexpected register ack %q", ack.Type)
	}
	a.log.Info("transport connected", "session_id", a.sessionID)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go a.heartbeatLoop(hbCtx, send)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, err := wire.Decode(data)
		if err != nil {
			a.log.Warn("dropping malformed envelope", "err", err)
			continue
		}
		a.dispatch(env, send)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, send func(wire.Envelope) error) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(wire.Envelope{Type: wire.TypeHeartbeat, Heartbeat: &wire.Heartbeat{
				SessionID: a.sessionID,
			}}); err != nil {
				return
			}
		}
	}
}

// dispatch handles one envelope pushed by the relay, on either transport.
func (a *Agent) dispatch(env wire.Envelope, send func(wire.Envelope) error) {
	switch env.Type {
	case wire.TypeRequest:
		go a.serveRequest(env.Request, send)
	case wire.TypePong:
		// Keep-alive answered; nothing to do.
	case wire.TypeRegistered:
		// Possible on the SSE stream where the ack is just the first event.
	case wire.TypeP2PReady, wire.TypeP2POffer, wire.TypeP2PAnswer, wire.TypeP2PICE, wire.TypeP2PFailed:
		a.log.Debug("peer signal", "type", env.Type)
	case wire.TypeError:
		a.log.Warn("relay error", "code", env.Error.Code, "message", env.Error.Message)
	default:
		a.log.Warn("unexpected envelope from relay", "type", env.Type)
	}
}

func (a *Agent) websocketURL() (string, error) {
	u, err := url.Parse(a.cfg.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = "/tunnel/ws"
	return u.String(), nil
}
