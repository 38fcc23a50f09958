package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/store/sqlite"
)

const maxAPIBodyBytes = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type createTunnelRequest struct {
	TargetPort int  `json:"target_port"`
	EnableP2P  bool `json:"enable_p2p,omitempty"`
}

type createTunnelResponse struct {
	SessionID  string `json:"session_id"`
	TunnelURL  string `json:"tunnel_url"`
	TargetPort int    `json:"target_port"`
	Status     string `json:"status"`
}

type tunnelStatus struct {
	SessionID  string    `json:"session_id"`
	TunnelURL  string    `json:"tunnel_url"`
	TargetPort int       `json:"target_port"`
	Status     string    `json:"status"`
	Connected  bool      `json:"connected"`
	CreatedAt  time.Time `json:"created_at"`
}

type statusResponse struct {
	Active  int            `json:"active"`
	Pending int            `json:"pending_requests"`
	Tunnels []tunnelStatus `json:"tunnels"`
}

type stopTunnelRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type createShareRequest struct {
	SessionID   string `json:"session_id"`
	Label       string `json:"label,omitempty"`
	Password    string `json:"password,omitempty"`
	MaxAccesses int    `json:"max_accesses,omitempty"`
	ExpiresIn   int    `json:"expires_in_seconds,omitempty"`
}

type shareResponse struct {
	Token       string     `json:"token"`
	SessionID   string     `json:"session_id"`
	TunnelURL   string     `json:"tunnel_url,omitempty"`
	Label       string     `json:"label,omitempty"`
	AccessCount int        `json:"access_count"`
	MaxAccesses int        `json:"max_accesses,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// newRouter builds the control API served on the base domain. Tunnel
// subdomain traffic never reaches this router.
func (rl *Relay) newRouter() (http.Handler, error) {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.HandleFunc("/tunnel/create", rl.handleTunnelCreate).Methods(http.MethodPost)
	r.HandleFunc("/tunnel/status", rl.handleTunnelStatus).Methods(http.MethodGet)
	r.HandleFunc("/tunnel/stop", rl.handleTunnelStop).Methods(http.MethodDelete)
	r.HandleFunc("/tunnel/detect", rl.handleTunnelDetect).Methods(http.MethodGet)

	r.HandleFunc("/tunnel/ws", rl.handleTransportConnect)
	r.HandleFunc("/tunnel/events", rl.handleTransportEvents).Methods(http.MethodGet)
	r.HandleFunc("/tunnel/respond", rl.handleTransportRespond).Methods(http.MethodPost)

	r.HandleFunc("/tunnel/share", rl.handleShareCreate).Methods(http.MethodPost)
	r.HandleFunc("/tunnel/share/{token}", rl.handleShareAccess).Methods(http.MethodGet)
	r.HandleFunc("/tunnel/share/{token}", rl.handleShareRevoke).Methods(http.MethodDelete)
	r.HandleFunc("/tunnel/shares/{sessionID}", rl.handleShareList).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusNotFound, domain.CodeInvalidRequest, "not found")
	})
	return r, nil
}

func (rl *Relay) handleTunnelCreate(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	if req.TargetPort <= 0 || req.TargetPort > 65535 {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "target_port must be between 1 and 65535")
		return
	}

	sess, err := rl.sessions.create(ownerID(r), req.TargetPort, req.EnableP2P)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, domain.CodeInvalidRequest, err.Error())
		return
	}
	rl.log.Info("tunnel created", "session_id", sess.ID, "target_port", sess.TargetPort)

	writeJSON(w, http.StatusOK, createTunnelResponse{
		SessionID:  sess.ID,
		TunnelURL:  sess.PublicURL,
		TargetPort: sess.TargetPort,
		Status:     sess.Status,
	})
}

func (rl *Relay) handleTunnelStatus(w http.ResponseWriter, _ *http.Request) {
	sessions := rl.sessions.list()
	resp := statusResponse{
		Pending: rl.pending.count(),
		Tunnels: make([]tunnelStatus, 0, len(sessions)),
	}
	for _, sess := range sessions {
		connected := rl.conns.isConnected(sess.ID)
		if connected {
			resp.Active++
		}
		resp.Tunnels = append(resp.Tunnels, tunnelStatus{
			SessionID:  sess.ID,
			TunnelURL:  sess.PublicURL,
			TargetPort: sess.TargetPort,
			Status:     sess.Status,
			Connected:  connected,
			CreatedAt:  sess.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTunnelStop stops one session, or every session when no id is given.
func (rl *Relay) handleTunnelStop(w http.ResponseWriter, r *http.Request) {
	var req stopTunnelRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}

	var stopped []string
	if req.SessionID != "" {
		if _, err := rl.sessions.peek(req.SessionID); err != nil {
			writeAPIError(w, http.StatusNotFound, domain.CodeSessionNotFound, "session not found")
			return
		}
		stopped = []string{req.SessionID}
	} else {
		for _, sess := range rl.sessions.list() {
			stopped = append(stopped, sess.ID)
		}
	}

	for _, id := range stopped {
		rl.teardownSession(id)
		rl.sessions.remove(id)
		rl.log.Info("tunnel stopped", "session_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (rl *Relay) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	if rl.store == nil {
		writeAPIError(w, http.StatusNotImplemented, domain.CodeInvalidRequest, "share tokens require a store")
		return
	}
	var req createShareRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	sess, err := rl.sessions.peek(req.SessionID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, domain.CodeSessionNotFound, "session not found")
		return
	}

	opts := sqlite.CreateShareOptions{Label: req.Label, MaxAccesses: req.MaxAccesses}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, domain.CodeInvalidRequest, "failed to hash password")
			return
		}
		opts.PasswordHash = string(hash)
	}
	if req.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second).UTC()
		opts.ExpiresAt = &t
	}

	share, err := rl.store.CreateShare(r.Context(), sess.ID, opts)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, domain.CodeInvalidRequest, "failed to create share token")
		return
	}
	writeJSON(w, http.StatusOK, shareView(share, sess.PublicURL))
}

// validateShareAccess applies the token contract: expiry and access budget
// first, then the bcrypt password check when a hash is set.
func validateShareAccess(share domain.ShareToken, password string, now time.Time) error {
	if share.Expired(now) || share.Exhausted() {
		return domain.ErrShareExpired
	}
	if share.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(share.PasswordHash), []byte(password)) != nil {
			return domain.ErrShareUnauthorized
		}
	}
	return nil
}

// handleShareAccess validates a token and records one access. The password,
// when set, is supplied via the X-Share-Password header.
func (rl *Relay) handleShareAccess(w http.ResponseWriter, r *http.Request) {
	if rl.store == nil {
		writeAPIError(w, http.StatusNotImplemented, domain.CodeInvalidRequest, "share tokens require a store")
		return
	}
	token := mux.Vars(r)["token"]
	share, err := rl.store.GetShare(r.Context(), token)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, domain.CodeShareNotFound, "share token not found")
		return
	}

	switch err := validateShareAccess(share, r.Header.Get("X-Share-Password"), time.Now()); {
	case errors.Is(err, domain.ErrShareExpired):
		writeAPIError(w, http.StatusGone, domain.CodeShareExpired, "share token expired")
		return
	case errors.Is(err, domain.ErrShareUnauthorized):
		writeAPIError(w, http.StatusUnauthorized, domain.CodeShareUnauthorized, "invalid share password")
		return
	}

	sess, err := rl.sessions.peek(share.SessionID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, domain.CodeSessionNotFound, "session no longer exists")
		return
	}
	if err := rl.store.TouchShare(r.Context(), token); err != nil {
		rl.log.Warn("share access not recorded", "token", token, "err", err)
	}
	share.AccessCount++
	writeJSON(w, http.StatusOK, shareView(share, sess.PublicURL))
}

func (rl *Relay) handleShareRevoke(w http.ResponseWriter, r *http.Request) {
	if rl.store == nil {
		writeAPIError(w, http.StatusNotImplemented, domain.CodeInvalidRequest, "share tokens require a store")
		return
	}
	token := mux.Vars(r)["token"]
	if err := rl.store.DeleteShare(r.Context(), token); err != nil {
		writeAPIError(w, http.StatusNotFound, domain.CodeShareNotFound, "share token not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"revoked": token})
}

func (rl *Relay) handleShareList(w http.ResponseWriter, r *http.Request) {
	if rl.store == nil {
		writeAPIError(w, http.StatusNotImplemented, domain.CodeInvalidRequest, "share tokens require a store")
		return
	}
	sessionID := mux.Vars(r)["sessionID"]
	sess, err := rl.sessions.peek(sessionID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, domain.CodeSessionNotFound, "session not found")
		return
	}
	shares, err := rl.store.ListSharesBySession(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, domain.CodeInvalidRequest, "failed to list share tokens")
		return
	}
	out := make([]shareResponse, 0, len(shares))
	for _, share := range shares {
		out = append(out, shareView(share, sess.PublicURL))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": out})
}

func shareView(share domain.ShareToken, tunnelURL string) shareResponse {
	return shareResponse{
		Token:       share.Token,
		SessionID:   share.SessionID,
		TunnelURL:   tunnelURL,
		Label:       share.Label,
		AccessCount: share.AccessCount,
		MaxAccesses: share.MaxAccesses,
		CreatedAt:   share.CreatedAt,
		ExpiresAt:   share.ExpiresAt,
	}
}

func ownerID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Outpost-Owner")); v != "" {
		return v
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func decodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAPIBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
