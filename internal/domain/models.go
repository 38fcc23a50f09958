// Package domain defines the core data types shared across the outpost
// relay, store, agent, and wire protocol layers.
package domain

import "time"

// Session status constants describe the lifecycle of a tunnel session.
// A session only advances pending -> active -> expired, or drops back from
// active to pending on a transient developer disconnect. Expired is terminal.
const (
	SessionStatusPending = "pending"
	SessionStatusActive  = "active"
	SessionStatusExpired = "expired"
)

// Connection role constants identify which end of a session a transport
// handle serves.
const (
	RoleDeveloper = "developer"
	RoleViewer    = "viewer"
)

// TunnelSession is the durable record of one tunnel: a public two-word
// subdomain token mapped to a developer's local target port.
type TunnelSession struct {
	ID             string
	OwnerID        string
	TargetPort     int
	Status         string
	EnableP2P      bool
	PublicURL      string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Idle reports whether the session has seen no activity for longer than the
// given window.
func (s *TunnelSession) Idle(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActivityAt) > window
}

// ShareToken grants limited access to a tunnel session via an opaque
// fixed-length hex token.
type ShareToken struct {
	Token        string
	SessionID    string
	Label        string
	PasswordHash string
	MaxAccesses  int // 0 = unlimited
	AccessCount  int
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    *time.Time
}

// DefaultShareRetention is how long a share token without an explicit expiry
// stays valid after creation.
const DefaultShareRetention = 30 * 24 * time.Hour

// Expired reports whether the token is past its explicit expiry, or past the
// default retention window when no expiry was set.
func (t *ShareToken) Expired(now time.Time) bool {
	if t.ExpiresAt != nil {
		return now.After(*t.ExpiresAt)
	}
	return now.After(t.CreatedAt.Add(DefaultShareRetention))
}

// Exhausted reports whether the token's access budget is used up.
func (t *ShareToken) Exhausted() bool {
	return t.MaxAccesses > 0 && t.AccessCount >= t.MaxAccesses
}
