package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/outpost-sh/outpost/internal/domain"
)

// SaveSession inserts or replaces one session record.
func (s *Store) SaveSession(ctx context.Context, sess *domain.TunnelSession) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, owner_id, target_port, status, enable_p2p, public_url, created_at, last_activity_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id,
	target_port = excluded.target_port,
	status = excluded.status,
	enable_p2p = excluded.enable_p2p,
	public_url = excluded.public_url,
	last_activity_at = excluded.last_activity_at`,
		sess.ID, sess.OwnerID, sess.TargetPort, sess.Status, boolToInt(sess.EnableP2P),
		nullableString(sess.PublicURL), sess.CreatedAt.UTC(), sess.LastActivityAt.UTC())
	return err
}

// DeleteSession removes a session record and its share tokens.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM share_tokens WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadSessions reads all persisted non-expired sessions. Rows that fail to
// scan are skipped and counted rather than aborting startup.
func (s *Store) LoadSessions(ctx context.Context) ([]domain.TunnelSession, int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, target_port, status, enable_p2p, public_url, created_at, last_activity_at
FROM sessions
WHERE status != ?
ORDER BY created_at`, domain.SessionStatusExpired)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TunnelSession
	skipped := 0
	for rows.Next() {
		var sess domain.TunnelSession
		var enableP2P int
		var publicURL sql.NullString
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.TargetPort, &sess.Status,
			&enableP2P, &publicURL, &sess.CreatedAt, &sess.LastActivityAt); err != nil {
			skipped++
			continue
		}
		if sess.ID == "" || sess.TargetPort <= 0 || sess.TargetPort > 65535 || !validStatus(sess.Status) {
			skipped++
			continue
		}
		sess.EnableP2P = enableP2P != 0
		if publicURL.Valid {
			sess.PublicURL = publicURL.String
		}
		out = append(out, sess)
	}
	return out, skipped, rows.Err()
}

// ResetActiveSessions downgrades sessions left active by a previous process
// to pending; their transports are gone after a restart.
func (s *Store) ResetActiveSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ? WHERE status = ?`,
		domain.SessionStatusPending, domain.SessionStatusActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpiredSessions deletes expired or long-idle session records and
// returns the removed ids.
func (s *Store) PurgeExpiredSessions(ctx context.Context, idleBefore time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM sessions
WHERE status = ? OR last_activity_at < ?
LIMIT ?`, domain.SessionStatusExpired, idleBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func validStatus(status string) bool {
	switch status {
	case domain.SessionStatusPending, domain.SessionStatusActive, domain.SessionStatusExpired:
		return true
	}
	return false
}
