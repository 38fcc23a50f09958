package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/outpost-sh/outpost/internal/domain"
)

const shareTokenBytes = 16 // 32 hex chars

// CreateShareOptions carries the optional limits of a new share token.
type CreateShareOptions struct {
	Label        string
	PasswordHash string
	MaxAccesses  int
	ExpiresAt    *time.Time
}

// CreateShare mints a share token for a session.
func (s *Store) CreateShare(ctx context.Context, sessionID string, opts CreateShareOptions) (domain.ShareToken, error) {
	token, err := newShareToken()
	if err != nil {
		return domain.ShareToken{}, err
	}
	now := time.Now().UTC()
	share := domain.ShareToken{
		Token:        token,
		SessionID:    sessionID,
		Label:        opts.Label,
		PasswordHash: opts.PasswordHash,
		MaxAccesses:  opts.MaxAccesses,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    opts.ExpiresAt,
	}
	var expires any
	if share.ExpiresAt != nil {
		expires = share.ExpiresAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO share_tokens(token, session_id, label, password_hash, max_accesses, access_count, created_at, last_accessed, expires_at)
VALUES(?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		share.Token, share.SessionID, nullableString(share.Label), nullableString(share.PasswordHash),
		share.MaxAccesses, share.CreatedAt, share.LastAccessed, expires)
	if err != nil {
		return domain.ShareToken{}, err
	}
	return share, nil
}

// GetShare returns a share token by its value.
func (s *Store) GetShare(ctx context.Context, token string) (domain.ShareToken, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT token, session_id, label, password_hash, max_accesses, access_count, created_at, last_accessed, expires_at
FROM share_tokens WHERE token = ?`, token)
	return scanShare(row)
}

// TouchShare records one access: bumps the counter and the last-accessed
// stamp. The caller checks limits before granting access.
func (s *Store) TouchShare(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE share_tokens SET access_count = access_count + 1, last_accessed = ? WHERE token = ?`,
		time.Now().UTC(), token)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrShareNotFound
	}
	return nil
}

// DeleteShare removes a token.
func (s *Store) DeleteShare(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM share_tokens WHERE token = ?`, token)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrShareNotFound
	}
	return nil
}

// ListSharesBySession returns all tokens minted for a session.
func (s *Store) ListSharesBySession(ctx context.Context, sessionID string) ([]domain.ShareToken, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT token, session_id, label, password_hash, max_accesses, access_count, created_at, last_accessed, expires_at
FROM share_tokens WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ShareToken
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, share)
	}
	return out, rows.Err()
}

// PurgeExpiredShares deletes tokens past their explicit expiry or the
// default retention window.
func (s *Store) PurgeExpiredShares(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM share_tokens
WHERE (expires_at IS NOT NULL AND expires_at < ?)
   OR (expires_at IS NULL AND created_at < ?)`,
		now.UTC(), now.Add(-domain.DefaultShareRetention).UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShare(row rowScanner) (domain.ShareToken, error) {
	var share domain.ShareToken
	var label, passwordHash sql.NullString
	var expires sql.NullTime
	err := row.Scan(&share.Token, &share.SessionID, &label, &passwordHash,
		&share.MaxAccesses, &share.AccessCount, &share.CreatedAt, &share.LastAccessed, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ShareToken{}, domain.ErrShareNotFound
	}
	if err != nil {
		return domain.ShareToken{}, err
	}
	if label.Valid {
		share.Label = label.String
	}
	if passwordHash.Valid {
		share.PasswordHash = passwordHash.String
	}
	if expires.Valid {
		t := expires.Time
		share.ExpiresAt = &t
	}
	return share, nil
}

func newShareToken() (string, error) {
	b := make([]byte, shareTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
