// SPDX-License-Identifier: LGPL-3.0-or-later

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"
)

// GrantAccess inserts or updates a peer row and mints a fresh access_grants
// row for it on every call; unlike trust.Store.GrantAccess, it does not
// merge into an existing grant.
func (s *Store) GrantAccess(ctx context.Context, signPubHex, encryptPubHex, label, grantedBy string, sessions, caps []string, ttl *time.Duration) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO peers (sign_pub, encrypt_pub, label, sessions, caps, added_at, revoked)
		VALUES ($1, $2, $3, $4, $5, NOW(), FALSE)
		ON CONFLICT (sign_pub) DO UPDATE SET
			encrypt_pub = EXCLUDED.encrypt_pub,
			sessions = ARRAY(SELECT DISTINCT unnest(peers.sessions || EXCLUDED.sessions)),
			caps = ARRAY(SELECT DISTINCT unnest(peers.caps || EXCLUDED.caps))
		WHERE peers.revoked = FALSE
	`, signPubHex, encryptPubHex, label, sessions, caps)
	if err != nil {
		return "", fmt.Errorf("upsert peer: %w", err)
	}

	id := uuid.NewString()
	var expiresAt *time.Time
	if ttl != nil {
		exp := time.Now().Add(*ttl)
		expiresAt = &exp
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO access_grants (id, peer_key, encrypt_pub, sessions, caps, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
	`, id, signPubHex, encryptPubHex, sessions, caps, grantedBy, expiresAt)
	if err != nil {
		return "", fmt.Errorf("insert grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// IsAuthorized reports whether signPubHex (or any key it rotated from,
// within its grace period) currently holds a valid access grant covering
// the "inject" capability for sessionName (or the "*" wildcard).
func (s *Store) IsAuthorized(ctx context.Context, signPubHex, sessionName string) (bool, error) {
	var authorized bool
	err := s.pool.QueryRow(ctx, `
		WITH current_key AS (
			SELECT COALESCE(
				(SELECT new_sign_pub FROM key_history
				 WHERE old_sign_pub = $1 AND expires_at > NOW()
				 ORDER BY rotated_at DESC LIMIT 1),
				$1
			) AS key
		)
		SELECT EXISTS (
			SELECT 1
			FROM access_grants g
			JOIN peers p ON p.sign_pub = g.peer_key
			JOIN current_key ck ON g.peer_key = ck.key
			WHERE p.revoked = FALSE
			  AND (g.expires_at IS NULL OR g.expires_at > NOW())
			  AND 'inject' = ANY(g.caps)
			  AND ($2 = ANY(g.sessions) OR '*' = ANY(g.sessions))
		)
	`, signPubHex, sessionName).Scan(&authorized)
	if err != nil {
		return false, fmt.Errorf("query authorization: %w", err)
	}
	return authorized, nil
}

// RevokePeer marks a peer revoked and removes its active grants.
func (s *Store) RevokePeer(ctx context.Context, signPubHex string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE peers SET revoked = TRUE, revoked_at = NOW() WHERE sign_pub = $1`, signPubHex)
	if err != nil {
		return fmt.Errorf("revoke peer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	if _, err := tx.Exec(ctx, `DELETE FROM access_grants WHERE peer_key = $1`, signPubHex); err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	return tx.Commit(ctx)
}
