package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetUserBySSOIdentity resolves a federated (provider, subject) pair to a
// local account.
func (s *Store) GetUserBySSOIdentity(ctx context.Context, provider, subject string) (*User, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sso_identities WHERE provider = ? AND subject = ?`,
		provider, subject).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup sso identity: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

// LinkSSOIdentity binds a federated identity to a local account. Linking the
// same pair twice is a no-op.
func (s *Store) LinkSSOIdentity(ctx context.Context, provider, subject string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sso_identities (provider, subject, user_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		provider, subject, userID, now())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil
		}
		return fmt.Errorf("link sso identity: %w", err)
	}
	return nil
}

// ProvisionSSOUser finds or creates the local account for a federated login.
// Usernames collide with a numeric suffix.
func (s *Store) ProvisionSSOUser(ctx context.Context, provider, subject, preferredUsername, displayName, passwordHash string) (*User, error) {
	if u, err := s.GetUserBySSOIdentity(ctx, provider, subject); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	username := preferredUsername
	var userID int64
	for attempt := 0; ; attempt++ {
		candidate := username
		if attempt > 0 {
			candidate = fmt.Sprintf("%s%d", username, attempt)
		}
		id, err := s.CreateUser(ctx, candidate, passwordHash, displayName)
		if err == nil {
			userID = id
			break
		}
		if !errors.Is(err, ErrDuplicateUsername) {
			return nil, err
		}
		if attempt >= 50 {
			return nil, fmt.Errorf("exhausted username candidates for %q", username)
		}
	}

	if err := s.LinkSSOIdentity(ctx, provider, subject, userID); err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, userID)
}
