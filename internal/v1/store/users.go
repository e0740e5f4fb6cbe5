package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const userColumns = `id, username, password_hash,
	COALESCE(nickname, username),
	COALESCE(profile_image, ''),
	COALESCE(status, 'offline'),
	COALESCE(status_message, ''),
	COALESCE(session_token, ''),
	created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Nickname,
		&u.ProfileImage, &u.Status, &u.StatusMessage, &u.SessionToken, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// CreateUser registers an account and returns its id. The username must
// already be validated and the password hashed by the caller.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, nickname string) (int64, error) {
	if nickname == "" {
		nickname = username
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, nickname, status, created_at)
		 VALUES (?, ?, ?, 'offline', ?)`,
		username, passwordHash, nickname, now())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrDuplicateUsername
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// GetUserByUsername fetches an account including its password hash for
// credential verification.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches an account by id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserBySessionToken resolves the bearer of an opaque session token.
func (s *Store) GetUserBySessionToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE session_token = ?`, token)
	return scanUser(row)
}

// SetSessionToken rotates the account's single active session token. An empty
// token logs the user out everywhere.
func (s *Store) SetSessionToken(ctx context.Context, userID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET session_token = ? WHERE id = ?`, nullStr(token), userID)
	if err != nil {
		return fmt.Errorf("set session token: %w", err)
	}
	return nil
}

// UpdatePasswordHash rewrites the stored digest. Used on password change and
// on transparent rehash of legacy digests at login.
func (s *Store) UpdatePasswordHash(ctx context.Context, userID int64, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// UpdateStatus sets the presence status string (online, offline, away, busy).
func (s *Store) UpdateStatus(ctx context.Context, userID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ? WHERE id = ?`, status, userID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// UpdateProfile applies the provided profile fields. Nil pointers leave the
// column untouched.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, nickname, statusMessage *string) error {
	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if nickname != nil {
		sets = append(sets, "nickname = ?")
		args = append(args, *nickname)
	}
	if statusMessage != nil {
		sets = append(sets, "status_message = ?")
		args = append(args, *statusMessage)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, userID)
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// SetProfileImage records the stored filename, or clears it when empty.
func (s *Store) SetProfileImage(ctx context.Context, userID int64, path string) (string, error) {
	var previous sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_image FROM users WHERE id = ?`, userID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read profile image: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET profile_image = ? WHERE id = ?`, nullStr(path), userID)
	if err != nil {
		return "", fmt.Errorf("set profile image: %w", err)
	}
	return previous.String, nil
}

// ListUsers returns every account except the caller, ordered by display name.
func (s *Store) ListUsers(ctx context.Context, excludeID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id != ?
		 ORDER BY COALESCE(nickname, username) COLLATE NOCASE`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ListOnlineUsers returns accounts currently marked online, except the
// caller.
func (s *Store) ListOnlineUsers(ctx context.Context, excludeID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE status = 'online' AND id != ?
		 ORDER BY COALESCE(nickname, username) COLLATE NOCASE`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeleteUser removes the account row and its federated identities. Access
// logs are anonymized rather than deleted so the trail survives the account.
// Room memberships must be released beforehand (LeaveRoom keeps the admin
// invariant per room).
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE access_logs SET user_id = NULL WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("anonymize access logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sso_identities WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete sso identities: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LogAccess appends an access trail row. The user agent is clamped to keep a
// hostile client from bloating the table.
func (s *Store) LogAccess(ctx context.Context, userID int64, action, ip, userAgent string) error {
	if len(userAgent) > 500 {
		userAgent = userAgent[:500]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_logs (user_id, action, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullInt(userID), action, ip, userAgent, now())
	if err != nil {
		return fmt.Errorf("log access: %w", err)
	}
	return nil
}

// PurgeAccessLogs deletes trail rows older than the cutoff and returns the
// number removed.
func (s *Store) PurgeAccessLogs(ctx context.Context, before string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM access_logs WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purge access logs: %w", err)
	}
	return res.RowsAffected()
}
