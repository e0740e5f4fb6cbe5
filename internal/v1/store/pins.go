package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PinMessage pins a message to the room notice board. The content is copied
// into the pin row so the notice survives message deletion. Pinning an
// already pinned message returns the existing pin.
func (s *Store) PinMessage(ctx context.Context, roomID, messageID, pinnedBy int64) (*PinnedMessage, error) {
	var existingID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM pinned_messages WHERE room_id = ? AND message_id = ?`,
		roomID, messageID).Scan(&existingID)
	if err == nil {
		return s.getPin(ctx, existingID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("probe pin: %w", err)
	}

	var content sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT content FROM messages WHERE id = ? AND room_id = ?`,
		messageID, roomID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pinned_messages (room_id, message_id, content, pinned_by, pinned_at)
		 VALUES (?, ?, ?, ?, ?)`,
		roomID, messageID, content.String, pinnedBy, now())
	if err != nil {
		return nil, fmt.Errorf("insert pin: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getPin(ctx, id)
}

// PinNotice pins free-form notice text that is not tied to a message.
func (s *Store) PinNotice(ctx context.Context, roomID int64, content string, pinnedBy int64) (*PinnedMessage, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pinned_messages (room_id, message_id, content, pinned_by, pinned_at)
		 VALUES (?, NULL, ?, ?, ?)`,
		roomID, content, pinnedBy, now())
	if err != nil {
		return nil, fmt.Errorf("insert notice pin: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.getPin(ctx, id)
}

// DeletePin removes one pin by id. The room id must match so a pin cannot be
// removed through another room's endpoint.
func (s *Store) DeletePin(ctx context.Context, pinID, roomID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pinned_messages WHERE id = ? AND room_id = ?`, pinID, roomID)
	if err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnpinMessage removes the pin for a message.
func (s *Store) UnpinMessage(ctx context.Context, roomID, messageID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pinned_messages WHERE room_id = ? AND message_id = ?`,
		roomID, messageID)
	if err != nil {
		return fmt.Errorf("unpin: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getPin(ctx context.Context, pinID int64) (*PinnedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.room_id, COALESCE(p.message_id, 0), COALESCE(p.content, ''),
		        p.pinned_by, COALESCE(u.nickname, u.username), p.pinned_at
		 FROM pinned_messages p JOIN users u ON u.id = p.pinned_by
		 WHERE p.id = ?`, pinID)
	return scanPin(row)
}

func scanPin(row interface{ Scan(...any) error }) (*PinnedMessage, error) {
	var p PinnedMessage
	err := row.Scan(&p.ID, &p.RoomID, &p.MessageID, &p.Content,
		&p.PinnedBy, &p.PinnedName, &p.PinnedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan pin: %w", err)
	}
	return &p, nil
}

// ListPinnedMessages returns the room's pins, newest first.
func (s *Store) ListPinnedMessages(ctx context.Context, roomID int64) ([]PinnedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.room_id, COALESCE(p.message_id, 0), COALESCE(p.content, ''),
		        p.pinned_by, COALESCE(u.nickname, u.username), p.pinned_at
		 FROM pinned_messages p JOIN users u ON u.id = p.pinned_by
		 WHERE p.room_id = ?
		 ORDER BY p.pinned_at DESC, p.id DESC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	var pins []PinnedMessage
	for rows.Next() {
		p, err := scanPin(rows)
		if err != nil {
			return nil, err
		}
		pins = append(pins, *p)
	}
	return pins, rows.Err()
}
