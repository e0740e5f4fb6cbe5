package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// deletedPlaceholder replaces the content of a deleted message. The row stays
// so replies keep a target.
const deletedPlaceholder = "[삭제된 메시지]"

const messageColumns = `msg.id, msg.room_id, msg.sender_id,
	COALESCE(u.nickname, u.username),
	COALESCE(msg.content, ''), msg.encrypted, msg.message_type,
	COALESCE(msg.file_path, ''), COALESCE(msg.file_name, ''),
	COALESCE(msg.reply_to, 0), msg.created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var encrypted int
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content,
		&encrypted, &m.MessageType, &m.FilePath, &m.FileName, &m.ReplyTo, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Encrypted = encrypted != 0
	return &m, nil
}

// NewMessage carries the fields of a message to persist.
type NewMessage struct {
	RoomID      int64
	SenderID    int64
	Content     string
	Encrypted   bool
	MessageType string
	FilePath    string
	FileName    string
	ReplyTo     int64
}

// CreateMessage persists a message and returns it joined with display fields.
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	if nm.MessageType == "" {
		nm.MessageType = "text"
	}
	encrypted := 0
	if nm.Encrypted {
		encrypted = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, sender_id, content, encrypted, message_type,
		                       file_path, file_name, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nm.RoomID, nm.SenderID, nm.Content, encrypted, nm.MessageType,
		nullStr(nm.FilePath), nullStr(nm.FileName), nullInt(nm.ReplyTo), now())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMessageByID(ctx, id)
}

// GetMessageByID fetches one message with its reply preview.
func (s *Store) GetMessageByID(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages msg JOIN users u ON u.id = msg.sender_id
		 WHERE msg.id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachReplyPreviews(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// MessageRoomID resolves the room a message belongs to.
func (s *Store) MessageRoomID(ctx context.Context, messageID int64) (int64, error) {
	var roomID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id FROM messages WHERE id = ?`, messageID).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("message room: %w", err)
	}
	return roomID, nil
}

// ListRoomMessages pages the room history backwards. beforeID of zero starts
// from the newest message. Results come back in ascending id order with reply
// previews and reactions attached.
func (s *Store) ListRoomMessages(ctx context.Context, roomID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + `
	 FROM messages msg JOIN users u ON u.id = msg.sender_id
	 WHERE msg.room_id = ?`
	args := []any{roomID}
	if beforeID > 0 {
		query += ` AND msg.id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY msg.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	ptrs := make([]*Message, len(messages))
	for i := range messages {
		ptrs[i] = &messages[i]
	}
	if err := s.attachReplyPreviews(ctx, ptrs); err != nil {
		return nil, err
	}
	if err := s.attachReactions(ctx, ptrs); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) attachReplyPreviews(ctx context.Context, messages []*Message) error {
	for _, m := range messages {
		if m.ReplyTo == 0 {
			continue
		}
		var p ReplyPreview
		err := s.db.QueryRowContext(ctx,
			`SELECT msg.id, msg.sender_id, COALESCE(u.nickname, u.username),
			        COALESCE(msg.content, '')
			 FROM messages msg JOIN users u ON u.id = msg.sender_id
			 WHERE msg.id = ?`, m.ReplyTo).
			Scan(&p.ID, &p.SenderID, &p.SenderName, &p.Content)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reply preview: %w", err)
		}
		m.ReplyPreview = &p
	}
	return nil
}

// EditMessage rewrites a text message's content. Only the sender may edit.
func (s *Store) EditMessage(ctx context.Context, messageID, userID int64, content string) (*Message, error) {
	var senderID int64
	var messageType string
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id, message_type FROM messages WHERE id = ?`,
		messageID).Scan(&senderID, &messageType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if senderID != userID {
		return nil, ErrForbidden
	}
	if messageType != "text" {
		return nil, ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ? WHERE id = ?`, content, messageID); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return s.GetMessageByID(ctx, messageID)
}

// DeleteMessage tombstones a message: the content becomes a placeholder, the
// file reference is cleared and its room_files row removed. Only the sender
// may delete. Returns the room id and the orphaned file path (empty if none)
// so the caller can remove the file from disk.
func (s *Store) DeleteMessage(ctx context.Context, messageID, userID int64) (int64, string, error) {
	var roomID, senderID int64
	var filePath sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, sender_id, file_path FROM messages WHERE id = ?`,
		messageID).Scan(&roomID, &senderID, &filePath)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", fmt.Errorf("load message: %w", err)
	}
	if senderID != userID {
		return 0, "", ErrForbidden
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, encrypted = 0,
			        file_path = NULL, file_name = NULL
			 WHERE id = ?`, deletedPlaceholder, messageID); err != nil {
			return fmt.Errorf("tombstone message: %w", err)
		}
		if filePath.Valid && filePath.String != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM room_files WHERE file_path = ?`, filePath.String); err != nil {
				return fmt.Errorf("delete file row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return roomID, filePath.String, nil
}

// AdvanceLastRead moves the member's read marker forward. The marker is
// monotonic; a stale or replayed ack never moves it backwards. Reports
// whether the marker actually advanced.
func (s *Store) AdvanceLastRead(ctx context.Context, roomID, userID, messageID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_members SET last_read_message_id = ?
		 WHERE room_id = ? AND user_id = ? AND last_read_message_id < ?`,
		messageID, roomID, userID, messageID)
	if err != nil {
		return false, fmt.Errorf("advance last read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RoomLastReads returns each member's read marker for unread badges.
func (s *Store) RoomLastReads(ctx context.Context, roomID int64) ([]LastRead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, last_read_message_id FROM room_members WHERE room_id = ?`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("room last reads: %w", err)
	}
	defer rows.Close()

	var reads []LastRead
	for rows.Next() {
		var lr LastRead
		if err := rows.Scan(&lr.UserID, &lr.LastReadID); err != nil {
			return nil, err
		}
		reads = append(reads, lr)
	}
	return reads, rows.Err()
}

// UnreadCount counts messages after the member's read marker, excluding the
// member's own messages.
func (s *Store) UnreadCount(ctx context.Context, roomID, userID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages msg
		 WHERE msg.room_id = ?
		   AND msg.sender_id != ?
		   AND msg.id > (SELECT last_read_message_id FROM room_members
		                 WHERE room_id = ? AND user_id = ?)`,
		roomID, userID, roomID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// SearchMessages runs a simple substring search over a room's history.
func (s *Store) SearchMessages(ctx context.Context, roomID int64, query string, offset, limit int64) (*SearchResult, error) {
	return s.AdvancedSearch(ctx, roomID, SearchFilter{
		Query:  query,
		Offset: offset,
		Limit:  limit,
	})
}

// AdvancedSearch filters a room's history by text, sender, type, and date
// range, returning a stable paginated envelope.
func (s *Store) AdvancedSearch(ctx context.Context, roomID int64, f SearchFilter) (*SearchResult, error) {
	where := `msg.room_id = ?`
	args := []any{roomID}
	return s.runSearch(ctx, where, args, f)
}

// SearchUserMessages searches across every room the user belongs to,
// optionally narrowed to one room by the filter.
func (s *Store) SearchUserMessages(ctx context.Context, userID int64, f SearchFilter) (*SearchResult, error) {
	where := `msg.room_id IN (SELECT room_id FROM room_members WHERE user_id = ?)`
	args := []any{userID}
	if f.RoomID != 0 {
		where += ` AND msg.room_id = ?`
		args = append(args, f.RoomID)
	}
	return s.runSearch(ctx, where, args, f)
}

// escapeLike makes LIKE wildcards in user queries match literally.
func escapeLike(q string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
}

func (s *Store) runSearch(ctx context.Context, where string, args []any, f SearchFilter) (*SearchResult, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	if f.Query != "" {
		where += ` AND msg.content LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.Query)+"%")
	}
	if f.SenderID != 0 {
		where += ` AND msg.sender_id = ?`
		args = append(args, f.SenderID)
	}
	if f.MessageType != "" {
		where += ` AND msg.message_type = ?`
		args = append(args, f.MessageType)
	}
	if f.FileOnly {
		where += ` AND msg.message_type IN ('file', 'image')`
	}
	if f.DateFrom != "" {
		where += ` AND msg.created_at >= ?`
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		where += ` AND msg.created_at <= ?`
		args = append(args, f.DateTo)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages msg WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count search: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages msg JOIN users u ON u.id = msg.sender_id
		 WHERE `+where+`
		 ORDER BY msg.id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &SearchResult{
		Messages: messages,
		Total:    total,
		Offset:   f.Offset,
		Limit:    f.Limit,
		HasMore:  f.Offset+int64(len(messages)) < total,
	}, nil
}

// PurgeMessagesBefore deletes messages older than the cutoff along with their
// reactions, pins, and file rows. Returns the orphaned file paths and the
// number of messages removed.
func (s *Store) PurgeMessagesBefore(ctx context.Context, cutoff string) ([]string, int64, error) {
	var paths []string
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT COALESCE(file_path, '') FROM messages
			 WHERE created_at < ? AND file_path IS NOT NULL`, cutoff)
		if err != nil {
			return fmt.Errorf("list old files: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return err
			}
			if p != "" {
				paths = append(paths, p)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, stmt := range []string{
			`DELETE FROM reactions WHERE message_id IN
			   (SELECT id FROM messages WHERE created_at < ?)`,
			`DELETE FROM pinned_messages WHERE message_id IN
			   (SELECT id FROM messages WHERE created_at < ?)`,
			`DELETE FROM room_files WHERE message_id IN
			   (SELECT id FROM messages WHERE created_at < ?)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, cutoff); err != nil {
				return fmt.Errorf("purge dependents: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return paths, removed, nil
}
