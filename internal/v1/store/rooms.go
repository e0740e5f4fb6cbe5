package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/woorichat/woorichat/internal/v1/crypt"
)

// directKey canonicalizes a user pair so the unique index catches a direct
// room created from either side.
func directKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// findDirectRoom probes for an existing direct room between two users: by
// pair key first, then by the membership join for rows predating the key
// column.
func (s *Store) findDirectRoom(ctx context.Context, a, b int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM rooms WHERE direct_key = ?`, directKey(a, b)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("probe direct room: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT r.id FROM rooms r
		 JOIN room_members m1 ON r.id = m1.room_id AND m1.user_id = ?
		 JOIN room_members m2 ON r.id = m2.room_id AND m2.user_id = ?
		 WHERE r.type = 'direct'
		 LIMIT 1`,
		a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("probe direct room: %w", err)
	}
	return id, nil
}

// CreateRoom creates a room and enrolls the creator plus memberIDs. For a
// direct room with exactly one partner, an existing direct room between the
// two users is returned instead of creating a duplicate; the second return
// value reports whether a new room was created. Concurrent creates for the
// same pair race on the unique pair index and the loser adopts the winner's
// room.
func (s *Store) CreateRoom(ctx context.Context, name, roomType string, createdBy int64, memberIDs []int64) (*Room, bool, error) {
	isDirect := roomType == "direct" && len(memberIDs) == 1
	if isDirect {
		existingID, err := s.findDirectRoom(ctx, createdBy, memberIDs[0])
		if err == nil {
			room, getErr := s.GetRoomByID(ctx, existingID)
			return room, false, getErr
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	rawKey, err := crypt.GenerateRoomKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate room key: %w", err)
	}
	storedKey := rawKey
	if s.keys != nil {
		storedKey, err = s.keys.Wrap(rawKey)
		if err != nil {
			return nil, false, fmt.Errorf("wrap room key: %w", err)
		}
	}

	var pairKey sql.NullString
	if isDirect {
		pairKey = nullStr(directKey(createdBy, memberIDs[0]))
	}

	var room Room
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (name, type, created_by, encryption_key, direct_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			nullStr(name), roomType, createdBy, storedKey, pairKey, now())
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		roomID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		seen := map[int64]bool{createdBy: true}
		members := []int64{createdBy}
		for _, id := range memberIDs {
			if !seen[id] {
				seen[id] = true
				members = append(members, id)
			}
		}
		for _, id := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
				roomID, id, now()); err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
		}

		room = Room{ID: roomID, Name: name, Type: roomType, CreatedBy: createdBy, CreatedAt: now()}
		return nil
	})
	if err != nil {
		// A concurrent create for the same pair won the index; adopt its room.
		if isDirect && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existingID, probeErr := s.findDirectRoom(ctx, createdBy, memberIDs[0])
			if probeErr != nil {
				return nil, false, fmt.Errorf("resolve direct room conflict: %w", probeErr)
			}
			existing, getErr := s.GetRoomByID(ctx, existingID)
			return existing, false, getErr
		}
		return nil, false, err
	}
	return &room, true, nil
}

// GetRoomByID fetches a bare room row.
func (s *Store) GetRoomByID(ctx context.Context, roomID int64) (*Room, error) {
	var r Room
	var name sql.NullString
	var createdBy sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, created_by, created_at FROM rooms WHERE id = ?`,
		roomID).Scan(&r.ID, &name, &r.Type, &createdBy, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	r.Name = name.String
	r.CreatedBy = createdBy.Int64
	return &r, nil
}

// RoomKey returns the room's content key, unwrapped when key wrapping is
// configured.
func (s *Store) RoomKey(ctx context.Context, roomID int64) (string, error) {
	var stored sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT encryption_key FROM rooms WHERE id = ?`, roomID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get room key: %w", err)
	}
	if s.keys == nil {
		return stored.String, nil
	}
	return s.keys.Unwrap(stored.String)
}

// IsMember reports whether the user belongs to the room.
func (s *Store) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`,
		roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// IsAdmin reports whether the user has admin rights in the room. The creator
// is always an admin regardless of the role column.
func (s *Store) IsAdmin(ctx context.Context, roomID, userID int64) (bool, error) {
	var createdBy sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_by FROM rooms WHERE id = ?`, roomID).Scan(&createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check admin: %w", err)
	}
	if createdBy.Valid && createdBy.Int64 == userID {
		return true, nil
	}

	var role sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT role FROM room_members WHERE room_id = ? AND user_id = ?`,
		roomID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check role: %w", err)
	}
	return role.String == "admin", nil
}

// ListAdminIDs returns all user ids with admin rights, creator included.
func (s *Store) ListAdminIDs(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.user_id FROM room_members m
		 JOIN rooms r ON r.id = m.room_id
		 WHERE m.room_id = ? AND (m.role = 'admin' OR m.user_id = r.created_by)`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// AddMember enrolls a user into a room.
func (s *Store) AddMember(ctx context.Context, roomID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
		roomID, userID, now())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyMember
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// LeaveRoom removes the user's membership. When the leaver held the last
// admin rights and other members remain, the longest-standing remaining
// member is promoted to admin; the promoted user's id is returned, zero
// otherwise.
func (s *Store) LeaveRoom(ctx context.Context, roomID, userID int64) (int64, error) {
	var promoted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var createdBy sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT created_by FROM rooms WHERE id = ?`, roomID).Scan(&createdBy)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load room: %w", err)
		}

		var role sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT role FROM room_members WHERE room_id = ? AND user_id = ?`,
			roomID, userID).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load membership: %w", err)
		}
		wasAdmin := role.String == "admin" || (createdBy.Valid && createdBy.Int64 == userID)

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`,
			roomID, userID); err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}

		if !wasAdmin {
			return nil
		}

		var remainingAdmins int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM room_members m
			 WHERE m.room_id = ? AND (m.role = 'admin' OR m.user_id = ?)`,
			roomID, createdBy.Int64).Scan(&remainingAdmins); err != nil {
			return fmt.Errorf("count admins: %w", err)
		}
		if remainingAdmins > 0 {
			return nil
		}

		var successor int64
		err = tx.QueryRowContext(ctx,
			`SELECT user_id FROM room_members WHERE room_id = ?
			 ORDER BY joined_at, user_id LIMIT 1`, roomID).Scan(&successor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // room is now empty; maintenance reaps it
		}
		if err != nil {
			return fmt.Errorf("pick successor: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE room_members SET role = 'admin' WHERE room_id = ? AND user_id = ?`,
			roomID, successor); err != nil {
			return fmt.Errorf("promote successor: %w", err)
		}
		promoted = successor
		return nil
	})
	return promoted, err
}

// KickMember removes target from the room on behalf of actor. The creator can
// never be kicked, and only the creator may kick another admin.
func (s *Store) KickMember(ctx context.Context, roomID, actorID, targetID int64) error {
	room, err := s.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if targetID == room.CreatedBy {
		return ErrForbidden
	}

	actorAdmin, err := s.IsAdmin(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if !actorAdmin {
		return ErrForbidden
	}

	targetAdmin, err := s.IsAdmin(ctx, roomID, targetID)
	if err != nil {
		return err
	}
	if targetAdmin && actorID != room.CreatedBy {
		return ErrForbidden
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`,
		roomID, targetID)
	if err != nil {
		return fmt.Errorf("kick member: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAdmin grants or revokes the admin role. The creator's rights cannot be
// revoked.
func (s *Store) SetAdmin(ctx context.Context, roomID, targetID int64, admin bool) error {
	room, err := s.GetRoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	if !admin && targetID == room.CreatedBy {
		return ErrForbidden
	}
	role := "member"
	if admin {
		role = "admin"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_members SET role = ? WHERE room_id = ? AND user_id = ?`,
		role, roomID, targetID)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameRoom updates a group room's display name.
func (s *Store) RenameRoom(ctx context.Context, roomID int64, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET name = ? WHERE id = ? AND type = 'group'`, name, roomID)
	if err != nil {
		return fmt.Errorf("rename room: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRoomPinned toggles the caller's room-list pin flag.
func (s *Store) SetRoomPinned(ctx context.Context, roomID, userID int64, pinned bool) error {
	return s.setMemberFlag(ctx, roomID, userID, "pinned", pinned)
}

// SetRoomMuted toggles the caller's notification mute flag.
func (s *Store) SetRoomMuted(ctx context.Context, roomID, userID int64, muted bool) error {
	return s.setMemberFlag(ctx, roomID, userID, "muted", muted)
}

func (s *Store) setMemberFlag(ctx context.Context, roomID, userID int64, column string, value bool) error {
	v := 0
	if value {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE room_members SET `+column+` = ? WHERE room_id = ? AND user_id = ?`,
		v, roomID, userID)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMembers returns the room's membership joined with profiles.
func (s *Store) ListMembers(ctx context.Context, roomID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, COALESCE(u.nickname, u.username),
		        COALESCE(u.profile_image, ''), COALESCE(u.status, 'offline'),
		        COALESCE(u.status_message, ''), COALESCE(m.role, 'member'),
		        m.joined_at, m.last_read_message_id
		 FROM room_members m JOIN users u ON u.id = m.user_id
		 WHERE m.room_id = ?
		 ORDER BY m.joined_at, u.id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.Nickname, &m.ProfileImage,
			&m.Status, &m.StatusMessage, &m.Role, &m.JoinedAt, &m.LastReadID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MemberUserIDs returns the room's member ids for broadcast fan-out.
func (s *Store) MemberUserIDs(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// UserRoomIDs returns every room the user belongs to.
func (s *Store) UserRoomIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM room_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list room ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListUserRooms builds the caller's room list: membership flags, member and
// unread counts, the last message preview, and the partner's name for direct
// rooms. Pinned rooms sort first, then by latest activity.
func (s *Store) ListUserRooms(ctx context.Context, userID int64) ([]RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, COALESCE(r.name, ''), r.type, COALESCE(r.created_by, 0), r.created_at,
		        m.pinned, m.muted, COALESCE(m.role, 'member'),
		        (SELECT COUNT(*) FROM room_members WHERE room_id = r.id),
		        (SELECT COUNT(*) FROM messages msg
		          WHERE msg.room_id = r.id
		            AND msg.id > m.last_read_message_id
		            AND msg.sender_id != ?)
		 FROM rooms r JOIN room_members m ON r.id = m.room_id
		 WHERE m.user_id = ?`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var summaries []RoomSummary
	for rows.Next() {
		var rs RoomSummary
		var pinned, muted int
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.Type, &rs.CreatedBy, &rs.CreatedAt,
			&pinned, &muted, &rs.Role, &rs.MemberCount, &rs.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan room summary: %w", err)
		}
		rs.Pinned = pinned != 0
		rs.Muted = muted != 0
		summaries = append(summaries, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		rs := &summaries[i]

		var p MessagePreview
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(msg.content, ''), msg.sender_id,
			        COALESCE(u.nickname, u.username), msg.message_type, msg.created_at
			 FROM messages msg JOIN users u ON u.id = msg.sender_id
			 WHERE msg.room_id = ?
			 ORDER BY msg.id DESC LIMIT 1`, rs.ID).
			Scan(&p.Content, &p.SenderID, &p.SenderName, &p.MessageType, &p.CreatedAt)
		if err == nil {
			rs.LastMessage = &p
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("last message: %w", err)
		}

		if rs.Type == "direct" {
			var partnerID int64
			var partnerName string
			err := s.db.QueryRowContext(ctx,
				`SELECT u.id, COALESCE(u.nickname, u.username)
				 FROM room_members m JOIN users u ON u.id = m.user_id
				 WHERE m.room_id = ? AND m.user_id != ? LIMIT 1`,
				rs.ID, userID).Scan(&partnerID, &partnerName)
			if err == nil {
				rs.PartnerID = partnerID
				rs.Name = partnerName
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("direct partner: %w", err)
			}
		}
	}

	sortRoomSummaries(summaries)
	return summaries, nil
}

// sortRoomSummaries orders pinned rooms first, then by latest activity.
func sortRoomSummaries(summaries []RoomSummary) {
	activity := func(rs *RoomSummary) string {
		if rs.LastMessage != nil {
			return rs.LastMessage.CreatedAt
		}
		return rs.CreatedAt
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := &summaries[i], &summaries[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return activity(a) > activity(b)
	})
}

// ListEmptyRoomIDs returns rooms with no remaining members.
func (s *Store) ListEmptyRoomIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id FROM rooms r
		 WHERE NOT EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.id)`)
	if err != nil {
		return nil, fmt.Errorf("list empty rooms: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// DeleteRoom removes a room and its dependent rows. Returns the stored file
// paths that the caller should remove from disk.
func (s *Store) DeleteRoom(ctx context.Context, roomID int64) ([]string, error) {
	var paths []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT file_path FROM room_files WHERE room_id = ?`, roomID)
		if err != nil {
			return fmt.Errorf("list room files: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return err
			}
			paths = append(paths, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, stmt := range []string{
			`DELETE FROM poll_votes WHERE poll_id IN (SELECT id FROM polls WHERE room_id = ?)`,
			`DELETE FROM poll_options WHERE poll_id IN (SELECT id FROM polls WHERE room_id = ?)`,
			`DELETE FROM polls WHERE room_id = ?`,
			`DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE room_id = ?)`,
			`DELETE FROM pinned_messages WHERE room_id = ?`,
			`DELETE FROM room_files WHERE room_id = ?`,
			`DELETE FROM messages WHERE room_id = ?`,
			`DELETE FROM room_members WHERE room_id = ?`,
			`DELETE FROM rooms WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, roomID); err != nil {
				return fmt.Errorf("delete room rows: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
