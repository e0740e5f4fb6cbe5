package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateRoomFile records an uploaded file. messageID may be zero until the
// file message is sent.
func (s *Store) CreateRoomFile(ctx context.Context, roomID, messageID int64, filePath, fileName, fileType string, fileSize, uploadedBy int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO room_files (room_id, message_id, file_path, file_name,
		                         file_size, file_type, uploaded_by, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		roomID, nullInt(messageID), filePath, fileName, fileSize, fileType,
		uploadedBy, now())
	if err != nil {
		return 0, fmt.Errorf("insert room file: %w", err)
	}
	return res.LastInsertId()
}

// LinkFileMessage attaches the sent message id to an uploaded file row.
func (s *Store) LinkFileMessage(ctx context.Context, filePath string, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE room_files SET message_id = ? WHERE file_path = ?`,
		messageID, filePath)
	if err != nil {
		return fmt.Errorf("link file message: %w", err)
	}
	return nil
}

const roomFileColumns = `f.id, f.room_id, COALESCE(f.message_id, 0),
	f.file_path, f.file_name, f.file_size, f.file_type,
	f.uploaded_by, COALESCE(u.nickname, u.username), f.uploaded_at`

func scanRoomFile(row interface{ Scan(...any) error }) (*RoomFile, error) {
	var f RoomFile
	err := row.Scan(&f.ID, &f.RoomID, &f.MessageID, &f.FilePath, &f.FileName,
		&f.FileSize, &f.FileType, &f.UploadedBy, &f.UploaderName, &f.UploadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan room file: %w", err)
	}
	return &f, nil
}

// ListRoomFiles returns a room's files, newest first. fileType of "" lists
// everything, otherwise "image" or "file" filters the gallery.
func (s *Store) ListRoomFiles(ctx context.Context, roomID int64, fileType string) ([]RoomFile, error) {
	query := `SELECT ` + roomFileColumns + `
	 FROM room_files f JOIN users u ON u.id = f.uploaded_by
	 WHERE f.room_id = ?`
	args := []any{roomID}
	if fileType != "" {
		query += ` AND f.file_type = ?`
		args = append(args, fileType)
	}
	query += ` ORDER BY f.uploaded_at DESC, f.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list room files: %w", err)
	}
	defer rows.Close()

	files := []RoomFile{}
	for rows.Next() {
		f, err := scanRoomFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// DeleteRoomFile removes a file row on behalf of actor. Non-admins may only
// delete their own uploads, and the file must belong to the given room. The
// stored path is returned so the caller can unlink the disk object.
func (s *Store) DeleteRoomFile(ctx context.Context, fileID, actorID, roomID int64, isAdmin bool) (string, error) {
	var path string
	var uploadedBy int64
	err := s.db.QueryRowContext(ctx,
		`SELECT file_path, uploaded_by FROM room_files
		 WHERE id = ? AND room_id = ?`, fileID, roomID).Scan(&path, &uploadedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load room file: %w", err)
	}
	if !isAdmin && uploadedBy != actorID {
		return "", ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM room_files WHERE id = ?`, fileID); err != nil {
		return "", fmt.Errorf("delete room file: %w", err)
	}
	return path, nil
}

// GetRoomFileByPath resolves a stored file path back to its room for download
// authorization.
func (s *Store) GetRoomFileByPath(ctx context.Context, filePath string) (*RoomFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomFileColumns+`
		 FROM room_files f JOIN users u ON u.id = f.uploaded_by
		 WHERE f.file_path = ?`, filePath)
	return scanRoomFile(row)
}
