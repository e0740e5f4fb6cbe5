package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// LogAdminAction records a privileged room action. metadata is marshalled to
// JSON; nil becomes an empty object.
func (s *Store) LogAdminAction(ctx context.Context, roomID, actorID, targetID int64, action string, metadata map[string]any) error {
	payload := "{}"
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		payload = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_audit_logs (room_id, actor_user_id, target_user_id,
		                               action, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		roomID, actorID, nullInt(targetID), action, payload, now())
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAdminAuditLogs pages a room's audit trail, newest first.
func (s *Store) ListAdminAuditLogs(ctx context.Context, roomID, offset, limit int64) ([]AdminAuditEntry, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admin_audit_logs WHERE room_id = ?`,
		roomID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.room_id, a.actor_user_id,
		        COALESCE(actor.nickname, actor.username, ''),
		        COALESCE(a.target_user_id, 0),
		        COALESCE(target.nickname, target.username, ''),
		        a.action, COALESCE(a.metadata_json, '{}'), a.created_at
		 FROM admin_audit_logs a
		 LEFT JOIN users actor ON actor.id = a.actor_user_id
		 LEFT JOIN users target ON target.id = a.target_user_id
		 WHERE a.room_id = ?
		 ORDER BY a.id DESC LIMIT ? OFFSET ?`,
		roomID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	entries := []AdminAuditEntry{}
	for rows.Next() {
		var e AdminAuditEntry
		if err := rows.Scan(&e.ID, &e.RoomID, &e.ActorID, &e.ActorName,
			&e.TargetID, &e.TargetName, &e.Action, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
