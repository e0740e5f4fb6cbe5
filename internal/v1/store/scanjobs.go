package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateScanJob records a pending antivirus scan for a quarantined upload.
func (s *Store) CreateScanJob(ctx context.Context, job ScanJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_scan_jobs (job_id, user_id, room_id, temp_path,
		                               final_path, file_name, file_type, file_size,
		                               status, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		job.JobID, job.UserID, job.RoomID, job.TempPath, job.FinalPath,
		job.FileName, job.FileType, job.FileSize, ScanStatusPending, now(), now())
	if err != nil {
		return fmt.Errorf("insert scan job: %w", err)
	}
	return nil
}

// GetScanJob fetches one scan job.
func (s *Store) GetScanJob(ctx context.Context, jobID string) (*ScanJob, error) {
	var j ScanJob
	var token sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, user_id, room_id, temp_path, final_path, file_name,
		        file_type, file_size, status, COALESCE(result, ''), token,
		        created_at, updated_at
		 FROM upload_scan_jobs WHERE job_id = ?`, jobID).
		Scan(&j.JobID, &j.UserID, &j.RoomID, &j.TempPath, &j.FinalPath,
			&j.FileName, &j.FileType, &j.FileSize, &j.Status, &j.Result,
			&token, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	j.Token = token.String
	return &j, nil
}

// UpdateScanJob moves a job to a new status. result carries the verdict
// detail and token the upload token issued for clean files; either may be
// empty to keep the stored value.
func (s *Store) UpdateScanJob(ctx context.Context, jobID, status, result, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_scan_jobs
		 SET status = ?,
		     result = CASE WHEN ? != '' THEN ? ELSE result END,
		     token = COALESCE(NULLIF(?, ''), token),
		     updated_at = ?
		 WHERE job_id = ?`,
		status, result, result, token, now(), jobID)
	if err != nil {
		return fmt.Errorf("update scan job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingScanJobIDs returns jobs still waiting for a scan, oldest first.
// The maintenance loop re-enqueues them after a restart or a full queue.
func (s *Store) ListPendingScanJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM upload_scan_jobs WHERE status = ? ORDER BY created_at, job_id`,
		ScanStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending scan jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeScanJobsBefore removes finished jobs older than the cutoff and returns
// their temp paths so stale quarantine files can be reaped.
func (s *Store) PurgeScanJobsBefore(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT temp_path FROM upload_scan_jobs
		 WHERE updated_at < ? AND status IN (?, ?, ?)`,
		cutoff, ScanStatusClean, ScanStatusInfected, ScanStatusError)
	if err != nil {
		return nil, fmt.Errorf("list stale scan jobs: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_scan_jobs
		 WHERE updated_at < ? AND status IN (?, ?, ?)`,
		cutoff, ScanStatusClean, ScanStatusInfected, ScanStatusError); err != nil {
		return nil, fmt.Errorf("purge scan jobs: %w", err)
	}
	return paths, nil
}
