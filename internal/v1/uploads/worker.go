package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
	"github.com/woorichat/woorichat/internal/v1/store"
)

// Scanner is the antivirus backend. ClamScanner implements it; tests swap in
// a stub.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (Verdict, string, error)
}

// ScanQueue drains pending upload scan jobs on a single worker goroutine.
// Files wait in quarantine until a clean verdict moves them into the upload
// directory and issues the upload token.
type ScanQueue struct {
	store     *store.Store
	tokens    *Tokens
	scanner   Scanner
	uploadDir string

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once
}

// NewScanQueue builds the queue. scanner may be nil when scanning is
// disabled; Enqueue then fails fast.
func NewScanQueue(st *store.Store, tokens *Tokens, scanner Scanner, uploadDir string) *ScanQueue {
	return &ScanQueue{
		store:     st,
		tokens:    tokens,
		scanner:   scanner,
		uploadDir: uploadDir,
		jobs:      make(chan string, 64),
	}
}

// Enabled reports whether an antivirus backend is configured.
func (q *ScanQueue) Enabled() bool {
	return q != nil && q.scanner != nil
}

// Start launches the worker. It drains until ctx is cancelled.
func (q *ScanQueue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case jobID, ok := <-q.jobs:
				if !ok {
					return
				}
				q.process(ctx, jobID)
			}
		}
	}()
}

// Enqueue schedules a persisted scan job. Returns false when the queue is
// full or scanning is disabled; the job row stays pending for the
// maintenance loop to retry.
func (q *ScanQueue) Enqueue(jobID string) bool {
	if !q.Enabled() {
		return false
	}
	select {
	case q.jobs <- jobID:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs and waits for the worker to finish.
func (q *ScanQueue) Close() {
	q.once.Do(func() { close(q.jobs) })
	q.wg.Wait()
}

func (q *ScanQueue) process(ctx context.Context, jobID string) {
	job, err := q.store.GetScanJob(ctx, jobID)
	if err != nil {
		logging.Warn(ctx, "scan job vanished", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != store.ScanStatusPending {
		return
	}

	if err := q.store.UpdateScanJob(ctx, jobID, store.ScanStatusScanning, "", ""); err != nil {
		logging.Error(ctx, "mark job scanning failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	tempAbs, err := q.resolve(job.TempPath)
	if err != nil {
		q.fail(ctx, job, "", err)
		return
	}

	f, err := os.Open(tempAbs)
	if err != nil {
		q.fail(ctx, job, tempAbs, fmt.Errorf("open quarantined file: %w", err))
		return
	}
	verdict, detail, scanErr := q.scanner.Scan(ctx, f)
	f.Close()

	switch verdict {
	case VerdictClean:
		q.release(ctx, job, tempAbs)
	case VerdictInfected:
		logging.Warn(ctx, "infected upload rejected",
			zap.String("job_id", job.JobID), logging.UserID(job.UserID),
			zap.String("signature", detail))
		q.safeDelete(tempAbs)
		if err := q.store.UpdateScanJob(ctx, job.JobID, store.ScanStatusInfected, detail, ""); err != nil {
			logging.Error(ctx, "record infected verdict failed", zap.Error(err))
		}
		metrics.UploadOutcomes.WithLabelValues("infected").Inc()
	default:
		q.fail(ctx, job, tempAbs, scanErr)
	}
}

// release moves a clean file out of quarantine and issues its upload token.
func (q *ScanQueue) release(ctx context.Context, job *store.ScanJob, tempAbs string) {
	finalAbs, err := q.resolve(job.FinalPath)
	if err != nil {
		q.fail(ctx, job, tempAbs, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(finalAbs), 0o750); err != nil {
		q.fail(ctx, job, tempAbs, fmt.Errorf("prepare upload dir: %w", err))
		return
	}
	if err := os.Rename(tempAbs, finalAbs); err != nil {
		q.fail(ctx, job, tempAbs, fmt.Errorf("release from quarantine: %w", err))
		return
	}

	token, err := q.tokens.Issue(ctx, TokenData{
		UserID:   job.UserID,
		RoomID:   job.RoomID,
		FilePath: job.FinalPath,
		FileName: job.FileName,
		FileType: job.FileType,
		FileSize: job.FileSize,
	})
	if err != nil {
		q.safeDelete(finalAbs)
		q.fail(ctx, job, "", fmt.Errorf("issue upload token: %w", err))
		return
	}

	if err := q.store.UpdateScanJob(ctx, job.JobID, store.ScanStatusClean, "clean", token); err != nil {
		logging.Error(ctx, "record clean verdict failed", zap.Error(err))
		return
	}
	metrics.UploadOutcomes.WithLabelValues("clean").Inc()
}

func (q *ScanQueue) fail(ctx context.Context, job *store.ScanJob, tempAbs string, cause error) {
	logging.Error(ctx, "upload scan failed",
		zap.String("job_id", job.JobID), zap.Error(cause))
	if tempAbs != "" {
		q.safeDelete(tempAbs)
	}
	msg := "scan failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.store.UpdateScanJob(ctx, job.JobID, store.ScanStatusError, msg, ""); err != nil {
		logging.Error(ctx, "record scan error failed", zap.Error(err))
	}
	metrics.UploadOutcomes.WithLabelValues("error").Inc()
}

// resolve joins a stored relative path to the upload directory and rejects
// traversal outside it.
func (q *ScanQueue) resolve(rel string) (string, error) {
	abs := filepath.Join(q.uploadDir, filepath.FromSlash(rel))
	root := filepath.Clean(q.uploadDir)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes upload dir: %q", rel)
	}
	return abs, nil
}

func (q *ScanQueue) safeDelete(abs string) {
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn(context.Background(), "delete quarantined file failed",
			zap.String("path", abs), zap.Error(err))
	}
}
