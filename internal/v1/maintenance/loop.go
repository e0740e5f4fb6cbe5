// Package maintenance runs the periodic housekeeping pass: closing expired
// polls, trimming old access logs and messages, reaping empty rooms and stale
// quarantine files, and re-enqueuing scan jobs that never ran.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/woorichat/woorichat/internal/v1/config"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
	"github.com/woorichat/woorichat/internal/v1/store"
)

const timeLayout = "2006-01-02 15:04:05"

// scanJobRetention is how long finished scan jobs and their quarantine files
// are kept for inspection.
const scanJobRetention = 24 * time.Hour

// Broadcaster pushes events to room subscribers. The realtime hub implements
// it; a nil Broadcaster skips notifications.
type Broadcaster interface {
	BroadcastRoom(ctx context.Context, roomID int64, event string, payload any)
}

// Enqueuer re-submits pending scan jobs. The upload scan queue implements it.
type Enqueuer interface {
	Enabled() bool
	Enqueue(jobID string) bool
}

// Loop is the housekeeping scheduler. Construct with New and call Run in a
// goroutine.
type Loop struct {
	store *store.Store
	cfg   *config.Config
	hub   Broadcaster
	scans Enqueuer
	clock clock.WithTicker
}

// New builds a maintenance loop. hub and scans may be nil.
func New(st *store.Store, cfg *config.Config, hub Broadcaster, scans Enqueuer) *Loop {
	return &Loop{
		store: st,
		cfg:   cfg,
		hub:   hub,
		scans: scans,
		clock: clock.RealClock{},
	}
}

// Run ticks until the context is cancelled. Individual step failures are
// logged and never stop the loop.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.MaintenanceIntervalSeconds) * time.Second
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	logging.Info(ctx, "Maintenance loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "Maintenance loop stopped")
			return
		case <-ticker.C():
			l.Tick(ctx)
		}
	}
}

// Tick runs one full housekeeping pass.
func (l *Loop) Tick(ctx context.Context) {
	start := l.clock.Now()
	defer func() {
		metrics.MaintenanceTickDuration.Observe(l.clock.Since(start).Seconds())
	}()

	l.closeExpiredPolls(ctx)
	l.trimAccessLogs(ctx)
	l.applyRetention(ctx)
	l.reapScanJobs(ctx)
	l.reapEmptyRooms(ctx)
	l.requeuePendingScans(ctx)
}

func (l *Loop) closeExpiredPolls(ctx context.Context) {
	expired, err := l.store.CloseExpiredPolls(ctx)
	if err != nil {
		logging.Error(ctx, "Failed to close expired polls", zap.Error(err))
		return
	}
	for _, e := range expired {
		if l.hub == nil {
			continue
		}
		poll, err := l.store.GetPoll(ctx, e.PollID, 0)
		if err != nil {
			logging.Warn(ctx, "Closed poll vanished before notify", zap.Int64("pollId", e.PollID), zap.Error(err))
			continue
		}
		l.hub.BroadcastRoom(ctx, e.RoomID, "poll_updated", map[string]any{"poll": poll})
	}
	if len(expired) > 0 {
		logging.Info(ctx, "Closed expired polls", zap.Int("count", len(expired)))
	}
}

func (l *Loop) trimAccessLogs(ctx context.Context) {
	cutoff := l.cutoff(time.Duration(l.cfg.AccessLogRetentionDays) * 24 * time.Hour)
	n, err := l.store.PurgeAccessLogs(ctx, cutoff)
	if err != nil {
		logging.Error(ctx, "Failed to trim access logs", zap.Error(err))
		return
	}
	if n > 0 {
		logging.Info(ctx, "Trimmed access logs", zap.Int64("rows", n))
	}
}

// applyRetention deletes messages older than RETENTION_DAYS together with
// their files. Zero days disables retention.
func (l *Loop) applyRetention(ctx context.Context) {
	if l.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := l.cutoff(time.Duration(l.cfg.RetentionDays) * 24 * time.Hour)
	paths, n, err := l.store.PurgeMessagesBefore(ctx, cutoff)
	if err != nil {
		logging.Error(ctx, "Retention purge failed", zap.Error(err))
		return
	}
	for _, p := range paths {
		l.removeUploadFile(ctx, p)
	}
	if n > 0 {
		logging.Info(ctx, "Retention purge complete", zap.Int64("messages", n), zap.Int("files", len(paths)))
	}
}

func (l *Loop) reapScanJobs(ctx context.Context) {
	paths, err := l.store.PurgeScanJobsBefore(ctx, l.cutoff(scanJobRetention))
	if err != nil {
		logging.Error(ctx, "Failed to purge finished scan jobs", zap.Error(err))
		return
	}
	for _, p := range paths {
		l.removeUploadFile(ctx, p)
	}
}

func (l *Loop) reapEmptyRooms(ctx context.Context) {
	roomIDs, err := l.store.ListEmptyRoomIDs(ctx)
	if err != nil {
		logging.Error(ctx, "Failed to list empty rooms", zap.Error(err))
		return
	}
	for _, roomID := range roomIDs {
		paths, err := l.store.DeleteRoom(ctx, roomID)
		if err != nil {
			logging.Error(ctx, "Failed to delete empty room", zap.Int64("roomId", roomID), zap.Error(err))
			continue
		}
		for _, p := range paths {
			l.removeUploadFile(ctx, p)
		}
		logging.Info(ctx, "Deleted empty room", zap.Int64("roomId", roomID))
	}
}

// requeuePendingScans pushes jobs that were pending at startup, or dropped by
// a full queue, back to the scanner.
func (l *Loop) requeuePendingScans(ctx context.Context) {
	if l.scans == nil || !l.scans.Enabled() {
		return
	}
	ids, err := l.store.ListPendingScanJobIDs(ctx)
	if err != nil {
		logging.Error(ctx, "Failed to list pending scan jobs", zap.Error(err))
		return
	}
	for _, id := range ids {
		if !l.scans.Enqueue(id) {
			// Queue is full again; the next tick retries the rest.
			return
		}
	}
}

// cutoff is formatted in local time to match the store's row timestamps.
func (l *Loop) cutoff(age time.Duration) string {
	return l.clock.Now().Add(-age).Format(timeLayout)
}

// removeUploadFile deletes a stored file, confined to the uploads root.
func (l *Loop) removeUploadFile(ctx context.Context, rel string) {
	if rel == "" {
		return
	}
	root, err := filepath.Abs(l.cfg.UploadDir)
	if err != nil {
		return
	}
	abs := filepath.Clean(filepath.Join(root, rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		logging.Warn(ctx, "Refusing to delete file outside uploads root", zap.String("path", rel))
		return
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		logging.Warn(ctx, "Failed to delete upload file", zap.String("path", rel), zap.Error(err))
	}
}
