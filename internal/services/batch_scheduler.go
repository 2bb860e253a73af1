package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	lockBatchClose = "batch_close"
	lockLogCleanup = "log_cleanup"

	// How long a taken lock blocks other instances if its owner dies mid-run.
	schedulerLockTTL = time.Hour
)

// BatchScheduler runs the daily jobs: closing finished day batches and
// trimming the audit log. Each run is guarded by a SchedulerLock row so that
// only one instance acts per day.
type BatchScheduler struct {
	db            *gorm.DB
	batches       *BatchService
	queue         TaskQueue
	logs          *SystemLogService
	cronExpr      string
	loc           *time.Location
	retentionDays int
	owner         string
	clock         Clock

	cronScheduler *cron.Cron
}

func NewBatchScheduler(db *gorm.DB, batches *BatchService, queue TaskQueue, logs *SystemLogService, cronExpr string, loc *time.Location, retentionDays int, clock Clock) *BatchScheduler {
	if loc == nil {
		loc = time.UTC
	}
	host, _ := os.Hostname()
	return &BatchScheduler{
		db:            db,
		batches:       batches,
		queue:         queue,
		logs:          logs,
		cronExpr:      cronExpr,
		loc:           loc,
		retentionDays: retentionDays,
		owner:         fmt.Sprintf("%s/%s", host, uuid.NewString()[:8]),
		clock:         clock,
	}
}

// Start registers the jobs and starts the cron loop. Batches left open by
// downtime are closed on the first scheduled run.
func (s *BatchScheduler) Start() error {
	s.cronScheduler = cron.New(cron.WithLocation(s.loc))

	if _, err := s.cronScheduler.AddFunc(s.cronExpr, func() {
		if _, err := s.RunCloseJob(context.Background()); err != nil {
			logger.Error().Err(err).Msg("[BatchScheduler] Close job failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule batch close %q: %w", s.cronExpr, err)
	}

	if _, err := s.cronScheduler.AddFunc("@daily", func() {
		s.RunLogCleanup(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule log cleanup: %w", err)
	}

	s.cronScheduler.Start()
	logger.Info().Str("cron", s.cronExpr).Str("timezone", s.loc.String()).Msg("[BatchScheduler] Scheduler started")
	return nil
}

func (s *BatchScheduler) Stop() {
	if s.cronScheduler != nil {
		<-s.cronScheduler.Stop().Done()
	}
}

// RunCloseJob enqueues a close task for every due batch, unless another
// instance already ran today's job. It returns the number enqueued.
func (s *BatchScheduler) RunCloseJob(ctx context.Context) (int, error) {
	now := s.clock.now()
	day := now.In(s.loc).Format("2006-01-02")

	acquired, err := s.acquireLock(ctx, lockBatchClose, day)
	if err != nil {
		return 0, err
	}
	if !acquired {
		logger.Debug().Str("day", day).Msg("[BatchScheduler] Close job owned by another instance")
		return 0, nil
	}

	n, err := s.batches.CloseDueBatches(ctx, now, s.queue)
	if err != nil {
		return n, err
	}
	if n > 0 {
		logger.Info().Str("day", day).Int("batches", n).Msg("[BatchScheduler] Close tasks enqueued")
	}
	return n, nil
}

// RunLogCleanup deletes audit log rows past retention.
func (s *BatchScheduler) RunLogCleanup(ctx context.Context) {
	if s.logs == nil || s.retentionDays <= 0 {
		return
	}
	day := s.clock.now().In(s.loc).Format("2006-01-02")
	acquired, err := s.acquireLock(ctx, lockLogCleanup, day)
	if err != nil || !acquired {
		return
	}

	deleted, err := s.logs.CleanupOldLogs(s.retentionDays)
	if err != nil {
		logger.Errorf("[SystemLog] Failed to cleanup old logs: %v", err)
		return
	}
	if deleted > 0 {
		logger.Infof("[SystemLog] Cleaned up %d logs older than %d days", deleted, s.retentionDays)
	}
}

// acquireLock takes the (name, key) lock, either by inserting it or by
// taking over an expired one.
func (s *BatchScheduler) acquireLock(ctx context.Context, name, key string) (bool, error) {
	now := s.clock.now()
	lock := models.SchedulerLock{
		LockName:  name,
		LockKey:   key,
		LockedBy:  s.owner,
		LockedAt:  now,
		ExpiresAt: now.Add(schedulerLockTTL),
	}
	created := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "lock_name"}, {Name: "lock_key"}}, DoNothing: true}).
		Create(&lock)
	if created.Error != nil {
		return false, fmt.Errorf("acquire %s lock: %w", name, created.Error)
	}
	if created.RowsAffected == 1 {
		return true, nil
	}

	takeover := s.db.WithContext(ctx).Model(&models.SchedulerLock{}).
		Where("lock_name = ? AND lock_key = ? AND expires_at <= ?", name, key, now).
		Updates(map[string]interface{}{
			"locked_by":  s.owner,
			"locked_at":  now,
			"expires_at": now.Add(schedulerLockTTL),
		})
	if takeover.Error != nil {
		return false, fmt.Errorf("take over %s lock: %w", name, takeover.Error)
	}
	return takeover.RowsAffected == 1, nil
}
