package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldqa/qcreview/internal/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory sqlite database with the schema
// migrated. One connection, like the production sqlite setup.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		InitSystemLogger(nil)
		sqlDB.Close()
	})

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	InitSystemLogger(db)
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// pipeline wires every QC service over one test database.
type pipeline struct {
	db        *gorm.DB
	clock     *fakeClock
	store     *ResponseStore
	configs   *SamplingConfigService
	stats     *StatsService
	remainder *RemainderEngine
	batches   *BatchService
	leases    *LeaseManager
	verifier  *VerificationEngine
}

const testSeed = 20261018

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	c := Clock(clock.Now)

	stats := NewStatsService(db, nil, 0, c)
	configs := NewSamplingConfigService(db)
	remainder := NewRemainderEngine(db, stats, c)
	return &pipeline{
		db:        db,
		clock:     clock,
		store:     NewResponseStore(db, time.UTC, c),
		configs:   configs,
		stats:     stats,
		remainder: remainder,
		batches:   NewBatchService(db, configs, remainder, stats, time.UTC, testSeed, c),
		leases:    NewLeaseManager(db, 30*time.Minute, 5, stats, c),
		verifier:  NewVerificationEngine(db, stats, remainder, c),
	}
}

// collect records n responses for the survey on the clock's current day and
// returns the batch they landed in.
func (p *pipeline) collect(t *testing.T, surveyID uint, n int) *models.Batch {
	t.Helper()
	var batchID uint
	for i := 0; i < n; i++ {
		resp, err := p.store.RecordResponse(context.Background(), &RecordResponseRequest{
			SurveyID:      surveyID,
			InterviewerID: uint(100 + i%3),
			Answers:       fmt.Sprintf(`{"q1":"answer %d"}`, i),
			CompletedAt:   p.clock.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordResponse #%d: %v", i, err)
		}
		batchID = resp.BatchID
	}
	var batch models.Batch
	if err := p.db.First(&batch, batchID).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	return &batch
}

// closeBatch collects n responses with the given policy and closes the batch.
func (p *pipeline) closeBatch(t *testing.T, surveyID uint, n, pct int, rules []models.ApprovalRule) *models.Batch {
	t.Helper()
	if pct > 0 {
		if _, err := p.configs.SaveConfig(context.Background(), surveyID, 1, &SaveSamplingConfigRequest{
			SamplePercentage: pct,
			ApprovalRules:    rules,
		}); err != nil {
			t.Fatalf("SaveConfig: %v", err)
		}
	}
	batch := p.collect(t, surveyID, n)
	closed, err := p.batches.CloseBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("CloseBatch: %v", err)
	}
	return closed
}

func (p *pipeline) reload(t *testing.T, batchID uint) *models.Batch {
	t.Helper()
	var batch models.Batch
	if err := p.db.First(&batch, batchID).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	return &batch
}

func (p *pipeline) sampleIDs(t *testing.T, batchID uint, origin string) []uint {
	t.Helper()
	var ids []uint
	if err := p.db.Model(&models.SurveyResponse{}).
		Where("batch_id = ? AND sample_origin = ?", batchID, origin).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		t.Fatalf("sample ids: %v", err)
	}
	return ids
}

func (p *pipeline) countStatus(t *testing.T, batchID uint, status string) int64 {
	t.Helper()
	var n int64
	if err := p.db.Model(&models.SurveyResponse{}).
		Where("batch_id = ? AND status = ?", batchID, status).
		Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// verifyNext claims the next item for reviewer and submits a passing or
// failing form.
func (p *pipeline) verifyNext(t *testing.T, reviewerID uint, approve bool) *VerificationResult {
	t.Helper()
	ctx := context.Background()
	a, err := p.leases.ClaimNext(ctx, reviewerID, ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	result, err := p.verifier.Submit(ctx, a.Response.ID, reviewerID, passingRecord(approve))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return result
}

func passingRecord(approve bool) *models.VerificationRecord {
	rec := &models.VerificationRecord{
		AudioQuality:     4,
		QuestionAccuracy: models.AnswerYes,
		DataAccuracy:     models.AnswerYes,
		LocationMatch:    models.AnswerYes,
	}
	if !approve {
		rec.DataAccuracy = models.AnswerNo
	}
	return rec
}

func defaultRules() []models.ApprovalRule {
	return DefaultSamplingConfig(0).ApprovalRules
}
