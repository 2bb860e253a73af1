package main

import (
	"github.com/fieldqa/qcreview/internal/config"
	"github.com/fieldqa/qcreview/internal/models"
	"github.com/fieldqa/qcreview/internal/services"
	"github.com/fieldqa/qcreview/internal/utils"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// appServices holds every initialized service the routes and shutdown need.
type appServices struct {
	db        *gorm.DB
	store     *services.ResponseStore
	configs   *services.SamplingConfigService
	stats     *services.StatsService
	remainder *services.RemainderEngine
	batches   *services.BatchService
	leases    *services.LeaseManager
	verifier  *services.VerificationEngine
	logs      *services.SystemLogService
	hub       *services.SSEHub
	taskQueue services.TaskQueue
	worker    *services.Worker
	scheduler *services.BatchScheduler
	redis     *redis.Client
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	services.InitSystemLogger(db)

	cache, redisClient := services.InitStatsCache(&cfg.Redis)
	loc := cfg.QC.Location()
	clock := services.Clock(services.SystemClock)

	stats := services.NewStatsService(db, cache, cfg.QC.StatsCacheTTL, clock)
	configs := services.NewSamplingConfigService(db)
	remainder := services.NewRemainderEngine(db, stats, clock)
	batches := services.NewBatchService(db, configs, remainder, stats, loc, cfg.QC.SampleSeed, clock)
	logs := services.NewSystemLogService(db)

	// Close tasks go through Redis when enabled, otherwise run in-process.
	taskQueue := services.InitTaskQueue(cfg)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(batches.ProcessBatchTask)
	}

	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(batches.ProcessBatchTask)
			if err := worker.Start(); err != nil {
				logger.Fatalf("Failed to start worker: %v", err)
			}
		}
	}

	scheduler := services.NewBatchScheduler(db, batches, taskQueue, logs,
		cfg.QC.BatchCloseCron, loc, cfg.Log.RetentionDays, clock)
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start batch scheduler: %v", err)
	}

	logger.Info().
		Str("timezone", loc.String()).
		Dur("lease_ttl", cfg.QC.LeaseTTL).
		Str("close_cron", cfg.QC.BatchCloseCron).
		Bool("async_queue", taskQueue.IsAsync()).
		Msg("QC pipeline ready")

	return &appServices{
		db:        db,
		store:     services.NewResponseStore(db, loc, clock),
		configs:   configs,
		stats:     stats,
		remainder: remainder,
		batches:   batches,
		leases:    services.NewLeaseManager(db, cfg.QC.LeaseTTL, cfg.QC.ClaimCandidates, stats, clock),
		verifier:  services.NewVerificationEngine(db, stats, remainder, clock),
		logs:      logs,
		hub:       services.GetSSEHub(),
		taskQueue: taskQueue,
		worker:    worker,
		scheduler: scheduler,
		redis:     redisClient,
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	logger.Info().Msg("Batch scheduler stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}
