package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/fieldqa/qcreview/internal/config"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/hibiken/asynq"
)

const (
	TaskTypeCloseBatch = "qc:close_batch"
)

// BatchTask asks a worker to close one day batch and draw its sample.
type BatchTask struct {
	BatchID   uint   `json:"batch_id"`
	SurveyID  uint   `json:"survey_id"`
	BatchDate string `json:"batch_date"`
}

// TaskQueue defines the interface for batch task processing
type TaskQueue interface {
	// Enqueue adds a task to the queue
	Enqueue(task *BatchTask) error
	// IsAsync returns true if queue processes tasks asynchronously
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

// Global task queue instance
var (
	globalTaskQueue TaskQueue
	taskQueueOnce   sync.Once
)

// InitTaskQueue initializes the global task queue based on config
func InitTaskQueue(cfg *config.Config) TaskQueue {
	taskQueueOnce.Do(func() {
		globalTaskQueue = NewTaskQueue(&cfg.Redis)
	})
	return globalTaskQueue
}

// NewTaskQueue returns an asynq queue when Redis is enabled and reachable,
// otherwise a SyncQueue.
func NewTaskQueue(cfg *config.RedisConfig) TaskQueue {
	if !cfg.Enabled {
		logger.Infof("[TaskQueue] Sync queue initialized (Redis disabled)")
		return NewSyncQueue()
	}
	queue, err := NewAsyncQueue(cfg)
	if err != nil {
		logger.Warnf("[TaskQueue] Redis unavailable, falling back to sync mode: %v", err)
		return NewSyncQueue()
	}
	logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Addr)
	return queue
}

// GetTaskQueue returns the global task queue instance
func GetTaskQueue() TaskQueue {
	return globalTaskQueue
}

// AsyncQueue implements TaskQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewAsyncQueue creates a new Redis-based async queue
func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

// Enqueue adds a close task. The task id is derived from the batch, so a
// batch already waiting in the queue is not queued twice.
func (q *AsyncQueue) Enqueue(task *BatchTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeCloseBatch, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue("default"),
		asynq.MaxRetry(3),
		asynq.TaskID(closeTaskID(task.BatchID)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.Debug().Uint("batch_id", task.BatchID).Msg("[AsyncQueue] Close task already queued")
		return nil
	}
	if err != nil {
		return err
	}

	logger.Infof("[AsyncQueue] Task enqueued: id=%s, queue=%s, batch_id=%d", info.ID, info.Queue, task.BatchID)
	return nil
}

func closeTaskID(batchID uint) string {
	return TaskTypeCloseBatch + ":" + strconv.FormatUint(uint64(batchID), 10)
}

// IsAsync returns true for async queue
func (q *AsyncQueue) IsAsync() bool {
	return true
}

// Close closes the async queue client
func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue implements TaskQueue in-process (no Redis)
type SyncQueue struct {
	processor func(context.Context, *BatchTask) error
	wg        sync.WaitGroup
}

// NewSyncQueue creates a new synchronous queue
func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

// SetProcessor sets the function to process tasks
func (q *SyncQueue) SetProcessor(processor func(context.Context, *BatchTask) error) {
	q.processor = processor
}

// Enqueue processes the task in a background goroutine
func (q *SyncQueue) Enqueue(task *BatchTask) error {
	if q.processor == nil {
		logger.Warnf("[SyncQueue] No processor set, task for batch %d dropped", task.BatchID)
		return nil
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.processor(context.Background(), task); err != nil {
			logger.Errorf("[SyncQueue] Task processing failed for batch %d: %v", task.BatchID, err)
		}
	}()

	return nil
}

// IsAsync returns false for sync queue
func (q *SyncQueue) IsAsync() bool {
	return false
}

// Close waits for in-flight tasks
func (q *SyncQueue) Close() error {
	q.wg.Wait()
	return nil
}
