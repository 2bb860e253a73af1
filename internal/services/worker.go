package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fieldqa/qcreview/internal/config"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/hibiken/asynq"
)

// Worker processes async batch tasks from the queue
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor func(context.Context, *BatchTask) error
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

// NewWorker creates a new worker instance; nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig) *Worker {
	if !cfg.Enabled {
		return nil
	}

	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Errorf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// SetProcessor sets the function to process batch tasks
func (w *Worker) SetProcessor(processor func(context.Context, *BatchTask) error) {
	w.processor = processor
}

// Start begins processing tasks
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeCloseBatch, w.handleBatchTask)

	w.running = true
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		logger.Infof("[Worker] Starting async worker...")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[Worker] Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleBatchTask(ctx context.Context, t *asynq.Task) error {
	task, err := decodeBatchTask(t.Payload())
	if err != nil {
		// A malformed payload never succeeds; do not retry it.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	logger.Infof("[Worker] Processing close task: batch_id=%d, survey_id=%d, date=%s",
		task.BatchID, task.SurveyID, task.BatchDate)

	if w.processor == nil {
		logger.Warnf("[Worker] No processor set")
		return nil
	}

	return w.processor(ctx, task)
}

func decodeBatchTask(payload []byte) (*BatchTask, error) {
	var task BatchTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("decode batch task: %w", err)
	}
	if task.BatchID == 0 {
		return nil, fmt.Errorf("decode batch task: missing batch_id")
	}
	return &task, nil
}
