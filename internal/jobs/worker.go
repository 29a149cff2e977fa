package jobs

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/observability"
)

// TaskStaleTimeout is how long a task may sit running before the recovery
// monitor assumes its worker died.
const TaskStaleTimeout = 10 * time.Minute

// taskRetention is how long finished tasks stay queryable before cleanup.
const taskRetention = 7 * 24 * time.Hour

// crawlQueue is the slice of db.DbQueue the pool drives.
type crawlQueue interface {
	GetNextTask(ctx context.Context, queues []string) (*db.CrawlTask, error)
	CompleteTask(ctx context.Context, task *db.CrawlTask) error
	FailTask(ctx context.Context, task *db.CrawlTask, taskErr error) error
	ResetStuckTasks(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteOldTasks(ctx context.Context, olderThan time.Duration) (int64, error)
}

type taskProcessor interface {
	Process(ctx context.Context, task *db.CrawlTask) error
}

// WorkerPool runs a fixed set of workers that claim crawl tasks from the
// listing queues and hand them to the processor.
type WorkerPool struct {
	queue      crawlQueue
	processor  taskProcessor
	dbConfig   *db.Config
	queues     []string
	numWorkers int

	stopCh   chan struct{}
	notifyCh chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup

	recoveryInterval time.Duration
	cleanupInterval  time.Duration
}

// NewWorkerPool creates a worker pool over the given queues. dbConfig is
// used for the LISTEN/NOTIFY wake-up connection and may be nil, in which
// case workers rely on polling alone.
func NewWorkerPool(queue crawlQueue, processor taskProcessor, dbConfig *db.Config, queues []string, numWorkers int) *WorkerPool {
	if queue == nil {
		panic("task queue is required")
	}
	if processor == nil {
		panic("task processor is required")
	}
	if numWorkers < 1 {
		panic("numWorkers must be at least 1")
	}
	if len(queues) == 0 {
		queues = AllQueues
	}

	return &WorkerPool{
		queue:            queue,
		processor:        processor,
		dbConfig:         dbConfig,
		queues:           queues,
		numWorkers:       numWorkers,
		stopCh:           make(chan struct{}),
		notifyCh:         make(chan struct{}, 1),
		recoveryInterval: time.Minute,
		cleanupInterval:  time.Hour,
	}
}

// Start launches the workers and background monitors.
func (wp *WorkerPool) Start(ctx context.Context) {
	log.Info().Int("workers", wp.numWorkers).Strs("queues", wp.queues).Msg("Starting worker pool")

	wp.wg.Add(wp.numWorkers)
	for i := 0; i < wp.numWorkers; i++ {
		go wp.worker(ctx, i)
	}

	wp.wg.Add(1)
	go wp.recoveryMonitor(ctx)

	wp.wg.Add(1)
	go wp.cleanupMonitor(ctx)

	if wp.dbConfig != nil {
		wp.wg.Add(1)
		go wp.listenForNotifications(ctx)
	}
}

// Stop stops the worker pool and waits for in-flight tasks.
func (wp *WorkerPool) Stop() {
	wp.stopping.Store(true)
	log.Debug().Msg("Stopping worker pool")
	close(wp.stopCh)
	wp.wg.Wait()
	log.Debug().Msg("Worker pool stopped")
}

// Notify wakes a sleeping worker. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notifyCh <- struct{}{}:
	default:
	}
}

// worker claims and processes tasks until stopped, backing off while the
// queues are empty.
func (wp *WorkerPool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	log.Info().Int("worker_id", workerID).Msg("Starting worker")

	consecutiveNoTasks := 0
	baseSleep := 200 * time.Millisecond
	maxSleep := 30 * time.Second

	for {
		select {
		case <-wp.stopCh:
			log.Debug().Int("worker_id", workerID).Msg("Worker received stop signal")
			return
		case <-ctx.Done():
			log.Debug().Int("worker_id", workerID).Msg("Worker context cancelled")
			return
		case <-wp.notifyCh:
			consecutiveNoTasks = 0
		default:
		}

		processed, err := wp.processNextTask(ctx)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to process task")
			select {
			case <-time.After(baseSleep):
			case <-wp.stopCh:
				return
			}
			continue
		}

		if processed {
			consecutiveNoTasks = 0
			continue
		}

		consecutiveNoTasks++
		if consecutiveNoTasks == 1 || consecutiveNoTasks%10 == 0 {
			log.Debug().Int("worker_id", workerID).Msg("Waiting for new tasks")
		}
		sleepTime := time.Duration(float64(baseSleep) * math.Pow(1.5, float64(min(consecutiveNoTasks, 10))))
		if sleepTime > maxSleep {
			sleepTime = maxSleep
		}

		select {
		case <-time.After(sleepTime):
		case <-wp.notifyCh:
			consecutiveNoTasks = 0
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processNextTask claims one task and runs it through the processor.
// Returns false when no task was available.
func (wp *WorkerPool) processNextTask(ctx context.Context) (bool, error) {
	task, err := wp.queue.GetNextTask(ctx, wp.queues)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log.Info().
		Str("task_id", task.ID).
		Str("queue", task.Queue).
		Str("url", task.URL).
		Msg("Claimed crawl task")

	taskCtx, span := observability.StartCrawlTaskSpan(ctx, observability.CrawlTaskSpanInfo{
		TaskID: task.ID,
		Queue:  task.Queue,
		URL:    task.URL,
	})
	started := time.Now()

	procErr := wp.processor.Process(taskCtx, task)

	status := "completed"
	if procErr != nil {
		status = "failed"
		span.RecordError(procErr)
	}
	observability.RecordCrawlTask(taskCtx, observability.CrawlTaskMetrics{
		Queue:    task.Queue,
		Status:   status,
		Duration: time.Since(started),
	})
	span.End()

	if procErr != nil {
		if failErr := wp.queue.FailTask(ctx, task, procErr); failErr != nil {
			log.Error().Err(failErr).Str("task_id", task.ID).Msg("Failed to record task failure")
		}
		return true, nil
	}

	if err := wp.queue.CompleteTask(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to mark task completed")
	}
	return true, nil
}

// recoveryMonitor periodically resets tasks whose worker disappeared.
func (wp *WorkerPool) recoveryMonitor(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.stopCh:
			return
		case <-ticker.C:
			reset, err := wp.queue.ResetStuckTasks(ctx, TaskStaleTimeout)
			if err != nil {
				log.Error().Err(err).Msg("Failed to recover stale tasks")
			} else if reset > 0 {
				log.Warn().Int64("count", reset).Msg("Reset stale crawl tasks")
			}
		}
	}
}

// cleanupMonitor trims finished tasks past the retention window.
func (wp *WorkerPool) cleanupMonitor(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wp.stopCh:
			return
		case <-ticker.C:
			deleted, err := wp.queue.DeleteOldTasks(ctx, taskRetention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to clean up old tasks")
			} else if deleted > 0 {
				log.Debug().Int64("count", deleted).Msg("Deleted old crawl tasks")
			}
		}
	}
}

// listenForNotifications wakes workers when the dispatcher enqueues tasks,
// so new listings don't wait out a backoff sleep.
func (wp *WorkerPool) listenForNotifications(ctx context.Context) {
	defer wp.wg.Done()

	listener := pq.NewListener(wp.dbConfig.ConnectionString(),
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Database notification error")
			}
		})

	defer listener.Close()

	if err := listener.Listen(taskNotifyChannel); err != nil {
		log.Error().Err(err).Msg("Failed to start listening for task notifications")
		return
	}

	for {
		select {
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				log.Warn().Msg("Notification connection lost, reconnecting")
				continue
			}
			wp.Notify()
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("Notification connection ping failed")
			}
		}
	}
}
