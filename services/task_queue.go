package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

// TaskDispatcher hands work to the background workers. The request path only
// ever sees this interface.
type TaskDispatcher interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) error
}

// TaskHandler processes one decoded task payload.
type TaskHandler func(ctx context.Context, payload []byte) error

const TASK_QUEUE_SVC = "task_queue_svc"

const (
	defaultMaxAttempts = 3
	defaultWorkers     = 4
	defaultPollTimeout = 2 * time.Second

	heartbeatInterval = 10 * time.Second
	heartbeatTTL      = 3 * heartbeatInterval
)

// TaskQueueService is a Redis list backed queue. Producers LPUSH, workers
// BLMOVE the oldest task into this consumer's processing list and remove it
// only once it has been handled, so a task outlives a crashed worker. A
// consumer whose heartbeat lapses has its processing list moved back onto the
// queue by the others. Failed tasks are pushed back until maxAttempts is
// reached unless the handler marks the error permanent.
type TaskQueueService struct {
	appContext.DefaultService

	redisSvc   *RedisService
	monitoring *MonitoringService

	key         string
	consumer    string
	workers     int
	maxAttempts int
	pollTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTaskQueueService(redisSvc *RedisService) *TaskQueueService {
	return &TaskQueueService{
		redisSvc:    redisSvc,
		key:         shared.TaskQueueKey,
		consumer:    uuid.NewString(),
		workers:     defaultWorkers,
		maxAttempts: defaultMaxAttempts,
		pollTimeout: defaultPollTimeout,
		handlers:    map[string]TaskHandler{},
	}
}

func (svc TaskQueueService) Id() string {
	return TASK_QUEUE_SVC
}

func (svc *TaskQueueService) Configure(ctx *appContext.Context) error {
	svc.key = shared.TaskQueueKey
	svc.consumer = uuid.NewString()
	svc.workers = defaultWorkers
	svc.maxAttempts = defaultMaxAttempts
	svc.pollTimeout = defaultPollTimeout
	svc.handlers = map[string]TaskHandler{}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			svc.workers = n
		}
	}
	if v := os.Getenv("TASK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			svc.maxAttempts = n
		}
	}

	return svc.DefaultService.Configure(ctx)
}

// Start wires dependencies. Workers are started by HttpService once every
// handler has registered.
func (svc *TaskQueueService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	if m, ok := svc.Service(MONITORING_SVC).(*MonitoringService); ok {
		svc.monitoring = m
	}
	return nil
}

func (svc *TaskQueueService) Shutdown() {
	svc.Stop()
}

// Register binds a handler to a task type. A later registration replaces an
// earlier one.
func (svc *TaskQueueService) Register(taskType string, handler TaskHandler) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.handlers[taskType] = handler
}

func (svc *TaskQueueService) Enqueue(ctx context.Context, taskType string, payload interface{}) error {
	body, err := shared.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s task: %w", taskType, err)
	}

	task := dto.Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    string(body),
		EnqueuedAt: time.Now().UTC(),
	}
	return svc.push(ctx, task)
}

func (svc *TaskQueueService) push(ctx context.Context, task dto.Task) error {
	raw, err := shared.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task envelope: %w", err)
	}
	if err := svc.redisSvc.LPush(ctx, svc.key, raw); err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", task.Type, err)
	}
	return nil
}

// Len reports how many tasks are waiting.
func (svc *TaskQueueService) Len(ctx context.Context) (int64, error) {
	return svc.redisSvc.LLen(ctx, svc.key)
}

func (svc *TaskQueueService) processingKey() string {
	return shared.TaskProcessingKeyPrefix + svc.consumer
}

func (svc *TaskQueueService) heartbeat(ctx context.Context) error {
	return svc.redisSvc.Set(ctx, shared.TaskConsumerKeyPrefix+svc.consumer, "1", heartbeatTTL)
}

// ProcessOne waits up to timeout for a task and runs it. It reports whether a
// task was taken off the queue. A handler failure is retried by re-queueing,
// so the returned error is only for queue or decoding failures.
func (svc *TaskQueueService) ProcessOne(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}

	if err := svc.heartbeat(ctx); err != nil {
		return false, fmt.Errorf("failed to refresh consumer heartbeat: %w", err)
	}

	raw, ok, err := svc.redisSvc.BLMove(ctx, svc.key, svc.processingKey(), timeout)
	if err != nil || !ok {
		return false, err
	}
	defer svc.ack(context.WithoutCancel(ctx), raw)

	var task dto.Task
	if err := shared.Unmarshal([]byte(raw), &task); err != nil {
		log.WithError(err).Error("Dropping undecodable task")
		return true, fmt.Errorf("%w: %v", shared.ErrInvalidTask, err)
	}

	svc.run(ctx, task)
	return true, nil
}

func (svc *TaskQueueService) ack(ctx context.Context, raw string) {
	if err := svc.redisSvc.LRem(ctx, svc.processingKey(), raw); err != nil {
		log.WithError(err).Error("Failed to acknowledge task")
	}
}

// Reclaim moves the tasks held by consumers whose heartbeat has lapsed back
// onto the queue and returns how many it moved.
func (svc *TaskQueueService) Reclaim(ctx context.Context) (int, error) {
	keys, err := svc.redisSvc.ScanKeys(ctx, shared.TaskProcessingKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to list processing tasks: %w", err)
	}

	moved := 0
	for _, key := range keys {
		consumer := strings.TrimPrefix(key, shared.TaskProcessingKeyPrefix)
		if consumer == svc.consumer {
			continue
		}

		alive, err := svc.redisSvc.Get(ctx, shared.TaskConsumerKeyPrefix+consumer)
		if err != nil {
			return moved, fmt.Errorf("failed to read consumer heartbeat: %w", err)
		}
		if alive != "" {
			continue
		}

		count := 0
		for {
			ok, err := svc.redisSvc.LMoveTail(ctx, key, svc.key)
			if err != nil {
				return moved + count, fmt.Errorf("failed to reclaim task: %w", err)
			}
			if !ok {
				break
			}
			count++
		}
		moved += count
		if count > 0 {
			log.WithFields(log.Fields{"consumer": consumer, "tasks": count}).Warn("Reclaimed tasks of a stopped consumer")
		}
	}
	return moved, nil
}

func (svc *TaskQueueService) run(ctx context.Context, task dto.Task) {
	entry := log.WithFields(log.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"attempt":   task.Attempts + 1,
	})

	svc.mu.RLock()
	handler, ok := svc.handlers[task.Type]
	svc.mu.RUnlock()
	if !ok {
		entry.WithError(shared.ErrUnknownTaskType).Error("Dropping task")
		svc.record(task.Type, "dropped")
		return
	}

	err := svc.invoke(ctx, handler, task)
	if err == nil {
		svc.record(task.Type, "success")
		return
	}

	task.Attempts++
	if shared.IsPermanent(err) || task.Attempts >= svc.maxAttempts {
		entry.WithError(err).Error("Task failed, giving up")
		svc.record(task.Type, "failed")
		return
	}

	entry.WithError(err).Warn("Task failed, retrying")
	svc.record(task.Type, "retry")
	if pushErr := svc.push(context.WithoutCancel(ctx), task); pushErr != nil {
		entry.WithError(pushErr).Error("Failed to re-queue task")
	}
}

func (svc *TaskQueueService) invoke(ctx context.Context, handler TaskHandler, task dto.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return handler(ctx, []byte(task.Payload))
}

func (svc *TaskQueueService) record(taskType, status string) {
	if svc.monitoring != nil {
		svc.monitoring.RecordTask(taskType, status)
	}
}

// StartWorkers launches the worker pool and the heartbeat loop. It returns
// immediately.
func (svc *TaskQueueService) StartWorkers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	svc.cancel = cancel

	log.WithFields(log.Fields{
		"workers":  svc.workers,
		"consumer": svc.consumer,
	}).Info("Starting task workers")

	if err := svc.heartbeat(ctx); err != nil {
		log.WithError(err).Error("Failed to register task consumer")
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			if _, err := svc.Reclaim(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Task reclaim failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := svc.heartbeat(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).Error("Failed to refresh consumer heartbeat")
				}
			}
		}
	}()

	for i := 0; i < svc.workers; i++ {
		svc.wg.Add(1)
		go func(workerID int) {
			defer svc.wg.Done()
			for ctx.Err() == nil {
				_, err := svc.ProcessOne(ctx, svc.pollTimeout)
				if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, shared.ErrInvalidTask) {
					log.WithError(err).WithField("worker", workerID).Error("Task queue error")
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
				}
			}
		}(i)
	}
}

// Stop cancels the workers, waits for in-flight tasks to finish and
// withdraws the heartbeat so anything left behind is reclaimed at once.
func (svc *TaskQueueService) Stop() {
	if svc.cancel == nil {
		return
	}
	svc.cancel()
	svc.wg.Wait()

	if err := svc.redisSvc.Delete(context.Background(), shared.TaskConsumerKeyPrefix+svc.consumer); err != nil {
		log.WithError(err).Warn("Failed to withdraw consumer heartbeat")
	}
}
