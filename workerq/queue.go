// Package workerq routes discrete units of work to workers that have
// declared matching capabilities. Workers attach with a scoped session,
// pull tasks cooperatively and report success or failure. Delivery is
// at least once: unacknowledged tasks are re-queued after their timeout
// and failing tasks are retried with exponential backoff.
package workerq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BRLink/resoto/ids"
	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryAttempts is the number of retries after the first failed
// attempt. A permanently failing task is attempted 1+DefaultRetryAttempts
// times in total.
const DefaultRetryAttempts = 3

// DefaultBackoffBase is the base of the exponential retry delay.
const DefaultBackoffBase = 3 * time.Second

// ErrQueueClosed is returned when the queue has been shut down.
var ErrQueueClosed = errors.New("worker task queue closed")

// WorkerTask is one unit of work routed by name and attributes.
type WorkerTask struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`
	Timeout    time.Duration     `json:"timeout"`
}

// TaskResult is the final outcome of a worker task.
type TaskResult struct {
	Data map[string]any
	Err  error
}

type entry struct {
	task       WorkerTask
	result     chan TaskResult
	attempts   int
	deadline   time.Time // in flight: re-queue after this moment
	notBefore  time.Time // queued: do not deliver before this moment
	assignedTo ids.WorkerId
	retry      *backoff.ExponentialBackOff
}

// Queue is the worker task router.
type Queue struct {
	logger        *slog.Logger
	retryAttempts int
	backoffBase   time.Duration

	mu       sync.Mutex
	closed   bool
	sessions []*WorkerSession
	queued   []*entry
	inFlight map[string]*entry
	change   chan struct{} // closed and replaced on every state change
}

// Option configures the queue.
type Option func(*Queue)

// WithBackoffBase overrides the base of the exponential retry delay.
func WithBackoffBase(base time.Duration) Option {
	return func(q *Queue) { q.backoffBase = base }
}

// WithRetryAttempts overrides the number of retries after the first failure.
func WithRetryAttempts(n int) Option {
	return func(q *Queue) { q.retryAttempts = n }
}

// NewQueue creates an empty worker task queue.
func NewQueue(logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger:        logger,
		retryAttempts: DefaultRetryAttempts,
		backoffBase:   DefaultBackoffBase,
		inFlight:      make(map[string]*entry),
		change:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start runs the overdue sweep until the context is cancelled. The
// sweep re-queues in-flight tasks past their timeout.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				q.CheckOverdue(now)
			}
		}
	}()
}

func (q *Queue) newRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.backoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// signalLocked wakes every waiting worker. Callers must hold q.mu.
func (q *Queue) signalLocked() {
	close(q.change)
	q.change = make(chan struct{})
}

// AddTask enqueues a task. The returned channel yields exactly one
// result: success data from a worker or the permanent failure.
func (q *Queue) AddTask(task WorkerTask) (<-chan TaskResult, error) {
	if task.ID == "" {
		task.ID = ids.NewWorkerTaskId()
	}
	if task.Name == "" {
		return nil, fmt.Errorf("worker task name must not be empty")
	}
	if task.Timeout <= 0 {
		task.Timeout = time.Minute
	}
	e := &entry{task: task, result: make(chan TaskResult, 1), retry: q.newRetry()}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	q.queued = append(q.queued, e)
	q.signalLocked()
	q.logger.Debug("worker task queued", "task_id", task.ID, "name", task.Name)
	return e.result, nil
}

// AcknowledgeTask reports successful completion. Duplicate or unknown
// acknowledgements are ignored.
func (q *Queue) AcknowledgeTask(workerID ids.WorkerId, taskID string, result map[string]any) {
	q.mu.Lock()
	e, ok := q.inFlight[taskID]
	if !ok || e.assignedTo != workerID {
		q.mu.Unlock()
		return
	}
	delete(q.inFlight, taskID)
	q.mu.Unlock()
	e.result <- TaskResult{Data: result}
	q.logger.Debug("worker task acknowledged", "task_id", taskID, "worker_id", workerID)
}

// ErrorTask reports a failed attempt. The task is retried with
// exponential backoff until the retry budget is exhausted, then the
// failure is delivered to the caller of AddTask.
func (q *Queue) ErrorTask(workerID ids.WorkerId, taskID string, taskErr error) {
	q.mu.Lock()
	e, ok := q.inFlight[taskID]
	if !ok || e.assignedTo != workerID {
		q.mu.Unlock()
		return
	}
	delete(q.inFlight, taskID)
	q.failAttemptLocked(e, taskErr)
	q.mu.Unlock()
}

// failAttemptLocked re-queues or permanently fails an entry whose
// current attempt did not succeed. Callers must hold q.mu.
func (q *Queue) failAttemptLocked(e *entry, taskErr error) {
	if e.attempts > q.retryAttempts {
		e.result <- TaskResult{Err: fmt.Errorf("task %s failed after %d attempts: %w", e.task.ID, e.attempts, taskErr)}
		q.logger.Warn("worker task failed permanently",
			"task_id", e.task.ID, "name", e.task.Name, "attempts", e.attempts, "error", taskErr)
		return
	}
	delay := e.retry.NextBackOff()
	e.assignedTo = ""
	e.notBefore = time.Now().Add(delay)
	q.queued = append(q.queued, e)
	q.signalLocked()
	q.logger.Debug("worker task re-queued",
		"task_id", e.task.ID, "attempt", e.attempts, "retry_in", delay, "error", taskErr)
}

// CheckOverdue re-queues in-flight tasks whose timeout elapsed.
func (q *Queue) CheckOverdue(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, e := range q.inFlight {
		if now.After(e.deadline) {
			delete(q.inFlight, id)
			q.failAttemptLocked(e, fmt.Errorf("not acknowledged within %s", e.task.Timeout))
		}
	}
}

// Outstanding returns the number of queued plus in-flight tasks.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) + len(q.inFlight)
}

// Close fails all queued and in-flight tasks and detaches all sessions.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, e := range q.queued {
		e.result <- TaskResult{Err: ErrQueueClosed}
	}
	q.queued = nil
	for id, e := range q.inFlight {
		delete(q.inFlight, id)
		e.result <- TaskResult{Err: ErrQueueClosed}
	}
	q.sessions = nil
	q.signalLocked()
}
