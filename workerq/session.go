package workerq

import (
	"context"
	"fmt"
	"time"

	"github.com/BRLink/resoto/ids"
	"github.com/bmatcuk/doublestar/v4"
)

// WorkerSession is the scoped attachment of one worker. A task matches
// the session iff its name is one of the declared task names and every
// attribute filter of the session is present in the task with a value
// matching the filter pattern.
type WorkerSession struct {
	WorkerID ids.WorkerId

	queue     *Queue
	taskNames map[string]struct{}
	filters   map[string]string
	closed    bool
}

// AttachWorker registers a worker with the given capabilities. The
// session must be closed when the worker disconnects, which re-queues
// its in-flight tasks.
func (q *Queue) AttachWorker(workerID ids.WorkerId, taskNames []string, attributeFilters map[string]string) (*WorkerSession, error) {
	if len(taskNames) == 0 {
		return nil, fmt.Errorf("worker %s attached without task names", workerID)
	}
	names := make(map[string]struct{}, len(taskNames))
	for _, name := range taskNames {
		names[name] = struct{}{}
	}
	for attr, pattern := range attributeFilters {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("worker %s: invalid pattern %q for attribute %s", workerID, pattern, attr)
		}
	}
	session := &WorkerSession{WorkerID: workerID, queue: q, taskNames: names, filters: attributeFilters}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	q.sessions = append(q.sessions, session)
	q.signalLocked()
	q.logger.Debug("worker attached", "worker_id", workerID, "task_names", taskNames)
	return session, nil
}

func (s *WorkerSession) matches(task WorkerTask) bool {
	if _, ok := s.taskNames[task.Name]; !ok {
		return false
	}
	for attr, pattern := range s.filters {
		value, ok := task.Attributes[attr]
		if !ok {
			return false
		}
		matched, err := doublestar.Match(pattern, value)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// Next blocks until a matching task is available or the context is
// done. Waiting sessions are served in arrival order, which round
// robins tasks across equally capable workers.
func (s *WorkerSession) Next(ctx context.Context) (WorkerTask, error) {
	for {
		q := s.queue
		q.mu.Lock()
		if q.closed || s.closed {
			q.mu.Unlock()
			return WorkerTask{}, ErrQueueClosed
		}
		now := time.Now()
		var wakeAt time.Time
		for i, e := range q.queued {
			if !s.matches(e.task) {
				continue
			}
			if e.notBefore.After(now) {
				if wakeAt.IsZero() || e.notBefore.Before(wakeAt) {
					wakeAt = e.notBefore
				}
				continue
			}
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			e.attempts++
			e.assignedTo = s.WorkerID
			e.deadline = now.Add(e.task.Timeout)
			q.inFlight[e.task.ID] = e
			q.mu.Unlock()
			return e.task, nil
		}
		change := q.change
		q.mu.Unlock()

		var timer *time.Timer
		var backoffTimer <-chan time.Time
		if !wakeAt.IsZero() {
			timer = time.NewTimer(time.Until(wakeAt))
			backoffTimer = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return WorkerTask{}, ctx.Err()
		case <-change:
		case <-backoffTimer:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Acknowledge reports a successful completion through this session.
func (s *WorkerSession) Acknowledge(taskID string, result map[string]any) {
	s.queue.AcknowledgeTask(s.WorkerID, taskID, result)
}

// Error reports a failed attempt through this session.
func (s *WorkerSession) Error(taskID string, taskErr error) {
	s.queue.ErrorTask(s.WorkerID, taskID, taskErr)
}

// Close detaches the worker. In-flight tasks assigned to this worker
// are immediately re-queued for other workers.
func (s *WorkerSession) Close() {
	q := s.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i, session := range q.sessions {
		if session == s {
			q.sessions = append(q.sessions[:i], q.sessions[i+1:]...)
			break
		}
	}
	for id, e := range q.inFlight {
		if e.assignedTo == s.WorkerID {
			delete(q.inFlight, id)
			e.assignedTo = ""
			e.notBefore = time.Time{}
			q.queued = append(q.queued, e)
		}
	}
	q.signalLocked()
	q.logger.Debug("worker detached", "worker_id", s.WorkerID)
}
