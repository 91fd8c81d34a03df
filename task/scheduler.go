package task

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BRLink/resoto/ids"
	"github.com/robfig/cron/v3"
)

// Scheduler fires the time triggers of registered descriptors. Cron
// expressions are evaluated in UTC. Each firing invokes the onFire
// callback with the descriptor id, which the task handler treats like
// an incoming trigger event.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	onFire func(ids.TaskDescriptorId)

	mu      sync.Mutex
	entries map[ids.TaskDescriptorId][]cron.EntryID
}

// NewScheduler creates a stopped scheduler. Start must be called to
// begin firing triggers.
func NewScheduler(logger *slog.Logger, onFire func(ids.TaskDescriptorId)) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  logger.With("component", "scheduler"),
		onFire:  onFire,
		entries: map[ids.TaskDescriptorId][]cron.EntryID{},
	}
}

// Start begins evaluating the registered cron expressions.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for running callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Schedule registers every time trigger of the descriptor. A
// descriptor already scheduled is re-scheduled with its current
// triggers. Descriptors without time triggers are a no-op.
func (s *Scheduler) Schedule(d Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(d.ID())
	descriptorID := d.ID()
	for _, trigger := range d.Triggers() {
		tt, ok := trigger.(TimeTrigger)
		if !ok {
			continue
		}
		entryID, err := s.cron.AddFunc(tt.Cron, func() {
			s.logger.Debug("time trigger fired", "descriptor_id", descriptorID)
			s.onFire(descriptorID)
		})
		if err != nil {
			return err
		}
		s.entries[descriptorID] = append(s.entries[descriptorID], entryID)
		s.logger.Debug("time trigger scheduled", "descriptor_id", descriptorID, "cron", tt.Cron)
	}
	return nil
}

// Unschedule removes all time triggers of the descriptor.
func (s *Scheduler) Unschedule(id ids.TaskDescriptorId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(id)
}

func (s *Scheduler) unscheduleLocked(id ids.TaskDescriptorId) {
	for _, entryID := range s.entries[id] {
		s.cron.Remove(entryID)
	}
	delete(s.entries, id)
}
