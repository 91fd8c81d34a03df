package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BRLink/resoto/bus"
	"github.com/BRLink/resoto/db"
	"github.com/BRLink/resoto/ids"
	"github.com/BRLink/resoto/subscription"
)

// Events emitted by the task handler.
const (
	// TaskStartedEvent is emitted when a task instance is created.
	TaskStartedEvent = "task_started"
	// TaskEndEvent is emitted when a task instance reaches a terminal state.
	TaskEndEvent = "task_end"
)

// busSubscriberID identifies the handler's own bus queue.
const busSubscriberID = ids.SubscriberId("task_handler")

// overdueSweepInterval is the cadence of the timeout sweep.
const overdueSweepInterval = time.Second

// CommandRunner executes a CLI command line to completion. The CLI
// implements this interface and is installed after construction, which
// keeps the dependency between the two one-directional.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string, env map[string]string) error
}

// AlreadyRunningError reports that a descriptor could not start a new
// instance because one is already in flight.
type AlreadyRunningError struct {
	DescriptorName string
	RunningID      ids.TaskId
	// Queued is set for the Wait policy: the start begins once the
	// running instance terminates.
	Queued bool
}

func (e *AlreadyRunningError) Error() string {
	if e.Queued {
		return fmt.Sprintf("task %s already running with id %s, start queued", e.DescriptorName, e.RunningID)
	}
	return fmt.Sprintf("task %s already running with id %s", e.DescriptorName, e.RunningID)
}

// JobDb persists job descriptors.
type JobDb = db.EntityDb[Job]

// cliExec is a command execution collected during a transition and
// launched after the handler lock is released.
type cliExec struct {
	taskID  ids.TaskId
	step    string
	command string
	env     map[string]string
}

// effects are the side effects of one state transition. They are
// collected under the handler lock and performed after it is released,
// so emitting to the handler's own bus queue can never deadlock.
type effects struct {
	emits []bus.Message
	cli   []cliExec
}

// Handler drives running tasks through their steps. It is the single
// writer of all RunningTask state: every mutation happens on it, under
// its lock, and is persisted to the RunningTaskDb afterwards.
type Handler struct {
	runningDb     *db.RunningTaskDb
	historyDb     *db.TaskHistoryDb
	jobDb         JobDb
	msgBus        *bus.MessageBus
	subscriptions *subscription.Handler
	scheduler     *Scheduler
	logger        *slog.Logger

	mu            sync.Mutex
	runner        CommandRunner
	descriptors   map[ids.TaskDescriptorId]Description
	order         []ids.TaskDescriptorId
	running       map[ids.TaskId]*RunningTask
	pendingStarts map[ids.TaskDescriptorId]int

	busSub  *bus.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewHandler creates the task handler, registers the shipped workflows
// and loads persisted jobs. Start must be called to begin processing.
func NewHandler(ctx context.Context, runningDb *db.RunningTaskDb, historyDb *db.TaskHistoryDb, jobDb JobDb,
	msgBus *bus.MessageBus, subscriptions *subscription.Handler, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		runningDb:     runningDb,
		historyDb:     historyDb,
		jobDb:         jobDb,
		msgBus:        msgBus,
		subscriptions: subscriptions,
		logger:        logger.With("component", "task_handler"),
		descriptors:   map[ids.TaskDescriptorId]Description{},
		running:       map[ids.TaskId]*RunningTask{},
		pendingStarts: map[ids.TaskDescriptorId]int{},
	}
	h.scheduler = NewScheduler(logger, h.onTimeTrigger)

	for _, workflow := range KnownWorkflows() {
		if err := h.registerLocked(workflow); err != nil {
			return nil, err
		}
	}
	jobs, err := jobDb.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	for i := range jobs {
		job := jobs[i]
		if err := h.registerLocked(&job); err != nil {
			h.logger.Warn("skipping invalid persisted job", "job_id", job.DescriptorID, "error", err)
		}
	}
	return h, nil
}

// SetCommandRunner installs the CLI used for ExecuteCommand steps.
func (h *Handler) SetCommandRunner(runner CommandRunner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runner = runner
}

// Start recovers persisted running tasks, subscribes to the bus and
// starts the scheduler and the overdue sweep.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	if err := h.recover(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.busSub = h.msgBus.Subscribe(busSubscriberID)
	h.scheduler.Start()

	h.wg.Add(2)
	go h.messageLoop(loopCtx)
	go h.sweepLoop(loopCtx)
	h.logger.Info("task handler started", "descriptors", len(h.order))
	return nil
}

// Stop shuts down the handler. Running tasks stay persisted and are
// recovered on the next start.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.mu.Unlock()

	h.cancel()
	h.busSub.Release()
	h.scheduler.Stop()
	h.wg.Wait()
	h.logger.Info("task handler stopped")
}

// recover restores every non-terminal task from the database. Replay
// only rebuilds in-memory state: no action is re-emitted, so a
// subscriber registered after the snapshot never joins an in-flight
// step. Commands of ExecuteCommand steps run again (at-least-once).
func (h *Handler) recover(ctx context.Context) error {
	persisted, err := h.runningDb.AllRunning(ctx)
	if err != nil {
		return fmt.Errorf("load running tasks: %w", err)
	}

	h.mu.Lock()
	var eff effects
	for _, data := range persisted {
		descriptor, ok := h.descriptors[data.DescriptorID]
		if !ok {
			h.logger.Warn("dropping running task of unknown descriptor", "task_id", data.ID, "descriptor_id", data.DescriptorID)
			if err := h.runningDb.Delete(ctx, data.ID); err != nil {
				h.logger.Warn("failed to delete orphaned running task", "task_id", data.ID, "error", err)
			}
			continue
		}
		rt, commands, err := Restore(data, descriptor)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		h.running[rt.ID] = rt
		h.collectLocked(ctx, rt, commands, &eff)
		h.logger.Info("recovered running task", "task_id", rt.ID, "descriptor", descriptor.Name(), "step", rt.CurrentStepName())
	}
	h.mu.Unlock()
	h.perform(ctx, eff)
	return nil
}

func (h *Handler) messageLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-h.busSub.Messages():
			if !ok {
				return
			}
			h.handleMessage(ctx, m)
		}
	}
}

func (h *Handler) sweepLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(overdueSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.CheckOverdueTasks(ctx, now)
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, m bus.Message) {
	h.mu.Lock()
	var eff effects
	switch v := m.(type) {
	case bus.Event:
		h.handleEventLocked(ctx, v, &eff)
	case bus.ActionDone:
		if rt, ok := h.running[v.TaskID]; ok {
			h.collectLocked(ctx, rt, rt.HandleActionDone(v), &eff)
		}
	case bus.ActionError:
		if rt, ok := h.running[v.TaskID]; ok {
			h.logger.Info("step failed for subscriber", "task_id", v.TaskID, "step", v.Step, "subscriber_id", v.SubscriberID, "error", v.Error)
			h.collectLocked(ctx, rt, rt.HandleActionError(v), &eff)
		}
	case bus.ActionInfo:
		if rt, ok := h.running[v.TaskID]; ok {
			rt.HandleInfo(v)
			h.persistLocked(ctx, rt)
		}
	case bus.ActionProgress:
		if rt, ok := h.running[v.TaskID]; ok {
			rt.HandleProgress(v)
			h.persistLocked(ctx, rt)
		}
	}
	h.mu.Unlock()
	h.perform(ctx, eff)
}

// handleEventLocked unblocks waiting steps and fires event triggers.
func (h *Handler) handleEventLocked(ctx context.Context, event bus.Event, eff *effects) {
	for _, rt := range h.snapshotRunningLocked() {
		consumed, commands := rt.HandleEvent(event)
		if consumed {
			h.collectLocked(ctx, rt, commands, eff)
		}
	}
	for _, id := range h.order {
		descriptor := h.descriptors[id]
		if !descriptorActive(descriptor) {
			continue
		}
		for _, trigger := range descriptor.Triggers() {
			et, ok := trigger.(EventTrigger)
			if !ok || et.MessageType != event.Type {
				continue
			}
			if _, err := h.startLocked(ctx, descriptor, eff); err != nil {
				h.logger.Debug("trigger did not start task", "descriptor", descriptor.Name(), "reason", err)
			}
		}
	}
}

// onTimeTrigger is invoked by the scheduler and behaves like an event
// trigger firing for the descriptor.
func (h *Handler) onTimeTrigger(id ids.TaskDescriptorId) {
	ctx := context.Background()
	h.mu.Lock()
	var eff effects
	if descriptor, ok := h.descriptors[id]; ok {
		if _, err := h.startLocked(ctx, descriptor, &eff); err != nil {
			h.logger.Debug("time trigger did not start task", "descriptor_id", id, "reason", err)
		}
	}
	h.mu.Unlock()
	h.perform(ctx, eff)
}

// StartTask starts an instance of the descriptor, honoring its surpass
// policy against already running instances.
func (h *Handler) StartTask(ctx context.Context, descriptor Description) (*RunningTask, error) {
	h.mu.Lock()
	var eff effects
	rt, err := h.startLocked(ctx, descriptor, &eff)
	h.mu.Unlock()
	h.perform(ctx, eff)
	return rt, err
}

func (h *Handler) startLocked(ctx context.Context, descriptor Description, eff *effects) (*RunningTask, error) {
	existing := h.runningInstanceLocked(descriptor.ID())
	if existing != nil {
		switch descriptor.OnSurpass() {
		case SurpassSkip:
			return nil, &AlreadyRunningError{DescriptorName: descriptor.Name(), RunningID: existing.ID}
		case SurpassReplace:
			h.logger.Info("replacing running task", "descriptor", descriptor.Name(), "task_id", existing.ID)
			existing.Cancel()
			h.finalizeLocked(ctx, existing, eff)
		case SurpassWait:
			h.pendingStarts[descriptor.ID()]++
			return nil, &AlreadyRunningError{DescriptorName: descriptor.Name(), RunningID: existing.ID, Queued: true}
		case SurpassParallel:
		}
	}

	subscribers := map[string][]ids.SubscriberId{}
	for _, step := range descriptor.Steps() {
		perform, ok := step.Action.(PerformAction)
		if !ok {
			continue
		}
		for _, sub := range h.subscriptions.ListSubscriberFor(perform.MessageType) {
			entry, _ := sub.Subscription(perform.MessageType)
			if entry.WaitForCompletion {
				subscribers[perform.MessageType] = append(subscribers[perform.MessageType], sub.ID)
			}
		}
	}

	env := map[string]string{}
	for k, v := range descriptor.Environment() {
		env[k] = v
	}
	rt := NewRunningTask(ids.NewTaskId(), descriptor, subscribers, env)
	h.running[rt.ID] = rt
	h.logger.Info("task started", "descriptor", descriptor.Name(), "task_id", rt.ID)
	eff.emits = append(eff.emits, bus.NewEvent(TaskStartedEvent, map[string]any{
		"task": descriptor.Name(), "task_id": string(rt.ID),
	}))
	h.collectLocked(ctx, rt, rt.Start(), eff)
	return rt, nil
}

func (h *Handler) runningInstanceLocked(id ids.TaskDescriptorId) *RunningTask {
	for _, rt := range h.running {
		if rt.Descriptor.ID() == id && rt.Active() {
			return rt
		}
	}
	return nil
}

// snapshotRunningLocked returns the running tasks in a stable order so
// iteration is deterministic while collectLocked mutates the map.
func (h *Handler) snapshotRunningLocked() []*RunningTask {
	out := make([]*RunningTask, 0, len(h.running))
	for _, rt := range h.running {
		out = append(out, rt)
	}
	return out
}

// collectLocked applies the commands of a transition, persists the
// task and finalizes it when terminal. Must be called with mu held.
func (h *Handler) collectLocked(ctx context.Context, rt *RunningTask, commands []Command, eff *effects) {
	for _, command := range commands {
		switch c := command.(type) {
		case SendMessage:
			eff.emits = append(eff.emits, c.Message)
		case ExecuteOnCLI:
			eff.cli = append(eff.cli, cliExec{taskID: rt.ID, step: rt.CurrentStepName(), command: c.Command, env: c.Env})
		}
	}
	h.persistLocked(ctx, rt)
	if !rt.Active() {
		h.finalizeLocked(ctx, rt, eff)
	}
}

func (h *Handler) persistLocked(ctx context.Context, rt *RunningTask) {
	data, err := rt.Persistable()
	if err == nil {
		err = h.runningDb.Upsert(ctx, data)
	}
	if err != nil {
		h.logger.Warn("failed to persist running task", "task_id", rt.ID, "error", err)
	}
}

// finalizeLocked archives a terminal task, removes it from memory and
// starts a queued instance of the same descriptor, if any.
func (h *Handler) finalizeLocked(ctx context.Context, rt *RunningTask, eff *effects) {
	if _, ok := h.running[rt.ID]; !ok {
		return
	}
	delete(h.running, rt.ID)
	duration := time.Since(rt.StartedAt)
	h.logger.Info("task finished", "descriptor", rt.Descriptor.Name(), "task_id", rt.ID, "state", rt.State(), "duration", duration)

	eff.emits = append(eff.emits, bus.NewEvent(TaskEndEvent, map[string]any{
		"task": rt.Descriptor.Name(), "task_id": string(rt.ID), "duration": duration.Seconds(),
	}))
	record := db.TaskHistoryRecord{
		ID:             rt.ID,
		DescriptorID:   rt.Descriptor.ID(),
		DescriptorName: rt.Descriptor.Name(),
		StartedAt:      rt.StartedAt,
		Duration:       duration,
		State:          rt.State(),
		Log:            rt.Log(),
	}
	if err := h.historyDb.Add(ctx, record); err != nil {
		h.logger.Warn("failed to archive task history", "task_id", rt.ID, "error", err)
	}
	if err := h.runningDb.Delete(ctx, rt.ID); err != nil {
		h.logger.Warn("failed to delete running task", "task_id", rt.ID, "error", err)
	}

	descriptorID := rt.Descriptor.ID()
	if h.pendingStarts[descriptorID] > 0 {
		h.pendingStarts[descriptorID]--
		if h.pendingStarts[descriptorID] == 0 {
			delete(h.pendingStarts, descriptorID)
		}
		if descriptor, ok := h.descriptors[descriptorID]; ok {
			if _, err := h.startLocked(ctx, descriptor, eff); err != nil {
				h.logger.Debug("queued start not possible", "descriptor_id", descriptorID, "reason", err)
			}
		}
	}
}

// perform runs the collected side effects outside the handler lock.
func (h *Handler) perform(ctx context.Context, eff effects) {
	for _, m := range eff.emits {
		if err := h.msgBus.Emit(ctx, m); err != nil {
			h.logger.Warn("failed to emit message", "message_type", m.MessageType(), "error", err)
		}
	}
	for _, exec := range eff.cli {
		h.launchCommand(ctx, exec)
	}
}

// launchCommand runs one ExecuteCommand step in its own goroutine and
// feeds the result back into the state machine.
func (h *Handler) launchCommand(ctx context.Context, exec cliExec) {
	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	h.mu.Lock()
	runner := h.runner
	rt, ok := h.running[exec.taskID]
	if ok {
		rt.UpdateCancel = cancel
	}
	h.mu.Unlock()
	if !ok {
		cancel()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		var err error
		if runner == nil {
			err = fmt.Errorf("no command runner installed")
		} else {
			err = runner.RunCommand(cmdCtx, exec.command, exec.env)
		}
		if err != nil {
			h.logger.Warn("command execution failed", "task_id", exec.taskID, "step", exec.step, "command", exec.command, "error", err)
		}

		h.mu.Lock()
		var eff effects
		if rt, ok := h.running[exec.taskID]; ok {
			h.collectLocked(ctx, rt, rt.HandleCommandResult(exec.step, err), &eff)
		}
		h.mu.Unlock()
		h.perform(ctx, eff)
	}()
}

// CheckOverdueTasks advances steps whose timeout elapsed.
func (h *Handler) CheckOverdueTasks(ctx context.Context, now time.Time) {
	h.mu.Lock()
	var eff effects
	for _, rt := range h.snapshotRunningLocked() {
		commands := rt.CheckTimeout(now)
		if commands != nil || !rt.Active() {
			h.collectLocked(ctx, rt, commands, &eff)
		}
	}
	h.mu.Unlock()
	h.perform(ctx, eff)
}

// DeleteRunningTask cancels a running task. In-flight action messages
// for the task are ignored once it is gone.
func (h *Handler) DeleteRunningTask(ctx context.Context, id ids.TaskId) error {
	h.mu.Lock()
	rt, ok := h.running[id]
	var eff effects
	if ok {
		rt.Cancel()
		h.persistLocked(ctx, rt)
		h.finalizeLocked(ctx, rt, &eff)
	}
	h.mu.Unlock()
	h.perform(ctx, eff)
	if !ok {
		return fmt.Errorf("no running task with id %s", id)
	}
	return nil
}

// RunningTasks returns a snapshot of all active tasks.
func (h *Handler) RunningTasks() []*RunningTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotRunningLocked()
}

// RunningTask returns the running task with the given id, if any.
func (h *Handler) RunningTask(id ids.TaskId) (*RunningTask, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rt, ok := h.running[id]
	return rt, ok
}

// ListAllPendingActionsFor returns the actions a subscriber still has
// to acknowledge across all running tasks.
func (h *Handler) ListAllPendingActionsFor(sid ids.SubscriberId) []bus.Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []bus.Action
	for _, rt := range h.snapshotRunningLocked() {
		if action, ok := rt.PendingAction(sid); ok {
			out = append(out, action)
		}
	}
	return out
}

func (h *Handler) registerLocked(descriptor Description) error {
	if err := validateDescription(descriptor); err != nil {
		return err
	}
	if _, ok := h.descriptors[descriptor.ID()]; !ok {
		h.order = append(h.order, descriptor.ID())
	}
	h.descriptors[descriptor.ID()] = descriptor
	if !descriptorActive(descriptor) {
		h.scheduler.Unschedule(descriptor.ID())
		return nil
	}
	return h.scheduler.Schedule(descriptor)
}

// descriptorActive reports whether triggers of the descriptor fire.
// Workflows are always active, jobs can be deactivated.
func descriptorActive(descriptor Description) bool {
	if job, ok := descriptor.(*Job); ok {
		return job.Active
	}
	return true
}

func (h *Handler) unregisterLocked(id ids.TaskDescriptorId) {
	if _, ok := h.descriptors[id]; !ok {
		return
	}
	delete(h.descriptors, id)
	for i, did := range h.order {
		if did == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.scheduler.Unschedule(id)
}

// Descriptor returns the descriptor with the given id, if registered.
func (h *Handler) Descriptor(id ids.TaskDescriptorId) (Description, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	descriptor, ok := h.descriptors[id]
	return descriptor, ok
}

// Workflows returns every registered workflow in registration order.
func (h *Handler) Workflows() []*Workflow {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Workflow
	for _, id := range h.order {
		if workflow, ok := h.descriptors[id].(*Workflow); ok {
			out = append(out, workflow)
		}
	}
	return out
}

// Jobs returns every registered job in registration order.
func (h *Handler) Jobs() []*Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Job
	for _, id := range h.order {
		if job, ok := h.descriptors[id].(*Job); ok {
			out = append(out, job)
		}
	}
	return out
}

// History returns the archived runs, of one descriptor or of all.
func (h *Handler) History(ctx context.Context, id ids.TaskDescriptorId) ([]db.TaskHistoryRecord, error) {
	if id == "" {
		return h.historyDb.All(ctx)
	}
	return h.historyDb.ForDescriptor(ctx, id)
}

// HistoryRecord returns the archived record of one run.
func (h *Handler) HistoryRecord(ctx context.Context, id ids.TaskId) (*db.TaskHistoryRecord, error) {
	return h.historyDb.Get(ctx, id)
}

// AddWorkflow registers (or replaces) a workflow descriptor.
func (h *Handler) AddWorkflow(workflow *Workflow) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerLocked(workflow)
}

// AddJob validates, persists and registers a job descriptor.
func (h *Handler) AddJob(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := h.jobDb.Update(ctx, *job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.DescriptorID, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerLocked(job)
}

// DeleteJob removes a job descriptor. Missing jobs are reported.
func (h *Handler) DeleteJob(ctx context.Context, id ids.TaskDescriptorId) error {
	h.mu.Lock()
	_, ok := h.descriptors[id].(*Job)
	if ok {
		h.unregisterLocked(id)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no job with id %s", id)
	}
	if err := h.jobDb.Delete(ctx, string(id)); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}
