// Package taskrunner turns saved configs into running copy tasks and follows
// each task by polling the engine until it reaches a terminal status.
package taskrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/masking"
	"dbcopier/backend/internal/types"
	"dbcopier/backend/pkg/utils"
)

// Archiver receives tasks once the operator has acknowledged them.
type Archiver interface {
	Save(task types.Task) error
}

type Options struct {
	PollInterval    time.Duration
	MaxPollFailures int
	Archive         Archiver
	Logger          logrus.FieldLogger
}

// tracked 单个任务的轮询状态。task、cancel、done、poisoned 受 Orchestrator.mu 保护
type tracked struct {
	task   types.Task
	cancel context.CancelFunc
	done   chan struct{}
	// poisoned 出现协议错误后不再信任该任务的任何状态
	poisoned bool

	notifyMu sync.Mutex
	notified uint64
}

// snapshot 递增序号并返回副本，调用方持有 Orchestrator.mu
func (t *tracked) snapshot() types.Task {
	t.task.Seq++
	return t.task.Clone()
}

type Orchestrator struct {
	engine      engine.Engine
	interval    time.Duration
	maxFailures int
	archive     Archiver
	log         logrus.FieldLogger

	mu     sync.RWMutex
	tasks  map[string]*tracked
	order  []string
	subs   map[string]func(types.Task)
	closed bool
}

func New(e engine.Engine, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = 5
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		engine:      e,
		interval:    opts.PollInterval,
		maxFailures: opts.MaxPollFailures,
		archive:     opts.Archive,
		log:         opts.Logger,
		tasks:       make(map[string]*tracked),
		subs:        make(map[string]func(types.Task)),
	}
}

// Start validates cfg locally, submits it and begins polling the new task.
// Nothing is sent to the engine when validation fails.
func (o *Orchestrator) Start(ctx context.Context, cfg types.Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	submission, err := masking.PrepareSubmission(cfg)
	if err != nil {
		return "", err
	}

	id, err := o.engine.StartCopy(ctx, submission)
	if err != nil {
		return "", err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t := &tracked{
		task: types.Task{
			ID:      id,
			Config:  cfg.Clone(),
			Status:  types.TaskStatus{ID: id, Status: types.TaskPending},
			Polling: true,
		},
		cancel: cancel,
		done:   done,
	}

	o.mu.Lock()
	if _, exists := o.tasks[id]; exists {
		o.mu.Unlock()
		cancel()
		return "", types.NewProtocolError(engine.CmdStartCopy, fmt.Sprintf("engine reused task id %s", id))
	}
	o.tasks[id] = t
	o.order = append(o.order, id)
	snapshot := t.snapshot()
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{"task_id": id, "config": cfg.Name}).Info("copy task started")
	o.notify(t, snapshot)

	utils.SafeGo(o.log, func() { o.poll(pollCtx, id, done) })
	return id, nil
}

// StartBatch starts every config independently; one rejection does not stop the rest.
func (o *Orchestrator) StartBatch(ctx context.Context, cfgs []types.Config) types.BatchResult {
	var res types.BatchResult
	for _, cfg := range cfgs {
		if _, err := o.Start(ctx, cfg); err != nil {
			o.log.WithField("config", cfg.Name).WithError(err).Warn("copy task not started")
			res.Fail(cfg.Name, err)
			continue
		}
		res.Ok(cfg.Name)
	}
	return res
}

// poll 每个任务独立的轮询循环。正在进行中的请求不受 ctx 取消的影响，
// 停止信号只在两次轮询之间生效。
func (o *Orchestrator) poll(ctx context.Context, id string, done chan struct{}) {
	defer close(done)
	log := o.log.WithField("task_id", id)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		// 定时器和停止信号同时就绪时以停止为准
		if ctx.Err() != nil {
			o.finish(id, nil)
			log.Debug("polling detached")
			return
		}

		st, err := o.engine.GetTaskStatus(context.WithoutCancel(ctx), id)
		if err != nil {
			failures++
			log.WithError(err).Warnf("status poll failed (%d/%d)", failures, o.maxFailures)
			if failures >= o.maxFailures {
				o.finish(id, err)
				return
			}
			o.recordError(id, err)
			continue
		}
		failures = 0

		action, err := o.apply(id, st)
		if err != nil {
			log.WithError(err).Error("task status rejected")
			o.finish(id, err)
			return
		}
		if action == Stop {
			return
		}
	}
}

// apply runs Step against the last accepted status and records st when it is accepted.
func (o *Orchestrator) apply(id string, st types.TaskStatus) (Action, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return Stop, nil
	}
	prev := t.task.Status
	action, err := Step(id, &prev, st)
	if err != nil {
		o.mu.Unlock()
		return Stop, err
	}
	st.ID = id
	t.task.Status = st.Clone()
	t.task.LastError = ""
	if action == Stop {
		t.task.Polling = false
	}
	snapshot := t.snapshot()
	o.mu.Unlock()

	if st.Status.Terminal() {
		o.log.WithFields(logrus.Fields{"task_id": id, "status": st.Status}).Info("copy task finished: ", st.Message)
	}
	o.notify(t, snapshot)
	return action, nil
}

func (o *Orchestrator) recordError(id string, err error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	t.task.LastError = err.Error()
	snapshot := t.snapshot()
	o.mu.Unlock()
	o.notify(t, snapshot)
}

// finish marks a task as no longer polled, keeping err as its last error.
// A protocol error poisons the task.
func (o *Orchestrator) finish(id string, err error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	t.task.Polling = false
	if err != nil {
		t.task.LastError = err.Error()
		if types.KindOf(err) == types.KindProtocol {
			t.poisoned = true
		}
	}
	snapshot := t.snapshot()
	o.mu.Unlock()
	o.notify(t, snapshot)
}

func (o *Orchestrator) lookup(id string) (*tracked, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	return t, nil
}

func notFound(id string) error {
	return &types.Error{Kind: types.KindNotFound, Op: "task", Message: fmt.Sprintf("unknown task %s", id)}
}

// Cancel asks the engine to stop the task. Polling carries on until the engine
// itself reports a terminal status; a task that was detached or lost track of
// is polled again. A task that broke the status protocol only gets the stop
// request, its statuses are no longer read.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	o.mu.RLock()
	terminal := t.task.Status.Status.Terminal()
	o.mu.RUnlock()
	if terminal {
		return nil
	}

	if err := o.engine.StopTask(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	t.task.CancelRequested = true
	snapshot := t.snapshot()
	idle := !t.task.Polling && !t.poisoned
	o.mu.Unlock()

	o.log.WithField("task_id", id).Info("stop requested")
	o.notify(t, snapshot)
	if idle {
		o.resume(id, t)
	}
	return nil
}

// resume 为已停止轮询的任务重新启动轮询循环
func (o *Orchestrator) resume(id string, t *tracked) {
	o.mu.RLock()
	prev := t.done
	o.mu.RUnlock()
	// 旧循环退出前仍可能改写 Polling
	<-prev

	o.mu.Lock()
	if o.closed || o.tasks[id] != t || t.task.Polling || t.poisoned || t.task.Status.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.task.Polling = true
	t.task.LastError = ""
	snapshot := t.snapshot()
	o.mu.Unlock()

	o.log.WithField("task_id", id).Info("polling resumed")
	o.notify(t, snapshot)
	utils.SafeGo(o.log, func() { o.poll(ctx, id, done) })
}

// Detach stops polling a task without cancelling it on the engine side.
func (o *Orchestrator) Detach(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	o.mu.RLock()
	cancel := t.cancel
	o.mu.RUnlock()
	cancel()
	return nil
}

// Wait blocks until the task's polling loop has exited, then returns the task.
func (o *Orchestrator) Wait(ctx context.Context, id string) (types.Task, error) {
	t, err := o.lookup(id)
	if err != nil {
		return types.Task{}, err
	}
	o.mu.RLock()
	done := t.done
	o.mu.RUnlock()
	select {
	case <-done:
	case <-ctx.Done():
		return types.Task{}, ctx.Err()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return t.task.Clone(), nil
}

// Acknowledge discards a task that is terminal or no longer polled, and hands it
// to the archive.
func (o *Orchestrator) Acknowledge(id string) (types.Task, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return types.Task{}, notFound(id)
	}
	state, polling := t.task.Status.Status, t.task.Polling
	// 仍在轮询的非终态任务不能丢弃
	if !state.Terminal() && polling {
		o.mu.Unlock()
		return types.Task{}, types.NewValidationError("task", fmt.Sprintf("task %s is still %s", id, state))
	}
	delete(o.tasks, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	cancel, done := t.cancel, t.done
	task := t.task.Clone()
	o.mu.Unlock()

	cancel()
	<-done

	if o.archive != nil {
		if err := o.archive.Save(task); err != nil {
			o.log.WithField("task_id", id).WithError(err).Warn("failed to archive task")
			return task, err
		}
	}
	return task, nil
}

func (o *Orchestrator) Task(id string) (types.Task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return t.task.Clone(), true
}

// Tasks returns every tracked task in start order.
func (o *Orchestrator) Tasks() []types.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]types.Task, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.tasks[id].task.Clone())
	}
	return out
}

// Subscribe registers fn for every accepted task update; the returned func removes it.
// Updates of one task reach fn in order, each at most once. fn must not block or
// call back into the Orchestrator.
func (o *Orchestrator) Subscribe(fn func(types.Task)) func() {
	key := uuid.NewString()
	o.mu.Lock()
	o.subs[key] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, key)
		o.mu.Unlock()
	}
}

// notify 同一任务的通知串行发送，序号不大于已发送序号的快照直接丢弃
func (o *Orchestrator) notify(t *tracked, task types.Task) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if task.Seq <= t.notified {
		return
	}
	t.notified = task.Seq

	o.mu.RLock()
	fns := make([]func(types.Task), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(task.Clone())
	}
}

// Close detaches every task and waits for the polling loops to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	type loop struct {
		cancel context.CancelFunc
		done   chan struct{}
	}
	all := make([]loop, 0, len(o.tasks))
	for _, t := range o.tasks {
		all = append(all, loop{t.cancel, t.done})
	}
	o.mu.Unlock()
	for _, l := range all {
		l.cancel()
	}
	for _, l := range all {
		<-l.done
	}
}
