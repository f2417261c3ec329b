package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbcopier/backend/internal/configrepo"
	"dbcopier/backend/internal/store"
	"dbcopier/backend/internal/taskarchive"
	"dbcopier/backend/internal/taskrunner"
	"dbcopier/backend/internal/types"
)

type Emitter func(event string, data ...any)

// History is the archive of acknowledged tasks. It may be nil when the archive
// could not be opened.
type History interface {
	List(limit int) ([]taskarchive.TaskRecord, error)
	Get(taskID string) (types.Task, error)
	ExportJSON(path string) (int, error)
}

// Service 复制任务相关的前端绑定方法
type Service struct {
	ctx     context.Context
	orch    *taskrunner.Orchestrator
	repo    *configrepo.Repository
	store   *store.Store
	history History
	emit    Emitter
	log     logrus.FieldLogger

	unsubscribe func()

	mu       sync.Mutex
	reported map[string]bool   // 已经输出过终态日志的任务
	lost     map[string]string // 已经报告过的失联原因
}

func NewService(ctx context.Context, orch *taskrunner.Orchestrator, repo *configrepo.Repository, st *store.Store, history History, emit Emitter, log logrus.FieldLogger) *Service {
	s := &Service{
		ctx:      ctx,
		orch:     orch,
		repo:     repo,
		store:    st,
		history:  history,
		emit:     emit,
		log:      log,
		reported: make(map[string]bool),
		lost:     make(map[string]string),
	}
	s.unsubscribe = orch.Subscribe(s.onUpdate)
	return s
}

func (s *Service) emitLog(level, message string) {
	s.emit("log_event", types.LogEntry{Timestamp: time.Now().Format("15:04:05"), Level: level, Message: message})
}

// onUpdate 运行在轮询 goroutine 上
func (s *Service) onUpdate(task types.Task) {
	s.store.UpsertTask(task)
	s.emit("task_status", task)

	if !task.Status.Status.Terminal() {
		if task.LastError != "" && !task.Polling {
			s.mu.Lock()
			seen := s.lost[task.ID] == task.LastError
			s.lost[task.ID] = task.LastError
			s.mu.Unlock()
			if !seen {
				s.emitLog("ERROR", fmt.Sprintf("Lost track of task %s: %s", task.ID, task.LastError))
			}
		}
		return
	}
	s.mu.Lock()
	done := s.reported[task.ID]
	s.reported[task.ID] = true
	s.mu.Unlock()
	if done {
		return
	}
	if task.Status.Status == types.TaskCompleted {
		s.emitLog("SUCCESS", fmt.Sprintf("Copy of %s completed (task %s)", task.Config.Name, task.ID))
	} else {
		s.emitLog("ERROR", fmt.Sprintf("Copy of %s failed (task %s): %s", task.Config.Name, task.ID, task.Status.Message))
	}
}

// StartCopy submits cfg as it is in the editor, saved or not.
func (s *Service) StartCopy(cfg types.Config) (string, error) {
	id, err := s.orch.Start(s.ctx, cfg)
	if err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Copy of %s not started: %v", cfg.Name, err))
		return "", err
	}
	s.emitLog("INFO", fmt.Sprintf("Copy of %s started (task %s)", cfg.Name, id))
	return id, nil
}

// StartCopyByName loads a saved config and submits it.
func (s *Service) StartCopyByName(name string) (string, error) {
	cfg, err := s.repo.Load(s.ctx, name)
	if err != nil {
		return "", err
	}
	return s.StartCopy(cfg)
}

// StartBatch submits several saved configs; each one succeeds or fails on its own.
func (s *Service) StartBatch(names []string) types.BatchResult {
	var res types.BatchResult
	cfgs := make([]types.Config, 0, len(names))
	for _, name := range names {
		cfg, err := s.repo.Load(s.ctx, name)
		if err != nil {
			res.Fail(name, err)
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	started := s.orch.StartBatch(s.ctx, cfgs)
	res.Succeeded = append(res.Succeeded, started.Succeeded...)
	res.Failed = append(res.Failed, started.Failed...)
	s.emitLog("INFO", fmt.Sprintf("Batch copy: %d started, %d failed", len(res.Succeeded), len(res.Failed)))
	return res
}

// StopTask asks the engine to stop; the task stays visible until it reports a final status.
func (s *Service) StopTask(id string) error {
	if err := s.orch.Cancel(s.ctx, id); err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Failed to stop task %s: %v", id, err))
		return err
	}
	s.emitLog("INFO", fmt.Sprintf("Stop requested for task %s", id))
	return nil
}

// CloseTaskView stops following a task without stopping it.
func (s *Service) CloseTaskView(id string) error {
	return s.orch.Detach(id)
}

// AcknowledgeTask removes a finished task from the list and archives it.
func (s *Service) AcknowledgeTask(id string) error {
	_, err := s.orch.Acknowledge(id)
	if err != nil && types.KindOf(err) != types.KindPersistence {
		return err
	}
	// 归档失败时任务已被移除
	s.store.RemoveTask(id)
	s.mu.Lock()
	delete(s.reported, id)
	delete(s.lost, id)
	s.mu.Unlock()
	return err
}

func (s *Service) GetTasks() []types.Task {
	return s.orch.Tasks()
}

func (s *Service) GetTask(id string) (types.Task, error) {
	task, ok := s.orch.Task(id)
	if !ok {
		return types.Task{}, &types.Error{Kind: types.KindNotFound, Op: "task", Message: fmt.Sprintf("task %s is not tracked", id)}
	}
	return task, nil
}

func (s *Service) GetHistory(limit int) ([]taskarchive.TaskRecord, error) {
	if s.history == nil {
		return nil, errNoHistory()
	}
	return s.history.List(limit)
}

func (s *Service) GetArchivedTask(id string) (types.Task, error) {
	if s.history == nil {
		return types.Task{}, errNoHistory()
	}
	return s.history.Get(id)
}

func (s *Service) ExportHistory(path string) (int, error) {
	if s.history == nil {
		return 0, errNoHistory()
	}
	n, err := s.history.ExportJSON(path)
	if err != nil {
		s.emitLog("ERROR", fmt.Sprintf("History export failed: %v", err))
		return 0, err
	}
	s.emitLog("SUCCESS", fmt.Sprintf("Exported %d tasks to %s", n, path))
	return n, nil
}

func errNoHistory() error {
	return &types.Error{Kind: types.KindPersistence, Op: "archive", Message: "task history is not available"}
}

func (s *Service) Shutdown() {
	s.unsubscribe()
}
