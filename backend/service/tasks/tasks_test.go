package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbcopier/backend/internal/configrepo"
	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/engine/enginetest"
	"dbcopier/backend/internal/store"
	"dbcopier/backend/internal/taskarchive"
	"dbcopier/backend/internal/taskrunner"
	"dbcopier/backend/internal/types"
)

type recorder struct {
	mu       sync.Mutex
	statuses []types.Task
	logs     []types.LogEntry
}

func (r *recorder) emit(event string, data ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch event {
	case "task_status":
		r.statuses = append(r.statuses, data[0].(types.Task))
	case "log_event":
		r.logs = append(r.logs, data[0].(types.LogEntry))
	}
}

func (r *recorder) countLevel(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.logs {
		if e.Level == level {
			n++
		}
	}
	return n
}

type fixture struct {
	svc     *Service
	orch    *taskrunner.Orchestrator
	engine  *enginetest.Engine
	store   *store.Store
	archive *taskarchive.Archive
	rec     *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	e := enginetest.New()

	archive, err := taskarchive.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	orch := taskrunner.New(e, taskrunner.Options{PollInterval: 5 * time.Millisecond, MaxPollFailures: 3, Archive: archive, Logger: l})
	t.Cleanup(orch.Close)

	st := store.New()
	rec := &recorder{}
	repo := configrepo.New(e, configrepo.WithLogger(l))
	svc := NewService(context.Background(), orch, repo, st, archive, rec.emit, l)
	t.Cleanup(svc.Shutdown)
	return &fixture{svc: svc, orch: orch, engine: e, store: st, archive: archive, rec: rec}
}

func copyConfig(name string) types.Config {
	return types.Config{
		Name:     name,
		SourceDB: types.DatabaseConfig{Host: "src", Port: 3306, Database: "shop", Username: "root"},
		TargetDB: types.DatabaseConfig{Host: "dst", Port: 3306, Database: "shop", Username: "root"},
		Tables:   []types.TableConfig{{Name: "users", Columns: []types.ColumnConfig{{Name: "id"}}}},
	}
}

func (f *fixture) wait(t *testing.T, id string) types.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func TestStartCopy_MirrorsIntoStoreAndEvents(t *testing.T) {
	f := newFixture(t)
	f.engine.ScriptTask(
		types.TaskStatus{Status: types.TaskRunning, Progress: &types.Progress{Current: 0, Total: 1, TableName: "users"}},
		types.TaskStatus{Status: types.TaskCompleted, EndTime: "2024-05-01 08:00:00", Message: "复制完成"},
	)

	id, err := f.svc.StartCopy(copyConfig("orders"))
	require.NoError(t, err)
	f.wait(t, id)

	task, ok := f.store.Snapshot().Task(id)
	require.True(t, ok)
	assert.Equal(t, types.TaskCompleted, task.Status.Status)

	f.rec.mu.Lock()
	last := f.rec.statuses[len(f.rec.statuses)-1]
	f.rec.mu.Unlock()
	assert.Equal(t, types.TaskCompleted, last.Status.Status)
	assert.Equal(t, 1, f.rec.countLevel("SUCCESS"))
}

func TestStartCopy_RejectedLocally(t *testing.T) {
	f := newFixture(t)
	cfg := copyConfig("orders")
	cfg.Tables[0].Ignore = true

	_, err := f.svc.StartCopy(cfg)
	assert.True(t, errors.Is(err, types.ErrValidation))
	assert.Zero(t, f.engine.Calls(engine.CmdStartCopy))
	assert.Equal(t, 1, f.rec.countLevel("ERROR"))
}

func TestStartBatch_ReportsEachConfig(t *testing.T) {
	f := newFixture(t)
	f.engine.Put(copyConfig("orders"))
	f.engine.Put(copyConfig("users"))

	res := f.svc.StartBatch([]string{"orders", "missing", "users"})
	assert.ElementsMatch(t, []string{"orders", "users"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].Item)
	assert.Len(t, f.svc.GetTasks(), 2)
}

func TestStopAndAcknowledge_Archives(t *testing.T) {
	f := newFixture(t)
	script := make([]types.TaskStatus, 0, 41)
	for i := 0; i < 40; i++ {
		script = append(script, types.TaskStatus{Status: types.TaskRunning})
	}
	script = append(script, types.TaskStatus{Status: types.TaskFailed, EndTime: "2024-05-01 08:00:00", Message: "任务已停止"})
	f.engine.ScriptTask(script...)

	id, err := f.svc.StartCopy(copyConfig("orders"))
	require.NoError(t, err)

	// 仍在轮询的任务不能确认
	assert.True(t, errors.Is(f.svc.AcknowledgeTask(id), types.ErrValidation))

	require.NoError(t, f.svc.StopTask(id))
	assert.Equal(t, []string{id}, f.engine.Stopped())
	task := f.wait(t, id)
	assert.Equal(t, types.TaskFailed, task.Status.Status)
	assert.True(t, task.CancelRequested)

	require.NoError(t, f.svc.AcknowledgeTask(id))
	_, ok := f.store.Snapshot().Task(id)
	assert.False(t, ok)
	assert.Empty(t, f.svc.GetTasks())

	recs, err := f.svc.GetHistory(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].TaskID)
	assert.Equal(t, "任务已停止", recs[0].Message)

	archived, err := f.svc.GetArchivedTask(id)
	require.NoError(t, err)
	assert.Equal(t, "orders", archived.Config.Name)

	out := filepath.Join(t.TempDir(), "history.json")
	n, err := f.svc.ExportHistory(out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var exported []types.Task
	require.NoError(t, json.Unmarshal(raw, &exported))
	assert.Equal(t, id, exported[0].ID)
}

func TestGetTask_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetTask("task-404")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, errors.Is(f.svc.StopTask("task-404"), types.ErrNotFound))
}

func TestHistory_Unavailable(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	e := enginetest.New()
	orch := taskrunner.New(e, taskrunner.Options{Logger: l})
	t.Cleanup(orch.Close)
	svc := NewService(context.Background(), orch, configrepo.New(e), store.New(), nil, func(string, ...any) {}, l)

	_, err := svc.GetHistory(5)
	assert.True(t, errors.Is(err, types.ErrPersistence))
}
