// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/types"
)

// Engine stores configs in a map and replays scripted status sequences for tasks.
// The last scripted status of a task repeats forever.
type Engine struct {
	mu sync.Mutex

	configs map[string]types.Config
	scripts map[string][]types.TaskStatus
	served  map[string]int
	nextID  int

	tables     map[string][]string // table -> columns
	tableOrder []string

	// errs, when set for a command, is returned instead of running it.
	errs map[string]error
	// pendingScripts is consumed by StartCopy; each accepted task takes the next entry.
	pendingScripts [][]types.TaskStatus

	calls   map[string]int
	started []types.Config
	stopped []string

	// statusGate, when set, blocks GetTaskStatus until it is closed.
	statusGate    chan struct{}
	statusWaiting chan string
}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		configs: make(map[string]types.Config),
		scripts: make(map[string][]types.TaskStatus),
		served:  make(map[string]int),
		tables:  make(map[string][]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Put stores a config directly, bypassing SaveConfig.
func (e *Engine) Put(cfg types.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[cfg.Name] = cfg.Clone()
}

// Stored returns the raw stored copy of a config.
func (e *Engine) Stored(name string) (types.Config, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[name]
	return cfg.Clone(), ok
}

func (e *Engine) SetError(command string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.errs, command)
		return
	}
	e.errs[command] = err
}

// ScriptTask queues the status sequence for the next accepted StartCopy.
func (e *Engine) ScriptTask(statuses ...types.TaskStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingScripts = append(e.pendingScripts, statuses)
}

func (e *Engine) Calls(command string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[command]
}

func (e *Engine) Started() []types.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Config, len(e.started))
	for i, c := range e.started {
		out[i] = c.Clone()
	}
	return out
}

func (e *Engine) Stopped() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stopped...)
}

// enter 记录调用并返回预设的错误
func (e *Engine) enter(command string) error {
	e.calls[command]++
	return e.errs[command]
}

func notFound(command, message string) error {
	return engine.RemoteError(command, string(types.KindNotFound), message)
}

func (e *Engine) ListConfigs(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdListConfigs); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(e.configs))
	for name := range e.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (e *Engine) LoadConfig(ctx context.Context, name string) (types.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdLoadConfig); err != nil {
		return types.Config{}, err
	}
	cfg, ok := e.configs[name]
	if !ok {
		return types.Config{}, notFound(engine.CmdLoadConfig, "配置不存在")
	}
	return cfg.Clone(), nil
}

func (e *Engine) SaveConfig(ctx context.Context, cfg types.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdSaveConfig); err != nil {
		return err
	}
	e.configs[cfg.Name] = cfg.Clone()
	return nil
}

func (e *Engine) DeleteConfig(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdDeleteConfig); err != nil {
		return err
	}
	if _, ok := e.configs[name]; !ok {
		return notFound(engine.CmdDeleteConfig, "配置不存在")
	}
	delete(e.configs, name)
	return nil
}

// ImportConfig reads a JSON config from filePath and stores it, like the real engine.
func (e *Engine) ImportConfig(ctx context.Context, filePath string) (types.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdImportConfig); err != nil {
		return types.Config{}, err
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return types.Config{}, engine.RemoteError(engine.CmdImportConfig, "", fmt.Sprintf("读取文件失败: %v", err))
	}
	var cfg types.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return types.Config{}, engine.RemoteError(engine.CmdImportConfig, "", fmt.Sprintf("解析配置失败: %v", err))
	}
	e.configs[cfg.Name] = cfg.Clone()
	return cfg, nil
}

func (e *Engine) ExportConfig(ctx context.Context, name, filePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdExportConfig); err != nil {
		return err
	}
	cfg, ok := e.configs[name]
	if !ok {
		return notFound(engine.CmdExportConfig, "配置不存在")
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, raw, 0o644); err != nil {
		return engine.RemoteError(engine.CmdExportConfig, "", fmt.Sprintf("写入文件失败: %v", err))
	}
	return nil
}

func (e *Engine) StartCopy(ctx context.Context, cfg types.Config) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdStartCopy); err != nil {
		return "", err
	}
	e.nextID++
	id := fmt.Sprintf("task-%d", e.nextID)
	e.started = append(e.started, cfg.Clone())

	var script []types.TaskStatus
	if len(e.pendingScripts) > 0 {
		script, e.pendingScripts = e.pendingScripts[0], e.pendingScripts[1:]
	} else {
		script = []types.TaskStatus{{Status: types.TaskPending}}
	}
	e.scripts[id] = script
	return id, nil
}

// HoldStatus makes GetTaskStatus block until release is called. Each blocked
// call sends its task id on waiting first.
func (e *Engine) HoldStatus() (waiting <-chan string, release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	gate := make(chan struct{})
	ch := make(chan string, 16)
	e.statusGate, e.statusWaiting = gate, ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			e.statusGate, e.statusWaiting = nil, nil
			e.mu.Unlock()
			close(gate)
		})
	}
}

// AppendStatus adds statuses to the script of an accepted task.
func (e *Engine) AppendStatus(taskID string, statuses ...types.TaskStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[taskID] = append(e.scripts[taskID], statuses...)
}

func (e *Engine) GetTaskStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	e.mu.Lock()
	gate, waiting := e.statusGate, e.statusWaiting
	e.mu.Unlock()
	if gate != nil {
		select {
		case waiting <- taskID:
		default:
		}
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdGetTaskStatus); err != nil {
		return types.TaskStatus{}, err
	}
	script, ok := e.scripts[taskID]
	if !ok {
		return types.TaskStatus{}, notFound(engine.CmdGetTaskStatus, "任务不存在")
	}
	i := e.served[taskID]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		e.served[taskID]++
	}
	st := script[i].Clone()
	if st.ID == "" {
		st.ID = taskID
	}
	return st, nil
}

func (e *Engine) StopTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdStopTask); err != nil {
		return err
	}
	if _, ok := e.scripts[taskID]; !ok {
		return notFound(engine.CmdStopTask, "任务不存在")
	}
	e.stopped = append(e.stopped, taskID)
	return nil
}

func (e *Engine) TestConnection(ctx context.Context, db types.DatabaseConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdTestConnection); err != nil {
		return "", err
	}
	return "连接成功: " + db.Endpoint(), nil
}

func (e *Engine) GetTables(ctx context.Context, db types.DatabaseConfig) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdGetTables); err != nil {
		return nil, err
	}
	return append([]string(nil), e.tableOrder...), nil
}

func (e *Engine) GetTableColumns(ctx context.Context, db types.DatabaseConfig, tableName string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(engine.CmdGetTableColumns); err != nil {
		return nil, err
	}
	cols, ok := e.tables[tableName]
	if !ok {
		return nil, notFound(engine.CmdGetTableColumns, "表不存在: "+tableName)
	}
	return append([]string(nil), cols...), nil
}

// SetSchema replaces the live schema returned by GetTables / GetTableColumns.
func (e *Engine) SetSchema(order []string, columns map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tableOrder = append([]string(nil), order...)
	e.tables = make(map[string][]string, len(columns))
	for k, v := range columns {
		e.tables[k] = append([]string(nil), v...)
	}
}
