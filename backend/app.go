package backend

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/menu/keys"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"dbcopier/backend/internal/appconfig"
	"dbcopier/backend/internal/configrepo"
	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/importwatch"
	"dbcopier/backend/internal/logging"
	"dbcopier/backend/internal/secrets"
	"dbcopier/backend/internal/store"
	"dbcopier/backend/internal/taskarchive"
	"dbcopier/backend/internal/taskrunner"
	"dbcopier/backend/internal/types"
	"dbcopier/backend/pkg/sshconfig"
	"dbcopier/backend/service/configs"
	"dbcopier/backend/service/tasks"
)

// App struct
type App struct {
	ctx    context.Context // wails 运行时上下文，Startup 之后才有
	uiCtx  atomic.Pointer[context.Context]
	base   context.Context
	cancel context.CancelFunc

	cfg       *appconfig.Config
	log       *logrus.Logger
	logCloser io.Closer

	engine  *engine.Client
	archive *taskarchive.Archive
	orch    *taskrunner.Orchestrator
	watcher *importwatch.Watcher
	store   *store.Store

	Configs *configs.Service
	Tasks   *tasks.Service

	isQuitting atomic.Bool // 内部状态标志
	isDebug    bool
	isMacOS    bool
}

// NewApp loads settings and builds every component. Services exist before the
// window does so they can be bound; events are dropped until Startup.
func NewApp(isDebug, isMacOS bool, configPath string) (*App, error) {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, isDebug: isDebug, isMacOS: isMacOS, log: logrus.New()}
	a.base, a.cancel = context.WithCancel(context.Background())

	a.logCloser, err = logging.Setup(a.log, logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Debug: isDebug})
	if err != nil {
		// 日志文件打不开不影响运行
		a.log.WithError(err).Warn("log file unavailable, logging to stderr")
	}
	a.log.WithFields(logrus.Fields{"debug": isDebug, "log_file": cfg.Log.File}).Info("-------------------- App Starting --------------------")

	a.engine = engine.NewClient(cfg.Engine.URL,
		engine.WithRequestTimeout(cfg.Engine.RequestTimeout),
		engine.WithDialTimeout(cfg.Engine.DialTimeout),
		engine.WithLogger(a.log.WithField("component", "engine")),
	)

	repoOpts := []configrepo.Option{
		configrepo.WithKeyCheck(cfg.Validation.CheckPrivateKeys),
		configrepo.WithLogger(a.log.WithField("component", "configs")),
	}
	if cfg.Secrets.Enabled {
		repoOpts = append(repoOpts, configrepo.WithSecrets(secrets.NewVault()))
	}
	repo := configrepo.New(a.engine, repoOpts...)

	var history tasks.History
	var archiver taskrunner.Archiver
	if a.archive, err = taskarchive.Open(cfg.Archive.Path); err != nil {
		a.log.WithError(err).Warn("task archive unavailable, history disabled")
	} else {
		history, archiver = a.archive, a.archive
	}

	a.orch = taskrunner.New(a.engine, taskrunner.Options{
		PollInterval:    cfg.Tasks.PollInterval,
		MaxPollFailures: cfg.Tasks.MaxPollFailures,
		Archive:         archiver,
		Logger:          a.log.WithField("component", "tasks"),
	})
	a.store = store.New()

	var configOpts []configs.Option
	if path, err := sshconfig.DefaultPath(); err == nil {
		configOpts = append(configOpts, configs.WithSSHConfigPath(path))
	}
	a.Configs = configs.NewService(a.base, repo, a.engine, a.store, a.emit, a.log.WithField("service", "configs"), configOpts...)
	a.Tasks = tasks.NewService(a.base, a.orch, repo, a.store, history, a.emit, a.log.WithField("service", "tasks"))

	if dir := cfg.Import.WatchDir; dir != "" {
		a.watcher, err = importwatch.New(dir, repo,
			importwatch.WithLogger(a.log.WithField("component", "importwatch")),
			importwatch.OnResult(func(r importwatch.Result) { a.Configs.OnImported(r.Path, r.Config, r.Err) }),
		)
		if err != nil {
			a.log.WithError(err).WithField("dir", dir).Warn("import folder not watched")
		}
	}
	return a, nil
}

func (a *App) Ctx() context.Context {
	return a.ctx
}

func (a *App) IsDebug() bool {
	return a.isDebug
}

func (a *App) IsQuitting() bool {
	return a.isQuitting.Load()
}

// emit 在窗口就绪之前丢弃事件
func (a *App) emit(event string, data ...any) {
	ctx := a.uiCtx.Load()
	if ctx == nil {
		return
	}
	runtime.EventsEmit(*ctx, event, data...)
}

// Startup is called when the app starts.
func (a *App) Startup(ctx context.Context) {
	a.ctx = ctx
	a.uiCtx.Store(&ctx)
	a.isQuitting.Store(false)

	a.store.Subscribe(func(s store.Snapshot) {
		a.emit("store_changed", s)
	})
	if a.watcher != nil {
		a.watcher.Start(a.base)
	}
	if _, err := a.Configs.ListConfigs(); err != nil {
		a.log.WithError(err).Warn("initial config list failed")
	}
}

// Shutdown is called when the app terminates.
func (a *App) Shutdown(ctx context.Context) {
	a.log.Info("app shutdown")
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.Tasks.Shutdown()
	a.orch.Close()
	a.cancel()
	if err := a.engine.Close(); err != nil {
		a.log.WithError(err).Debug("engine connection close")
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.WithError(err).Warn("archive close")
		}
	}
	_ = a.logCloser.Close()
}

// OnBeforeClose is called when the user attempts to close the window.
func (a *App) OnBeforeClose(ctx context.Context) (prevent bool) {
	// 这个逻辑只在 macOS 上生效
	if !a.isMacOS || a.isQuitting.Load() {
		return false
	}
	// 用户点击 'X'，交给前端确认（可能还有任务在跑）
	runtime.EventsEmit(ctx, "app:request-quit")
	return true
}

func (a *App) Menu(appMenu *menu.Menu) {
	fileMenu := appMenu.AddSubmenu("File")
	fileMenu.AddText("Import Configs...", keys.CmdOrCtrl("o"), func(_ *menu.CallbackData) {
		if _, err := a.ImportConfigsDialog(); err != nil {
			a.emitLog("ERROR", err.Error())
		}
	})
	fileMenu.AddSeparator()
	if a.isMacOS {
		fileMenu.AddText("Quit DBCopier", keys.CmdOrCtrl("q"), func(_ *menu.CallbackData) {
			runtime.Quit(a.ctx)
		})
	} else {
		fileMenu.AddText("Exit", keys.OptionOrAlt("f4"), func(_ *menu.CallbackData) {
			runtime.Quit(a.ctx)
		})
	}

	viewMenu := appMenu.AddSubmenu("View")
	var zoomIn, zoomOut *keys.Accelerator
	var zoomInLabel, zoomOutLabel, resetLabel string
	if a.isMacOS {
		zoomIn, zoomOut = keys.CmdOrCtrl("+"), keys.CmdOrCtrl("-")
		zoomInLabel, zoomOutLabel, resetLabel = "Zoom In", "Zoom Out", "Actual Size"
	} else {
		// Windows/Linux 上 +/- 会和输入框冲突，改用 [ ]
		zoomIn, zoomOut = keys.CmdOrCtrl("]"), keys.CmdOrCtrl("[")
		zoomInLabel, zoomOutLabel, resetLabel = "Zoom In\tCtrl+]", "Zoom Out\tCtrl+[", "Actual Size\tCtrl+0"
	}
	viewMenu.AddText(zoomOutLabel, zoomOut, func(_ *menu.CallbackData) {
		runtime.EventsEmit(a.ctx, "zoom_change", "small")
	})
	viewMenu.AddText(zoomInLabel, zoomIn, func(_ *menu.CallbackData) {
		runtime.EventsEmit(a.ctx, "zoom_change", "large")
	})
	viewMenu.AddText(resetLabel, keys.CmdOrCtrl("0"), func(_ *menu.CallbackData) {
		runtime.EventsEmit(a.ctx, "zoom_change", "default")
	})
	viewMenu.AddSeparator()
	viewMenu.AddText("Show Log File", nil, func(_ *menu.CallbackData) {
		if err := a.RevealLogFile(); err != nil {
			a.emitLog("ERROR", err.Error())
		}
	})
}

// GetState returns the current UI store snapshot.
func (a *App) GetState() store.Snapshot {
	return a.store.Snapshot()
}

// --- 文件对话框 ---

var jsonFilter = []runtime.FileFilter{{DisplayName: "Config Files (*.json)", Pattern: "*.json"}}

// ImportConfigsDialog lets the user pick config files and imports them. A
// cancelled dialog imports nothing.
func (a *App) ImportConfigsDialog() (types.BatchResult, error) {
	paths, err := runtime.OpenMultipleFilesDialog(a.ctx, runtime.OpenDialogOptions{
		Title:   "Import Configs",
		Filters: jsonFilter,
	})
	if err != nil || len(paths) == 0 {
		return types.BatchResult{}, err
	}
	return a.Configs.ImportConfigs(paths), nil
}

// ExportConfigDialog asks where to write the config and exports it. Returns the
// chosen path, or "" when cancelled.
func (a *App) ExportConfigDialog(name string) (string, error) {
	path, err := runtime.SaveFileDialog(a.ctx, runtime.SaveDialogOptions{
		Title:           "Export Config",
		DefaultFilename: name + ".json",
		Filters:         jsonFilter,
	})
	if err != nil || path == "" {
		return "", err
	}
	return path, a.Configs.ExportConfig(name, path)
}

func (a *App) ExportHistoryDialog() (int, error) {
	path, err := runtime.SaveFileDialog(a.ctx, runtime.SaveDialogOptions{
		Title:           "Export Task History",
		DefaultFilename: fmt.Sprintf("dbcopier-history-%s.json", time.Now().Format("20060102")),
		Filters:         jsonFilter,
	})
	if err != nil || path == "" {
		return 0, err
	}
	return a.Tasks.ExportHistory(path)
}

// SelectPrivateKey 选择 SSH 私钥文件
func (a *App) SelectPrivateKey() (string, error) {
	return runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title:            "Select Private Key",
		DefaultDirectory: sshDir(),
		ShowHiddenFiles:  true,
	})
}

func sshDir() string {
	path, err := sshconfig.DefaultPath()
	if err != nil {
		return ""
	}
	return filepath.Dir(path)
}

// ShowErrorDialog 显示一个原生的错误对话框
func (a *App) ShowErrorDialog(title string, message string) {
	_, _ = runtime.MessageDialog(a.ctx, runtime.MessageDialogOptions{
		Type:    runtime.ErrorDialog,
		Title:   title,
		Message: message,
	})
}

// ShowConfirmDialog 显示一个原生的确认对话框，并返回用户的选择
func (a *App) ShowConfirmDialog(title string, message string) (string, error) {
	return runtime.MessageDialog(a.ctx, runtime.MessageDialogOptions{
		Type:          runtime.QuestionDialog,
		Title:         title,
		Message:       message,
		Buttons:       []string{"Yes", "No"},
		DefaultButton: "No",
		CancelButton:  "No",
	})
}

// RevealLogFile opens the folder holding the log file.
func (a *App) RevealLogFile() error {
	return reveal(filepath.Dir(a.cfg.Log.File))
}

// LogFromFrontend 接收一个结构化的 LogEntry 对象
func (a *App) LogFromFrontend(entry types.LogEntry) {
	timestamp := entry.Timestamp
	if timestamp == "" {
		timestamp = time.Now().Format("15:04:05")
	}
	a.log.WithFields(logrus.Fields{"source": "frontend", "ts": timestamp}).Infof("[FRONTEND] [%s] %s", entry.Level, entry.Message)
}

func (a *App) emitLog(level, message string) {
	a.emit("log_event", types.LogEntry{
		Timestamp: time.Now().Format("15:04:05"),
		Level:     level,
		Message:   message,
	})
}

// RunningTaskCount lets the quit prompt warn about copies still in progress.
func (a *App) RunningTaskCount() int {
	n := 0
	for _, t := range a.Tasks.GetTasks() {
		if !t.Status.Status.Terminal() {
			n++
		}
	}
	return n
}

// ForceQuit 强制退出应用程序
func (a *App) ForceQuit() {
	a.log.Info("ForceQuit called from frontend")
	a.isQuitting.Store(true)
	runtime.Quit(a.ctx)
}
