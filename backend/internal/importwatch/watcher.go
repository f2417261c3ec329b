// Package importwatch imports config files dropped into a watched folder.
package importwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"dbcopier/backend/internal/types"
	"dbcopier/backend/pkg/utils"
)

const DefaultDebounce = 500 * time.Millisecond

// Importer is the part of the config repository the watcher needs.
type Importer interface {
	ImportFrom(ctx context.Context, path string) (types.Config, error)
}

// Result is reported once per imported (or rejected) file.
type Result struct {
	Path   string
	Config types.Config
	Err    error
}

// Watcher 监控导入目录，*.json 文件写入完成后自动导入
type Watcher struct {
	dir      string
	importer Importer
	debounce time.Duration
	onResult func(Result)
	log      logrus.FieldLogger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
}

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Watcher) { w.log = l }
}

// OnResult sets the callback for every import attempt. It runs on a timer goroutine.
func OnResult(fn func(Result)) Option {
	return func(w *Watcher) { w.onResult = fn }
}

func New(dir string, importer Importer, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("import folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("import folder %s is not a directory", dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:      dir,
		importer: importer,
		debounce: DefaultDebounce,
		onResult: func(Result) {},
		log:      logrus.StandardLogger(),
		watcher:  fw,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start runs the event loop in the background until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	utils.SafeGo(w.log, func() { w.loop(ctx) })
}

// Stop ends the loop, drops pending imports and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()
	log := w.log.WithField("dir", w.dir)
	log.Info("import folder watcher started")

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for p, t := range w.timers {
				t.Stop()
				delete(w.timers, p)
			}
			w.mu.Unlock()
			log.Info("import folder watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("file watcher error")
		}
	}
}

// schedule 同一文件的连续写入只触发一次导入
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.importFile(ctx, path)
	})
}

func (w *Watcher) importFile(ctx context.Context, path string) {
	defer utils.Recover(w.log)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return
	}
	cfg, err := w.importer.ImportFrom(ctx, path)
	if err != nil {
		w.log.WithField("file", path).WithError(err).Warn("auto import failed")
	} else {
		w.log.WithFields(logrus.Fields{"file": path, "config": cfg.Name}).Info("auto imported config")
	}
	w.onResult(Result{Path: path, Config: cfg, Err: err})
}
