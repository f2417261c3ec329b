package configs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dbcopier/backend/internal/configrepo"
	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/masking"
	"dbcopier/backend/internal/schemadiff"
	"dbcopier/backend/internal/store"
	"dbcopier/backend/internal/types"
	"dbcopier/backend/pkg/sshconfig"
)

// Emitter sends an event to the frontend.
type Emitter func(event string, data ...any)

// 结构刷新时并发获取列信息的上限
const columnFetchLimit = 4

// Service 配置管理相关的前端绑定方法
type Service struct {
	ctx    context.Context
	repo   *configrepo.Repository
	engine engine.Engine
	store  *store.Store
	emit   Emitter
	log    logrus.FieldLogger

	// ~/.ssh/config，为空时不提供别名
	sshConfigPath string
}

type Option func(*Service)

func WithSSHConfigPath(path string) Option {
	return func(s *Service) { s.sshConfigPath = path }
}

func NewService(ctx context.Context, repo *configrepo.Repository, e engine.Engine, st *store.Store, emit Emitter, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{ctx: ctx, repo: repo, engine: e, store: st, emit: emit, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) emitLog(level, message string) {
	entry := types.LogEntry{Timestamp: time.Now().Format("15:04:05"), Level: level, Message: message}
	s.emit("log_event", entry)
}

// loading 标记加载状态，返回的函数用于结束
func (s *Service) loading() func() {
	s.store.SetLoading(true)
	return func() { s.store.SetLoading(false) }
}

// --- 配置管理方法 ---

func (s *Service) ListConfigs() ([]string, error) {
	defer s.loading()()
	names, err := s.repo.List(s.ctx)
	if err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Failed to list configs: %v", err))
		return nil, err
	}
	s.store.SetConfigs(names)
	return names, nil
}

func (s *Service) LoadConfig(name string) (types.Config, error) {
	defer s.loading()()
	cfg, err := s.repo.Load(s.ctx, name)
	if err != nil {
		return types.Config{}, err
	}
	s.store.SetCurrentConfig(&cfg)
	return cfg, nil
}

func (s *Service) SaveConfig(cfg types.Config) error {
	if err := s.repo.Save(s.ctx, cfg); err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Failed to save %s: %v", cfg.Name, err))
		return err
	}
	s.emitLog("SUCCESS", fmt.Sprintf("Saved config: %s", cfg.Name))
	s.afterChange(&cfg)
	return nil
}

func (s *Service) CreateConfig(cfg types.Config) error {
	if err := s.repo.Create(s.ctx, cfg); err != nil {
		return err
	}
	s.emitLog("SUCCESS", fmt.Sprintf("Created config: %s", cfg.Name))
	s.afterChange(&cfg)
	return nil
}

// CopyConfig saves a copy of name under newName.
func (s *Service) CopyConfig(name, newName string) (types.Config, error) {
	cfg, err := s.repo.CopyAs(s.ctx, name, newName)
	if err != nil {
		return types.Config{}, err
	}
	s.emitLog("SUCCESS", fmt.Sprintf("Copied config %s -> %s", name, newName))
	s.afterChange(&cfg)
	return cfg, nil
}

func (s *Service) DeleteConfig(name string) error {
	if err := s.repo.Delete(s.ctx, name); err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Failed to delete %s: %v", name, err))
		return err
	}
	snap := s.store.Snapshot()
	if snap.CurrentConfig != nil && snap.CurrentConfig.Name == name {
		s.store.SetCurrentConfig(nil)
	}
	s.emitLog("SUCCESS", fmt.Sprintf("Deleted config: %s", name))
	s.refreshList()
	return nil
}

func (s *Service) ImportConfigs(paths []string) types.BatchResult {
	res := s.repo.ImportMany(s.ctx, paths)
	for _, f := range res.Failed {
		s.emitLog("ERROR", fmt.Sprintf("Import failed: %s (%s)", f.Item, f.Error))
	}
	if len(res.Succeeded) > 0 {
		s.emitLog("SUCCESS", fmt.Sprintf("Imported %d of %d files", len(res.Succeeded), len(paths)))
		s.refreshList()
	}
	return res
}

func (s *Service) ExportConfig(name, path string) error {
	if err := s.repo.ExportTo(s.ctx, name, path); err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Export failed: %v", err))
		return err
	}
	s.emitLog("SUCCESS", fmt.Sprintf("Exported %s -> %s", name, path))
	return nil
}

// ValidateConfig runs the checks a save would run, so the editor can show them early.
func (s *Service) ValidateConfig(cfg types.Config) error {
	return s.repo.Validate(cfg)
}

func (s *Service) GetConfigSummary(name string) (types.ConfigSummary, error) {
	cfg, err := s.repo.Load(s.ctx, name)
	if err != nil {
		return types.ConfigSummary{}, err
	}
	return types.Summarize(cfg), nil
}

// MaskedColumns lists "table.column" for every column the copy will mask.
func (s *Service) MaskedColumns(cfg types.Config) []string {
	return masking.MaskedColumns(cfg)
}

// OnImported is the import folder watcher's callback.
func (s *Service) OnImported(path string, cfg types.Config, err error) {
	if err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Auto import failed: %s (%v)", path, err))
		return
	}
	s.emitLog("SUCCESS", fmt.Sprintf("Auto imported %s from %s", cfg.Name, path))
	s.refreshList()
}

func (s *Service) afterChange(cfg *types.Config) {
	snap := s.store.Snapshot()
	if snap.CurrentConfig != nil && snap.CurrentConfig.Name == cfg.Name {
		s.store.SetCurrentConfig(cfg)
	}
	s.refreshList()
}

func (s *Service) refreshList() {
	names, err := s.repo.List(s.ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to refresh config list")
		return
	}
	s.store.SetConfigs(names)
}

// --- 数据库结构 ---

func (s *Service) TestConnection(db types.DatabaseConfig) (string, error) {
	if err := db.Validate("db"); err != nil {
		return "", err
	}
	msg, err := s.engine.TestConnection(s.ctx, db)
	if err != nil {
		s.emitLog("ERROR", fmt.Sprintf("Connection to %s failed: %v", db.Endpoint(), err))
		return "", err
	}
	s.emitLog("SUCCESS", msg)
	return msg, nil
}

func (s *Service) GetTables(db types.DatabaseConfig) ([]string, error) {
	if err := db.Validate("db"); err != nil {
		return nil, err
	}
	return s.engine.GetTables(s.ctx, db)
}

func (s *Service) GetTableColumns(db types.DatabaseConfig, tableName string) ([]string, error) {
	if err := db.Validate("db"); err != nil {
		return nil, err
	}
	return s.engine.GetTableColumns(s.ctx, db, tableName)
}

type RefreshResult struct {
	Tables []types.TableConfig    `json:"tables"`
	Report schemadiff.TableReport `json:"report"`
}

// RefreshStructure reads the live source schema and merges it into cfg's tables.
// Nothing is saved; the caller commits or discards the result.
func (s *Service) RefreshStructure(cfg types.Config) (RefreshResult, error) {
	if err := cfg.SourceDB.Validate("source_db"); err != nil {
		return RefreshResult{}, err
	}
	live, err := s.engine.GetTables(s.ctx, cfg.SourceDB)
	if err != nil {
		return RefreshResult{}, err
	}

	var mu sync.Mutex
	columns := make(map[string][]string, len(live))
	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(columnFetchLimit)
	for _, table := range live {
		table := table
		g.Go(func() error {
			cols, err := s.engine.GetTableColumns(ctx, cfg.SourceDB, table)
			if err != nil {
				return err
			}
			mu.Lock()
			columns[table] = cols
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RefreshResult{}, err
	}

	merged, report := schemadiff.MergeTables(cfg.Tables, live, columns)
	s.emitLog("INFO", fmt.Sprintf("Structure of %s: %d new tables, %d removed, %d changed",
		cfg.Name, len(report.Added), len(report.Removed), len(report.Columns)))
	return RefreshResult{Tables: merged, Report: report}, nil
}

// CommitTable accepts a diffed table: status tags are cleared and last_updated set.
func (s *Service) CommitTable(table types.TableConfig) types.TableConfig {
	return schemadiff.Commit(table, time.Now())
}

// AcceptRemovals drops the table's columns that no longer exist in the source.
func (s *Service) AcceptRemovals(table types.TableConfig) types.TableConfig {
	return schemadiff.AcceptRemovals(table)
}

// --- SSH 别名 ---

func (s *Service) ListSSHHosts() ([]sshconfig.Host, error) {
	if s.sshConfigPath == "" {
		return []sshconfig.Host{}, nil
	}
	return sshconfig.LoadHosts(s.sshConfigPath)
}

// ResolveSSHAlias fills a tunnel draft from an ssh config alias. The credential
// is left for the operator: key auth when the alias names an IdentityFile,
// password auth otherwise.
func (s *Service) ResolveSSHAlias(alias string) (types.SSHConfig, error) {
	if s.sshConfigPath == "" {
		return types.SSHConfig{}, &types.Error{Kind: types.KindNotFound, Op: "ssh_alias", Message: "no ssh config file"}
	}
	h, err := sshconfig.Lookup(s.sshConfigPath, alias)
	if errors.Is(err, sshconfig.ErrHostNotFound) {
		return types.SSHConfig{}, &types.Error{Kind: types.KindNotFound, Op: "ssh_alias", Message: err.Error(), Err: err}
	}
	if err != nil {
		return types.SSHConfig{}, err
	}
	draft := types.SSHConfig{Host: h.HostName, Port: h.Port, Username: h.User, AuthType: types.AuthPassword}
	if h.IdentityFile != "" {
		draft.AuthType = types.AuthPrivateKey
		draft.PrivateKeyPath = h.IdentityFile
	}
	return draft, nil
}
