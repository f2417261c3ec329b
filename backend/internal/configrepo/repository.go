// Package configrepo owns the saved copy configurations. The engine stores them;
// this layer enforces every local invariant before a request leaves the process.
package configrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/masking"
	"dbcopier/backend/internal/sshkey"
	"dbcopier/backend/internal/types"
)

// SecretStore keeps credentials out of the engine's config files.
type SecretStore interface {
	Blank(cfg types.Config) types.Config
	Stash(cfg types.Config) error
	Fill(cfg types.Config) (types.Config, error)
	Forget(name string) error
}

type Repository struct {
	engine    engine.Engine
	secrets   SecretStore
	checkKeys bool
	log       logrus.FieldLogger
}

type Option func(*Repository)

// WithSecrets moves passwords and passphrases into s on save.
func WithSecrets(s SecretStore) Option {
	return func(r *Repository) { r.secrets = s }
}

// WithKeyCheck makes Save and ImportFrom parse referenced private keys first.
func WithKeyCheck(on bool) Option {
	return func(r *Repository) { r.checkKeys = on }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Repository) { r.log = l }
}

func New(e engine.Engine, opts ...Option) *Repository {
	r := &Repository{engine: e, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate runs every local check Save would run, without saving.
func (r *Repository) Validate(cfg types.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := masking.ValidateConfig(cfg); err != nil {
		return err
	}
	if r.checkKeys {
		return sshkey.CheckConfig(cfg)
	}
	return nil
}

func (r *Repository) List(ctx context.Context) ([]string, error) {
	return r.engine.ListConfigs(ctx)
}

func (r *Repository) Load(ctx context.Context, name string) (types.Config, error) {
	cfg, err := r.engine.LoadConfig(ctx, name)
	if err != nil {
		return types.Config{}, err
	}
	if r.secrets != nil {
		return r.secrets.Fill(cfg)
	}
	return cfg, nil
}

// Save validates cfg, strips diff tags and upserts it under cfg.Name.
func (r *Repository) Save(ctx context.Context, cfg types.Config) error {
	if err := r.Validate(cfg); err != nil {
		return err
	}
	out := cfg.Clone()
	out.ClearStatus()

	sent := out
	if r.secrets != nil {
		sent = r.secrets.Blank(out)
	}
	if err := r.engine.SaveConfig(ctx, sent); err != nil {
		return err
	}
	// 引擎保存成功后才写钥匙串，保存失败时旧凭据保持不变
	if r.secrets != nil {
		if err := r.secrets.Stash(out); err != nil {
			return err
		}
	}
	r.log.WithField("config", cfg.Name).Info("config saved")
	return nil
}

// Create is Save for a name that must not exist yet.
func (r *Repository) Create(ctx context.Context, cfg types.Config) error {
	if err := r.Validate(cfg); err != nil {
		return err
	}
	names, err := r.engine.ListConfigs(ctx)
	if err != nil {
		return err
	}
	if lo.Contains(names, cfg.Name) {
		return types.NewValidationError("name", fmt.Sprintf("config %q already exists", cfg.Name))
	}
	return r.Save(ctx, cfg)
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	if err := r.engine.DeleteConfig(ctx, name); err != nil {
		return err
	}
	if r.secrets != nil {
		if err := r.secrets.Forget(name); err != nil {
			r.log.WithField("config", name).WithError(err).Warn("failed to remove stored secrets")
		}
	}
	r.log.WithField("config", name).Info("config deleted")
	return nil
}

// CopyAs loads name and creates it again as newName.
func (r *Repository) CopyAs(ctx context.Context, name, newName string) (types.Config, error) {
	if err := types.ValidateConfigName(newName); err != nil {
		return types.Config{}, err
	}
	cfg, err := r.Load(ctx, name)
	if err != nil {
		return types.Config{}, err
	}
	cfg.Name = newName
	if err := r.Create(ctx, cfg); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// ImportFrom checks the file locally and then asks the engine to import it.
func (r *Repository) ImportFrom(ctx context.Context, path string) (types.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Config{}, importError(path, err)
	}
	var cfg types.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return types.Config{}, importError(path, err)
	}
	if err := r.Validate(cfg); err != nil {
		return types.Config{}, err
	}

	imported, err := r.engine.ImportConfig(ctx, path)
	if err != nil {
		return types.Config{}, err
	}
	r.log.WithFields(logrus.Fields{"config": imported.Name, "file": path}).Info("config imported")
	return imported, nil
}

// ImportMany imports every file independently and reports a per-file tally.
func (r *Repository) ImportMany(ctx context.Context, paths []string) types.BatchResult {
	var res types.BatchResult
	for _, p := range paths {
		if _, err := r.ImportFrom(ctx, p); err != nil {
			r.log.WithField("file", p).WithError(err).Warn("import failed")
			res.Fail(p, err)
			continue
		}
		res.Ok(p)
	}
	return res
}

func (r *Repository) ExportTo(ctx context.Context, name, path string) error {
	if err := r.engine.ExportConfig(ctx, name, path); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"config": name, "file": path}).Info("config exported")
	return nil
}

func importError(path string, err error) error {
	return &types.Error{
		Kind:    types.KindPersistence,
		Op:      engine.CmdImportConfig,
		Message: fmt.Sprintf("cannot import %s: %v", path, err),
		Err:     err,
	}
}
