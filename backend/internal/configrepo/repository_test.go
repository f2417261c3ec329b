package configrepo

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/engine/enginetest"
	"dbcopier/backend/internal/secrets"
	"dbcopier/backend/internal/types"
)

func validConfig(name string) types.Config {
	return types.Config{
		Name:     name,
		SourceDB: types.DatabaseConfig{Host: "src", Port: 5432, Database: "shop", Username: "app", Password: "pw"},
		TargetDB: types.DatabaseConfig{Host: "dst", Port: 5432, Database: "shop", Username: "app", Password: "pw"},
		Tables: []types.TableConfig{{
			Name: "users",
			Columns: []types.ColumnConfig{
				{Name: "id"},
				{Name: "email", MaskRule: &types.MaskRule{RuleType: types.MaskHash}},
			},
		}},
	}
}

func newRepo(t *testing.T, opts ...Option) (*Repository, *enginetest.Engine) {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	e := enginetest.New()
	return New(e, append([]Option{WithLogger(l)}, opts...)...), e
}

func TestSave_RejectsLocallyBeforeEngine(t *testing.T) {
	repo, e := newRepo(t)
	ctx := context.Background()

	bad := validConfig("Config 1")
	assert.True(t, errors.Is(repo.Save(ctx, bad), types.ErrValidation))

	noTables := validConfig("no_tables")
	noTables.Tables = nil
	assert.True(t, errors.Is(repo.Save(ctx, noTables), types.ErrValidation))

	brokenRule := validConfig("broken_rule")
	brokenRule.Tables[0].Columns[1].MaskRule = &types.MaskRule{RuleType: types.MaskPattern}
	assert.True(t, errors.Is(repo.Save(ctx, brokenRule), types.ErrValidation))

	assert.Zero(t, e.Calls(engine.CmdSaveConfig))
}

func TestSave_VisibleImmediatelyAndStripsStatus(t *testing.T) {
	repo, e := newRepo(t)
	ctx := context.Background()

	cfg := validConfig("orders")
	cfg.Tables[0].Status = types.Added
	cfg.Tables[0].Columns[0].Status = types.Removed
	require.NoError(t, repo.Save(ctx, cfg))

	names, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names)

	stored, ok := e.Stored("orders")
	require.True(t, ok)
	assert.Equal(t, types.Unchanged, stored.Tables[0].Status)
	// removed columns are kept until the operator accepts the removal
	require.Len(t, stored.Tables[0].Columns, 2)
	assert.Equal(t, types.Unchanged, stored.Tables[0].Columns[0].Status)
	assert.Equal(t, types.Added, cfg.Tables[0].Status)
}

func TestSaveOfLoadIsIdempotent(t *testing.T) {
	keyring.MockInit()
	repo, e := newRepo(t, WithSecrets(secrets.NewVault()))
	ctx := context.Background()

	for _, n := range []string{"beta", "alpha", "gamma"} {
		require.NoError(t, repo.Save(ctx, validConfig(n)))
	}
	before, err := repo.List(ctx)
	require.NoError(t, err)
	storedBefore, _ := e.Stored("alpha")

	loaded, err := repo.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "pw", loaded.SourceDB.Password)
	require.NoError(t, repo.Save(ctx, loaded))

	after, err := repo.List(ctx)
	require.NoError(t, err)
	storedAfter, _ := e.Stored("alpha")
	assert.Equal(t, before, after)
	assert.Equal(t, storedBefore, storedAfter)
	assert.Empty(t, storedAfter.SourceDB.Password)
}

func TestSave_FailedSaveKeepsStoredSecrets(t *testing.T) {
	keyring.MockInit()
	repo, e := newRepo(t, WithSecrets(secrets.NewVault()))
	ctx := context.Background()

	cfg := validConfig("orders")
	cfg.SourceDB.Password = "old"
	require.NoError(t, repo.Save(ctx, cfg))

	e.SetError(engine.CmdSaveConfig, engine.RemoteError(engine.CmdSaveConfig, "", "disk full"))
	cfg.SourceDB.Password = "new"
	err := repo.Save(ctx, cfg)
	assert.True(t, errors.Is(err, types.ErrPersistence))
	assert.ErrorContains(t, err, "disk full")

	stored, err := keyring.Get(secrets.Service, "orders/source/password")
	require.NoError(t, err)
	assert.Equal(t, "old", stored)

	loaded, err := repo.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "old", loaded.SourceDB.Password)
}

func TestCreateAndCopyAs(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, validConfig("orders")))
	err := repo.Create(ctx, validConfig("orders"))
	assert.True(t, errors.Is(err, types.ErrValidation))

	cp, err := repo.CopyAs(ctx, "orders", "orders_副本")
	require.NoError(t, err)
	assert.Equal(t, "orders_副本", cp.Name)

	_, err = repo.CopyAs(ctx, "orders", "orders")
	assert.True(t, errors.Is(err, types.ErrValidation))
	_, err = repo.CopyAs(ctx, "missing", "copy_of_missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	names, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "orders_副本"}, names)
}

func TestLoadAndDeleteNotFound(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.Load(ctx, "nope")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Equal(t, "not_found: 配置不存在", err.Error())

	assert.True(t, errors.Is(repo.Delete(ctx, "nope"), types.ErrNotFound))

	require.NoError(t, repo.Save(ctx, validConfig("orders")))
	require.NoError(t, repo.Delete(ctx, "orders"))
	_, err = repo.Load(ctx, "orders")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestPersistenceErrorKeepsEngineMessage(t *testing.T) {
	repo, e := newRepo(t)
	e.SetError(engine.CmdSaveConfig, engine.RemoteError(engine.CmdSaveConfig, "", "写入配置文件失败: disk full"))

	err := repo.Save(context.Background(), validConfig("orders"))
	assert.True(t, errors.Is(err, types.ErrPersistence))
	assert.Contains(t, err.Error(), "写入配置文件失败: disk full")
}

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, raw, 0o644))
	return p
}

func TestImportManyAndExport(t *testing.T) {
	repo, e := newRepo(t)
	ctx := context.Background()
	dir := t.TempDir()

	good := writeJSON(t, dir, "good.json", validConfig("imported"))
	badName := writeJSON(t, dir, "bad.json", validConfig("has space"))
	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{"), 0o644))
	missing := filepath.Join(dir, "missing.json")

	res := repo.ImportMany(ctx, []string{good, badName, garbage, missing})
	assert.Equal(t, []string{good}, res.Succeeded)
	require.Len(t, res.Failed, 3)
	assert.Equal(t, badName, res.Failed[0].Item)
	// only the valid file reached the engine
	assert.Equal(t, 1, e.Calls(engine.CmdImportConfig))

	out := filepath.Join(dir, "export.json")
	require.NoError(t, repo.ExportTo(ctx, "imported", out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var exported types.Config
	require.NoError(t, json.Unmarshal(raw, &exported))
	assert.Equal(t, "imported", exported.Name)

	err = repo.ExportTo(ctx, "missing", out)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
