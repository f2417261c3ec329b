package configs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbcopier/backend/internal/configrepo"
	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/engine/enginetest"
	"dbcopier/backend/internal/store"
	"dbcopier/backend/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	events []types.LogEntry
}

func (r *recorder) emit(event string, data ...any) {
	if event != "log_event" || len(data) != 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, data[0].(types.LogEntry))
}

func (r *recorder) levels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Level
	}
	return out
}

func sampleConfig(name string) types.Config {
	return types.Config{
		Name:     name,
		SourceDB: types.DatabaseConfig{Host: "src", Port: 5432, Database: "shop", Username: "app"},
		TargetDB: types.DatabaseConfig{Host: "dst", Port: 5432, Database: "shop", Username: "app"},
		Tables: []types.TableConfig{{
			Name:    "users",
			Columns: []types.ColumnConfig{{Name: "id"}, {Name: "email"}},
		}},
	}
}

func newService(t *testing.T) (*Service, *enginetest.Engine, *store.Store, *recorder) {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	e := enginetest.New()
	st := store.New()
	rec := &recorder{}
	repo := configrepo.New(e, configrepo.WithLogger(l))
	return NewService(context.Background(), repo, e, st, rec.emit, l), e, st, rec
}

func TestSaveAndLoad_UpdatesStore(t *testing.T) {
	svc, _, st, rec := newService(t)

	require.NoError(t, svc.SaveConfig(sampleConfig("orders")))
	assert.Equal(t, []string{"orders"}, st.Snapshot().Configs)
	assert.Equal(t, []string{"SUCCESS"}, rec.levels())

	cfg, err := svc.LoadConfig("orders")
	require.NoError(t, err)
	snap := st.Snapshot()
	require.NotNil(t, snap.CurrentConfig)
	assert.Equal(t, cfg.Name, snap.CurrentConfig.Name)
	assert.False(t, snap.Loading)
}

func TestSave_ValidationErrorEmitsLog(t *testing.T) {
	svc, e, _, rec := newService(t)

	err := svc.SaveConfig(sampleConfig("bad name"))
	assert.True(t, errors.Is(err, types.ErrValidation))
	assert.Zero(t, e.Calls(engine.CmdSaveConfig))
	assert.Equal(t, []string{"ERROR"}, rec.levels())
}

func TestDelete_ClearsSelection(t *testing.T) {
	svc, e, st, _ := newService(t)
	e.Put(sampleConfig("orders"))
	e.Put(sampleConfig("users"))

	_, err := svc.LoadConfig("orders")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteConfig("orders"))

	snap := st.Snapshot()
	assert.Nil(t, snap.CurrentConfig)
	assert.Equal(t, []string{"users"}, snap.Configs)
}

func TestListConfigs_EngineFailure(t *testing.T) {
	svc, e, st, rec := newService(t)
	e.SetError(engine.CmdListConfigs, engine.RemoteError(engine.CmdListConfigs, "", "引擎未就绪"))

	_, err := svc.ListConfigs()
	assert.ErrorContains(t, err, "引擎未就绪")
	assert.False(t, st.Snapshot().Loading)
	assert.Equal(t, []string{"ERROR"}, rec.levels())
}

func TestTestConnection(t *testing.T) {
	svc, e, _, rec := newService(t)

	msg, err := svc.TestConnection(sampleConfig("x").SourceDB)
	require.NoError(t, err)
	assert.Contains(t, msg, "src:5432")
	assert.Equal(t, []string{"SUCCESS"}, rec.levels())

	_, err = svc.TestConnection(types.DatabaseConfig{Host: "src"})
	assert.True(t, errors.Is(err, types.ErrValidation))
	assert.Equal(t, 1, e.Calls(engine.CmdTestConnection))
}

func TestRefreshStructure(t *testing.T) {
	svc, e, _, _ := newService(t)
	e.SetSchema([]string{"users", "orders"}, map[string][]string{
		"users":  {"id", "email", "phone"},
		"orders": {"id", "total"},
	})

	cfg := sampleConfig("shop")
	cfg.Tables = append(cfg.Tables, types.TableConfig{Name: "legacy"})

	res, err := svc.RefreshStructure(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"orders"}, res.Report.Added)
	assert.Equal(t, []string{"legacy"}, res.Report.Removed)
	assert.Equal(t, []string{"phone"}, res.Report.Columns["users"].Added)

	require.Len(t, res.Tables, 3)
	assert.Equal(t, "users", res.Tables[0].Name)
	assert.Equal(t, types.Added, res.Tables[1].Status)
	assert.True(t, res.Tables[1].Ignore)
	assert.Equal(t, types.Removed, res.Tables[2].Status)

	// 刷新不会保存
	assert.Zero(t, e.Calls(engine.CmdSaveConfig))
	assert.Equal(t, 2, e.Calls(engine.CmdGetTableColumns))

	committed := svc.CommitTable(res.Tables[0])
	assert.Equal(t, types.Unchanged, committed.Status)
	assert.NotNil(t, committed.LastUpdated)
}

func TestRefreshStructure_ColumnFailure(t *testing.T) {
	svc, e, _, _ := newService(t)
	e.SetSchema([]string{"users"}, map[string][]string{"users": {"id"}})
	e.SetError(engine.CmdGetTableColumns, engine.RemoteError(engine.CmdGetTableColumns, "connection", "连接断开"))

	_, err := svc.RefreshStructure(sampleConfig("shop"))
	assert.True(t, errors.Is(err, types.ErrConnection))
}

func TestSummaryAndCopy(t *testing.T) {
	svc, e, st, _ := newService(t)
	e.Put(sampleConfig("orders"))

	sum, err := svc.GetConfigSummary("orders")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TableCount)
	assert.Equal(t, 2, sum.TotalColumns)

	cp, err := svc.CopyConfig("orders", "orders_copy")
	require.NoError(t, err)
	assert.Equal(t, "orders_copy", cp.Name)
	assert.Equal(t, []string{"orders", "orders_copy"}, st.Snapshot().Configs)
}

func TestResolveSSHAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte("Host bastion\n  HostName 10.0.0.5\n  User ops\n  IdentityFile /keys/id\n\nHost plain\n  User root\n"), 0o600))

	svc, _, _, _ := newService(t)
	svc.sshConfigPath = path

	hosts, err := svc.ListSSHHosts()
	require.NoError(t, err)
	assert.Len(t, hosts, 2)

	draft, err := svc.ResolveSSHAlias("bastion")
	require.NoError(t, err)
	assert.Equal(t, types.SSHConfig{Host: "10.0.0.5", Port: 22, Username: "ops", AuthType: types.AuthPrivateKey, PrivateKeyPath: "/keys/id"}, draft)

	draft, err = svc.ResolveSSHAlias("plain")
	require.NoError(t, err)
	assert.Equal(t, types.AuthPassword, draft.AuthType)
	assert.Equal(t, "plain", draft.Host)

	_, err = svc.ResolveSSHAlias("missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
