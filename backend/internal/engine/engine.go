// Package engine is the command boundary to the external copy engine.
package engine

import (
	"context"

	"dbcopier/backend/internal/types"
)

// 命令名与引擎侧保持一致
const (
	CmdListConfigs     = "list_configs"
	CmdLoadConfig      = "load_config"
	CmdSaveConfig      = "save_config"
	CmdDeleteConfig    = "delete_config"
	CmdImportConfig    = "import_config"
	CmdExportConfig    = "export_config"
	CmdStartCopy       = "start_copy"
	CmdGetTaskStatus   = "get_task_status"
	CmdStopTask        = "stop_task"
	CmdTestConnection  = "test_connection"
	CmdGetTables       = "get_tables"
	CmdGetTableColumns = "get_table_columns"
)

// Engine is every request the core can make. All calls are one-shot and may fail
// with a *types.Error.
type Engine interface {
	ListConfigs(ctx context.Context) ([]string, error)
	LoadConfig(ctx context.Context, name string) (types.Config, error)
	SaveConfig(ctx context.Context, cfg types.Config) error
	DeleteConfig(ctx context.Context, name string) error
	ImportConfig(ctx context.Context, filePath string) (types.Config, error)
	ExportConfig(ctx context.Context, name, filePath string) error

	StartCopy(ctx context.Context, cfg types.Config) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (types.TaskStatus, error)
	StopTask(ctx context.Context, taskID string) error

	TestConnection(ctx context.Context, db types.DatabaseConfig) (string, error)
	GetTables(ctx context.Context, db types.DatabaseConfig) ([]string, error)
	GetTableColumns(ctx context.Context, db types.DatabaseConfig, tableName string) ([]string, error)
}

// defaultKind is the category used when the engine does not label an error.
func defaultKind(command string) types.ErrorKind {
	switch command {
	case CmdSaveConfig, CmdDeleteConfig, CmdImportConfig, CmdExportConfig:
		return types.KindPersistence
	case CmdStartCopy:
		return types.KindSubmission
	case CmdTestConnection, CmdGetTables, CmdGetTableColumns:
		return types.KindConnection
	case CmdLoadConfig, CmdGetTaskStatus, CmdStopTask:
		return types.KindNotFound
	default:
		return types.KindPersistence
	}
}

// RemoteError converts an engine error frame into a categorised error, keeping
// the engine's message as is.
func RemoteError(command string, kind string, message string) *types.Error {
	k := types.ErrorKind(kind)
	switch k {
	case types.KindNotFound, types.KindConnection, types.KindSubmission, types.KindPersistence, types.KindProtocol, types.KindValidation:
	default:
		k = defaultKind(command)
	}
	return &types.Error{Kind: k, Op: command, Message: message}
}

func transportError(command string, err error) *types.Error {
	return &types.Error{Kind: types.KindConnection, Op: command, Message: err.Error(), Err: err}
}
