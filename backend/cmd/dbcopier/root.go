package main

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dbcopier/backend/internal/appconfig"
	"dbcopier/backend/internal/configrepo"
	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/logging"
	"dbcopier/backend/internal/secrets"
	"dbcopier/backend/internal/taskarchive"
	"dbcopier/backend/internal/taskrunner"
)

// env 一次命令执行用到的组件
type env struct {
	engine  engine.Engine
	repo    *configrepo.Repository
	orch    *taskrunner.Orchestrator
	archive *taskarchive.Archive // 可能为 nil
	log     logrus.FieldLogger

	closers []io.Closer
}

func (e *env) Close() {
	if e.orch != nil {
		e.orch.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
}

type envOpener func(flags globalFlags) (*env, error)

// openEnv 按配置连接真实引擎。CLI 日志只写到终端。
func openEnv(flags globalFlags) (*env, error) {
	cfg, err := appconfig.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	level := cfg.Log.Level
	if flags.verbose {
		level = "debug"
	}
	logCloser, err := logging.Setup(logger, logging.Options{Level: level})
	if err != nil {
		return nil, err
	}

	client := engine.NewClient(cfg.Engine.URL,
		engine.WithRequestTimeout(cfg.Engine.RequestTimeout),
		engine.WithDialTimeout(cfg.Engine.DialTimeout),
		engine.WithLogger(logger.WithField("component", "engine")),
	)
	e := &env{engine: client, log: logger, closers: []io.Closer{logCloser, client}}

	opts := []configrepo.Option{
		configrepo.WithKeyCheck(cfg.Validation.CheckPrivateKeys),
		configrepo.WithLogger(logger),
	}
	if cfg.Secrets.Enabled {
		opts = append(opts, configrepo.WithSecrets(secrets.NewVault()))
	}
	e.repo = configrepo.New(client, opts...)

	var archiver taskrunner.Archiver
	if archive, err := taskarchive.Open(cfg.Archive.Path); err != nil {
		logger.WithError(err).Warn("task archive unavailable")
	} else {
		e.archive = archive
		archiver = archive
		e.closers = append(e.closers, archive)
	}
	e.orch = taskrunner.New(client, taskrunner.Options{
		PollInterval:    cfg.Tasks.PollInterval,
		MaxPollFailures: cfg.Tasks.MaxPollFailures,
		Archive:         archiver,
		Logger:          logger.WithField("component", "tasks"),
	})
	return e, nil
}

// runner 为子命令打开 env，命令结束（含出错）后关闭
type runner func(fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error

func newRootCmd(open envOpener) *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:          "dbcopier",
		Short:        "Copy databases with column masking through the copy engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML settings file (engine url, timeouts, archive path)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	run := runner(func(fn func(*cobra.Command, []string, *env) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := open(flags)
			if err != nil {
				return err
			}
			defer e.Close()
			return fn(cmd, args, e)
		}
	})
	root.AddCommand(
		newConfigsCmd(run),
		newCopyCmd(run),
		newStatusCmd(run),
		newStopCmd(run),
		newHistoryCmd(run),
	)
	return root
}
