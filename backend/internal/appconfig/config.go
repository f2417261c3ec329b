// Package appconfig loads the application's own settings: defaults, an optional
// YAML file, a .env file and DBCOPIER_* environment variables, in rising priority.
package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const AppName = "DBCopier"

type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Import     ImportConfig     `mapstructure:"import"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Log        LogConfig        `mapstructure:"log"`
	Validation ValidationConfig `mapstructure:"validation"`
}

type EngineConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

type TasksConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
}

type SecretsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ImportConfig: WatchDir 为空表示不启用导入目录
type ImportConfig struct {
	WatchDir string `mapstructure:"watch_dir"`
}

type ArchiveConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type ValidationConfig struct {
	CheckPrivateKeys bool `mapstructure:"check_private_keys"`
}

// DataDir is <user config dir>/DBCopier.
func DataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("获取用户配置目录失败: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

// Load reads settings. configPath may be empty; a named file must exist.
func Load(configPath string) (*Config, error) {
	// .env 不存在是正常情况
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DBCOPIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dataDir, err := DataDir()
	if err != nil {
		return nil, err
	}
	setDefaults(v, dataDir)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("engine.url", "ws://127.0.0.1:47821/engine")
	v.SetDefault("engine.request_timeout", 30*time.Second)
	v.SetDefault("engine.dial_timeout", 5*time.Second)
	v.SetDefault("tasks.poll_interval", time.Second)
	v.SetDefault("tasks.max_poll_failures", 5)
	v.SetDefault("secrets.enabled", false)
	v.SetDefault("import.watch_dir", "")
	v.SetDefault("archive.path", filepath.Join(dataDir, "tasks.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", filepath.Join(dataDir, "app.log"))
	v.SetDefault("validation.check_private_keys", true)
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.Engine.URL)
	if err != nil {
		return fmt.Errorf("invalid engine.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("engine.url must use ws or wss, got %q", cfg.Engine.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("engine.url has no host: %q", cfg.Engine.URL)
	}
	if cfg.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be greater than 0")
	}
	if cfg.Engine.DialTimeout <= 0 {
		return fmt.Errorf("engine.dial_timeout must be greater than 0")
	}
	if cfg.Tasks.PollInterval <= 0 {
		return fmt.Errorf("tasks.poll_interval must be greater than 0")
	}
	if cfg.Tasks.MaxPollFailures <= 0 {
		return fmt.Errorf("tasks.max_poll_failures must be greater than 0")
	}
	if cfg.Archive.Path == "" {
		return fmt.Errorf("archive.path is required")
	}
	return nil
}
