package types

import (
	"fmt"
	"regexp"
	"time"
)

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // e.g., "SUCCESS", "ERROR", "INFO"
	Message   string `json:"message"`
}

// SSLMode 为空表示使用引擎默认值
type SSLMode string

const (
	SSLDefault SSLMode = ""
	SSLDisable SSLMode = "disable"
	SSLRequire SSLMode = "require"
	SSLPrefer  SSLMode = "prefer"
)

type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthPrivateKey AuthType = "private_key"
)

// SSHConfig 内嵌在 DatabaseConfig 中，按值持有
type SSHConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Username       string   `json:"username"`
	AuthType       AuthType `json:"auth_type"`
	Password       string   `json:"password,omitempty"`
	PrivateKeyPath string   `json:"private_key_path,omitempty"`
	Passphrase     string   `json:"passphrase,omitempty"`
}

// SSHAuth is the tagged form of an SSH credential: PasswordAuth or PrivateKeyAuth.
type SSHAuth interface {
	authType() AuthType
}

type PasswordAuth struct {
	Password string
}

type PrivateKeyAuth struct {
	Path       string
	Passphrase string
}

func (PasswordAuth) authType() AuthType   { return AuthPassword }
func (PrivateKeyAuth) authType() AuthType { return AuthPrivateKey }

// NewSSHConfig builds an SSHConfig whose credential fields match its auth type.
func NewSSHConfig(host string, port int, username string, auth SSHAuth) (SSHConfig, error) {
	cfg := SSHConfig{Host: host, Port: port, Username: username}
	switch a := auth.(type) {
	case PasswordAuth:
		cfg.AuthType = AuthPassword
		cfg.Password = a.Password
	case PrivateKeyAuth:
		cfg.AuthType = AuthPrivateKey
		cfg.PrivateKeyPath = a.Path
		cfg.Passphrase = a.Passphrase
	default:
		return SSHConfig{}, NewValidationError("ssh.auth_type", "unsupported ssh auth")
	}
	if err := cfg.Validate(); err != nil {
		return SSHConfig{}, err
	}
	return cfg, nil
}

// Auth returns the credential variant selected by AuthType.
func (c SSHConfig) Auth() (SSHAuth, error) {
	switch c.AuthType {
	case AuthPassword:
		if c.Password == "" {
			return nil, NewValidationError("ssh.password", "password is required for password authentication")
		}
		return PasswordAuth{Password: c.Password}, nil
	case AuthPrivateKey:
		if c.PrivateKeyPath == "" {
			return nil, NewValidationError("ssh.private_key_path", "private_key_path is required for private_key authentication")
		}
		return PrivateKeyAuth{Path: c.PrivateKeyPath, Passphrase: c.Passphrase}, nil
	default:
		return nil, NewValidationError("ssh.auth_type", fmt.Sprintf("unknown auth_type %q", c.AuthType))
	}
}

func (c SSHConfig) Validate() error {
	if c.Host == "" {
		return NewValidationError("ssh.host", "ssh host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewValidationError("ssh.port", fmt.Sprintf("invalid ssh port %d", c.Port))
	}
	if c.Username == "" {
		return NewValidationError("ssh.username", "ssh username is required")
	}
	_, err := c.Auth()
	return err
}

type DatabaseConfig struct {
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Database  string     `json:"database"`
	Username  string     `json:"username"`
	Password  string     `json:"password"`
	SSLMode   SSLMode    `json:"ssl_mode,omitempty"`
	SSHConfig *SSHConfig `json:"ssh_config,omitempty"`
}

// Validate 校验连接端点，field 用于错误定位 (source_db / target_db)
func (d DatabaseConfig) Validate(field string) error {
	if d.Host == "" {
		return NewValidationError(field+".host", "host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return NewValidationError(field+".port", fmt.Sprintf("invalid port %d", d.Port))
	}
	if d.Database == "" {
		return NewValidationError(field+".database", "database is required")
	}
	if d.Username == "" {
		return NewValidationError(field+".username", "username is required")
	}
	switch d.SSLMode {
	case SSLDefault, SSLDisable, SSLRequire, SSLPrefer:
	default:
		return NewValidationError(field+".ssl_mode", fmt.Sprintf("unknown ssl_mode %q", d.SSLMode))
	}
	if d.SSHConfig != nil {
		if err := d.SSHConfig.Validate(); err != nil {
			return prefixField(err, field)
		}
	}
	return nil
}

// Endpoint renders user@host:port/database.
func (d DatabaseConfig) Endpoint() string {
	return fmt.Sprintf("%s@%s:%d/%s", d.Username, d.Host, d.Port, d.Database)
}

type MaskRuleType string

const (
	MaskNone    MaskRuleType = ""
	MaskHash    MaskRuleType = "hash"
	MaskFixed   MaskRuleType = "fixed"
	MaskPattern MaskRuleType = "pattern"
)

// MaskRule: fixed 规则的 Pattern 是替换字面量，pattern 规则的 Pattern 是生成表达式
type MaskRule struct {
	RuleType MaskRuleType `json:"rule_type"`
	Pattern  string       `json:"pattern,omitempty"`
}

func HashRule() MaskRule {
	return MaskRule{RuleType: MaskHash}
}

func FixedRule(value string) MaskRule {
	return MaskRule{RuleType: MaskFixed, Pattern: value}
}

func PatternRule(expr string) (MaskRule, error) {
	r := MaskRule{RuleType: MaskPattern, Pattern: expr}
	if err := r.Validate(); err != nil {
		return MaskRule{}, err
	}
	return r, nil
}

func (r MaskRule) Validate() error {
	switch r.RuleType {
	case MaskNone, MaskHash, MaskFixed:
		return nil
	case MaskPattern:
		if r.Pattern == "" {
			return NewValidationError("mask_rule.pattern", "pattern is required for pattern rules")
		}
		return nil
	default:
		return NewValidationError("mask_rule.rule_type", fmt.Sprintf("unknown rule_type %q", r.RuleType))
	}
}

// ChangeStatus 由结构对比设置，保存前清除
type ChangeStatus string

const (
	Unchanged ChangeStatus = ""
	Added     ChangeStatus = "Added"
	Removed   ChangeStatus = "Removed"
)

type ColumnConfig struct {
	Name     string       `json:"name"`
	MaskRule *MaskRule    `json:"mask_rule,omitempty"`
	Ignore   bool         `json:"ignore"`
	Status   ChangeStatus `json:"status,omitempty"`
}

type TableConfig struct {
	Name              string         `json:"name"`
	Columns           []ColumnConfig `json:"columns"`
	StructureOnly     bool           `json:"structure_only"`
	IgnoreForeignKeys bool           `json:"ignore_foreign_keys"`
	Ignore            bool           `json:"ignore"`
	Status            ChangeStatus   `json:"status,omitempty"`
	LastUpdated       *time.Time     `json:"last_updated,omitempty"`
}

// Clone returns a deep copy so callers never share column slices or rule pointers.
func (t TableConfig) Clone() TableConfig {
	out := t
	if t.Columns != nil {
		out.Columns = make([]ColumnConfig, len(t.Columns))
		for i, c := range t.Columns {
			out.Columns[i] = c.Clone()
		}
	}
	if t.LastUpdated != nil {
		ts := *t.LastUpdated
		out.LastUpdated = &ts
	}
	return out
}

func (c ColumnConfig) Clone() ColumnConfig {
	out := c
	if c.MaskRule != nil {
		r := *c.MaskRule
		out.MaskRule = &r
	}
	return out
}

func (t TableConfig) Validate() error {
	if t.Name == "" {
		return NewValidationError("tables.name", "table name is required")
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return NewValidationError("tables."+t.Name+".columns", "column name is required")
		}
		if _, dup := seen[c.Name]; dup {
			return NewValidationError("tables."+t.Name+".columns", fmt.Sprintf("duplicate column %q", c.Name))
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

var configNamePattern = regexp.MustCompile(`^[\p{L}0-9_]{2,50}$`)

// ValidateConfigName: 2-50 个字母(含中日韩文字)、数字或下划线
func ValidateConfigName(name string) error {
	if !configNamePattern.MatchString(name) {
		return NewValidationError("name", fmt.Sprintf("invalid config name %q: use 2-50 letters, digits or underscores", name))
	}
	return nil
}

type Config struct {
	Name     string         `json:"name"`
	SourceDB DatabaseConfig `json:"source_db"`
	TargetDB DatabaseConfig `json:"target_db"`
	Tables   []TableConfig  `json:"tables"`
}

func (c Config) Clone() Config {
	out := c
	out.SourceDB = c.SourceDB.clone()
	out.TargetDB = c.TargetDB.clone()
	if c.Tables != nil {
		out.Tables = make([]TableConfig, len(c.Tables))
		for i, t := range c.Tables {
			out.Tables[i] = t.Clone()
		}
	}
	return out
}

func (d DatabaseConfig) clone() DatabaseConfig {
	out := d
	if d.SSHConfig != nil {
		ssh := *d.SSHConfig
		out.SSHConfig = &ssh
	}
	return out
}

// Validate checks every structural invariant of a Config. Mask rules are checked
// separately by the masking package so that all column failures are reported together.
func (c Config) Validate() error {
	if err := ValidateConfigName(c.Name); err != nil {
		return err
	}
	if len(c.Tables) == 0 {
		return NewValidationError("tables", "at least one table is required")
	}
	if err := c.SourceDB.Validate("source_db"); err != nil {
		return err
	}
	if err := c.TargetDB.Validate("target_db"); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Tables))
	for _, t := range c.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.Name]; dup {
			return NewValidationError("tables", fmt.Sprintf("duplicate table %q", t.Name))
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// ClearStatus drops every transient diff tag, as a clean save requires.
func (c *Config) ClearStatus() {
	for i := range c.Tables {
		c.Tables[i].Status = Unchanged
		for j := range c.Tables[i].Columns {
			c.Tables[i].Columns[j].Status = Unchanged
		}
	}
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

type Progress struct {
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	TableName string `json:"table_name"`
}

type TaskStatus struct {
	ID        string    `json:"id"`
	Status    TaskState `json:"status"`
	StartTime string    `json:"start_time,omitempty"`
	EndTime   string    `json:"end_time,omitempty"`
	Message   string    `json:"message,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
}

func (s TaskStatus) Clone() TaskStatus {
	out := s
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	return out
}

type Task struct {
	ID     string     `json:"id"`
	Config Config     `json:"config"`
	Status TaskStatus `json:"status"`
	// CancelRequested 仅表示已发送停止请求，任务本身仍需等待引擎给出终态
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	Polling         bool   `json:"polling"`
	LastError       string `json:"last_error,omitempty"`
	// Seq 每次状态变化递增，观察者据此丢弃晚到的旧快照
	Seq uint64 `json:"seq"`
}

func (t Task) Clone() Task {
	out := t
	out.Config = t.Config.Clone()
	out.Status = t.Status.Clone()
	return out
}

// ConfigSummary 配置摘要信息
type ConfigSummary struct {
	SourceDB     string `json:"source_db"`
	TargetDB     string `json:"target_db"`
	TableCount   int    `json:"table_count"`
	TotalColumns int    `json:"total_columns"`
	HasSourceSSH bool   `json:"has_source_ssh"`
	HasTargetSSH bool   `json:"has_target_ssh"`
}

func Summarize(c Config) ConfigSummary {
	total := 0
	for _, t := range c.Tables {
		total += len(t.Columns)
	}
	return ConfigSummary{
		SourceDB:     c.SourceDB.Endpoint(),
		TargetDB:     c.TargetDB.Endpoint(),
		TableCount:   len(c.Tables),
		TotalColumns: total,
		HasSourceSSH: c.SourceDB.SSHConfig != nil,
		HasTargetSSH: c.TargetDB.SSHConfig != nil,
	}
}

type BatchFailure struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// BatchResult 批量操作的逐项统计
type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

func (b *BatchResult) Ok(item string) {
	b.Succeeded = append(b.Succeeded, item)
}

func (b *BatchResult) Fail(item string, err error) {
	b.Failed = append(b.Failed, BatchFailure{Item: item, Error: err.Error()})
}
