// Package config loads and validates executor configuration from a YAML or
// JSON file, a .env file and EXECUTOR_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. EXECUTOR_POLL_INTERVAL.
const EnvPrefix = "EXECUTOR_"

// ActuatorCommands maps each actuation primitive to an external command line.
// The text to send is passed on stdin.
type ActuatorCommands struct {
	SendText        []string `json:"send_text" yaml:"send_text"`
	SendContinue    []string `json:"send_continue" yaml:"send_continue"`
	NewConversation []string `json:"new_conversation" yaml:"new_conversation"`
	PressKey        []string `json:"press_key" yaml:"press_key"`
}

// Config holds the executor's runtime configuration.
type Config struct {
	DevplanHost string `json:"devplan_host" yaml:"devplan_host"`
	DevplanPort int    `json:"devplan_port" yaml:"devplan_port"`
	ProjectName string `json:"project_name" yaml:"project_name"`
	ExecutorID  string `json:"executor_id" yaml:"executor_id"`

	PollInterval int `json:"poll_interval" yaml:"poll_interval"`
	HTTPTimeout  int `json:"http_timeout" yaml:"http_timeout"`

	MaxContinueRetries     int     `json:"max_continue_retries" yaml:"max_continue_retries"`
	StatusTriggerThreshold int     `json:"status_trigger_threshold" yaml:"status_trigger_threshold"`
	MinSendInterval        float64 `json:"min_send_interval" yaml:"min_send_interval"`

	DisableVision           bool   `json:"disable_vision" yaml:"disable_vision"`
	ClassifierURL           string `json:"classifier_url" yaml:"classifier_url"`
	StallThreshold          int    `json:"stall_threshold" yaml:"stall_threshold"`
	FallbackNoChangeTimeout int    `json:"fallback_no_change_timeout" yaml:"fallback_no_change_timeout"`

	LogMonitorEnabled       *bool  `json:"log_monitor_enabled" yaml:"log_monitor_enabled"`
	LogMonitorPath          string `json:"log_monitor_path" yaml:"log_monitor_path"`
	LogMonitorIdleThreshold int    `json:"log_monitor_idle_threshold" yaml:"log_monitor_idle_threshold"`

	RateLimitWait          int `json:"rate_limit_wait" yaml:"rate_limit_wait"`
	ContextOverflowWait    int `json:"context_overflow_wait" yaml:"context_overflow_wait"`
	StallEscalateThreshold int `json:"stall_escalate_threshold" yaml:"stall_escalate_threshold"`

	NetworkBackoffBase             int     `json:"network_backoff_base" yaml:"network_backoff_base"`
	NetworkBackoffMax              int     `json:"network_backoff_max" yaml:"network_backoff_max"`
	NetworkBackoffJitterRatio      float64 `json:"network_backoff_jitter_ratio" yaml:"network_backoff_jitter_ratio"`
	CircuitBreakerFailureThreshold int     `json:"circuit_breaker_failure_threshold" yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerOpenSeconds      int     `json:"circuit_breaker_open_seconds" yaml:"circuit_breaker_open_seconds"`
	NetworkRecoveryWindowSeconds   int     `json:"network_recovery_window_seconds" yaml:"network_recovery_window_seconds"`
	NetworkRecoveryWindowCooldown  int     `json:"network_recovery_window_cooldown" yaml:"network_recovery_window_cooldown"`

	// AutoStartNextPhase and LogMonitorEnabled are pointers so an explicit
	// false in the file is distinguishable from an omitted key.
	AutoStartNextPhase *bool  `json:"auto_start_next_phase" yaml:"auto_start_next_phase"`
	ContinueCommand    string `json:"continue_command" yaml:"continue_command"`
	KeepAliveOnAllDone bool   `json:"keep_alive_on_all_done" yaml:"keep_alive_on_all_done"`
	MaxActionsPerMin   int    `json:"max_actions_per_minute" yaml:"max_actions_per_minute"`

	UIPort int  `json:"ui_port" yaml:"ui_port"`
	NoUI   bool `json:"no_ui" yaml:"no_ui"`

	LogDir          string `json:"log_dir" yaml:"log_dir"`
	LogLevel        string `json:"log_level" yaml:"log_level"`
	DBPath          string `json:"db_path" yaml:"db_path"`
	MaxHistoryLines int    `json:"max_history_lines" yaml:"max_history_lines"`
	MaxEvents       int    `json:"max_events" yaml:"max_events"`

	Actuator         string           `json:"actuator" yaml:"actuator"`
	ActuatorCommands ActuatorCommands `json:"actuator_commands" yaml:"actuator_commands"`
}

// Load reads a YAML or JSON config file (chosen by extension), merges a .env
// file found next to it, applies EXECUTOR_* overrides, fills defaults and
// validates. An empty path skips the file and uses env and defaults only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, err
		}
		if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a validated configuration built from defaults only.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Save writes the configuration back to path, in YAML or JSON by extension.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isJSON(path) {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config JSON: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}
	return nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// loadDotEnv populates the process environment from a .env file without
// overriding variables that are already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides scalar fields from EXECUTOR_<YAML_KEY> variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	var problems []string

	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if key == "" || key == "-" {
			continue
		}
		raw, ok := lookup(EnvPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := setScalar(v.Field(i), raw); err != nil {
			problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, strings.ToUpper(key), err))
		}
	}

	if len(problems) > 0 {
		return invalid(problems)
	}
	return nil
}

func setScalar(f reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Pointer:
		if f.Type().Elem().Kind() != reflect.Bool {
			return fmt.Errorf("unsupported override type %s", f.Type())
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(&b))
	default:
		return fmt.Errorf("unsupported override type %s", f.Type())
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DevplanHost == "" {
		c.DevplanHost = "127.0.0.1"
	}
	if c.DevplanPort == 0 {
		c.DevplanPort = 3210
	}
	if c.ProjectName == "" {
		c.ProjectName = "ai_db"
	}
	if c.ExecutorID == "" {
		c.ExecutorID = "executor-" + uuid.New().String()[:8]
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10
	}
	if c.MaxContinueRetries == 0 {
		c.MaxContinueRetries = 5
	}
	if c.StatusTriggerThreshold == 0 {
		c.StatusTriggerThreshold = 3
	}
	if c.MinSendInterval == 0 {
		c.MinSendInterval = 5
	}
	if c.StallThreshold == 0 {
		c.StallThreshold = 4
	}
	if c.FallbackNoChangeTimeout == 0 {
		c.FallbackNoChangeTimeout = 90
	}
	if c.LogMonitorEnabled == nil {
		on := true
		c.LogMonitorEnabled = &on
	}
	if c.LogMonitorIdleThreshold == 0 {
		c.LogMonitorIdleThreshold = 30
	}
	if c.RateLimitWait == 0 {
		c.RateLimitWait = 60
	}
	if c.ContextOverflowWait == 0 {
		c.ContextOverflowWait = 3
	}
	if c.StallEscalateThreshold == 0 {
		c.StallEscalateThreshold = 3
	}
	if c.NetworkBackoffBase == 0 {
		c.NetworkBackoffBase = 5
	}
	if c.NetworkBackoffMax == 0 {
		c.NetworkBackoffMax = 120
	}
	if c.NetworkBackoffJitterRatio == 0 {
		c.NetworkBackoffJitterRatio = 0.25
	}
	if c.CircuitBreakerFailureThreshold == 0 {
		c.CircuitBreakerFailureThreshold = 4
	}
	if c.CircuitBreakerOpenSeconds == 0 {
		c.CircuitBreakerOpenSeconds = 90
	}
	if c.NetworkRecoveryWindowSeconds == 0 {
		c.NetworkRecoveryWindowSeconds = 900
	}
	if c.NetworkRecoveryWindowCooldown == 0 {
		c.NetworkRecoveryWindowCooldown = 300
	}
	if c.AutoStartNextPhase == nil {
		on := true
		c.AutoStartNextPhase = &on
	}
	if c.ContinueCommand == "" {
		c.ContinueCommand = "continue"
	}
	if c.MaxActionsPerMin == 0 {
		c.MaxActionsPerMin = 20
	}
	if c.UIPort == 0 {
		c.UIPort = 5000
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.LogDir, "executor.db")
	}
	if c.MaxHistoryLines == 0 {
		c.MaxHistoryLines = 200
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 20
	}
	if c.Actuator == "" {
		c.Actuator = "dry-run"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DevplanPort < 1 || c.DevplanPort > 65535 {
		problems = append(problems, "devplan_port must be between 1 and 65535")
	}
	if c.PollInterval < 1 {
		problems = append(problems, "poll_interval must be positive")
	}
	if c.HTTPTimeout < 1 {
		problems = append(problems, "http_timeout must be positive")
	}
	if c.StatusTriggerThreshold < 1 {
		problems = append(problems, "status_trigger_threshold must be positive")
	}
	if c.MaxContinueRetries < 1 {
		problems = append(problems, "max_continue_retries must be positive")
	}
	if c.MinSendInterval < 0 {
		problems = append(problems, "min_send_interval must not be negative")
	}
	if c.NetworkBackoffJitterRatio < 0 || c.NetworkBackoffJitterRatio >= 1 {
		problems = append(problems, "network_backoff_jitter_ratio must be in [0, 1)")
	}
	if c.NetworkBackoffMax < c.NetworkBackoffBase {
		problems = append(problems, "network_backoff_max must be >= network_backoff_base")
	}
	if c.CircuitBreakerFailureThreshold < 1 {
		problems = append(problems, "circuit_breaker_failure_threshold must be positive")
	}
	if c.MaxActionsPerMin < 0 {
		problems = append(problems, "max_actions_per_minute must not be negative")
	}
	if c.MaxHistoryLines < 2 {
		problems = append(problems, "max_history_lines must be at least 2")
	}
	if c.UIPort < 1 || c.UIPort > 65535 {
		problems = append(problems, "ui_port must be between 1 and 65535")
	}
	switch c.Actuator {
	case "dry-run":
	case "command":
		if len(c.ActuatorCommands.SendText) == 0 {
			problems = append(problems, "actuator_commands.send_text is required for the command actuator")
		}
	default:
		problems = append(problems, fmt.Sprintf("actuator %q is not one of dry-run, command", c.Actuator))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if len(problems) > 0 {
		return invalid(problems)
	}
	return nil
}

func invalid(problems []string) error {
	return &domain.EngineError{
		Code:    domain.ErrConfigInvalid.Code,
		Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
	}
}

// DevplanBaseURL returns the task graph service's base URL.
func (c *Config) DevplanBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.DevplanHost, c.DevplanPort)
}

// AutoStart reports whether new phases are started automatically.
func (c *Config) AutoStart() bool {
	return c.AutoStartNextPhase == nil || *c.AutoStartNextPhase
}

// LogMonitorOn reports whether the log-tail activity sensor is enabled.
func (c *Config) LogMonitorOn() bool {
	return c.LogMonitorEnabled == nil || *c.LogMonitorEnabled
}

// PollEvery returns the loop interval.
func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// RequestTimeout returns the per-call timeout for external collaborators.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

// DashboardAddr returns the dashboard's listen address.
func (c *Config) DashboardAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.UIPort)
}
