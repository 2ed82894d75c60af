package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "surveyagent.yml"

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config models surveyagent.yml.
type Config struct {
	Agent      Agent      `yaml:"agent" json:"agent"`
	Survey     Survey     `yaml:"survey" json:"survey"`
	Storage    Storage    `yaml:"storage" json:"storage"`
	AI         AI         `yaml:"ai" json:"ai"`
	Supervisor Supervisor `yaml:"supervisor" json:"supervisor"`
	Server     Server     `yaml:"server" json:"server"`
	Logging    Logging    `yaml:"logging" json:"logging"`
}

type Agent struct {
	ID                 string   `yaml:"id" json:"id"`
	Name               string   `yaml:"name" json:"name"`
	Type               string   `yaml:"type" json:"type"`
	Version            string   `yaml:"version" json:"version"`
	SupervisorID       string   `yaml:"supervisor_id" json:"supervisor_id"`
	Capabilities       []string `yaml:"capabilities" json:"capabilities"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	TaskTimeoutSeconds int      `yaml:"task_timeout_seconds" json:"task_timeout_seconds"`
}

type Survey struct {
	CooldownDays  int `yaml:"cooldown_days" json:"cooldown_days"`
	QuestionCount int `yaml:"question_count" json:"question_count"`
}

type Storage struct {
	Backend  string `yaml:"backend" json:"backend"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

type AI struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Model          string `yaml:"model" json:"model"`
	APIKey         string `yaml:"api_key" json:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type Supervisor struct {
	URL              string `yaml:"url" json:"url"`
	AutoRegister     bool   `yaml:"auto_register" json:"auto_register"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`
	Token            string `yaml:"token" json:"-"`
}

type Server struct {
	Addr      string `yaml:"addr" json:"addr"`
	BasePath  string `yaml:"base_path" json:"base_path"`
	JWTSecret string `yaml:"jwt_secret" json:"-"`
}

type Logging struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// TaskTimeout is the caller-imposed limit at the message-handling boundary.
func (a Agent) TaskTimeout() time.Duration {
	return time.Duration(a.TaskTimeoutSeconds) * time.Second
}

// Cooldown returns the minimum interval between surveys.
func (s Survey) Cooldown() time.Duration {
	return time.Duration(s.CooldownDays) * 24 * time.Hour
}

func (a AI) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (s Supervisor) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.ID) == "" {
		return fmt.Errorf("config.agent.id is required")
	}
	if c.Agent.MaxConcurrentTasks < 1 {
		return fmt.Errorf("config.agent.max_concurrent_tasks must be at least 1")
	}
	if c.Agent.TaskTimeoutSeconds < 0 {
		return fmt.Errorf("config.agent.task_timeout_seconds must not be negative")
	}
	if c.Survey.CooldownDays < 0 {
		return fmt.Errorf("config.survey.cooldown_days must not be negative")
	}
	if c.Survey.QuestionCount < 1 || c.Survey.QuestionCount > 20 {
		return fmt.Errorf("config.survey.question_count must be between 1 and 20")
	}
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
		if strings.TrimSpace(c.Storage.BasePath) == "" {
			return fmt.Errorf("config.storage.base_path is required for backend %s", c.Storage.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config.storage.backend must be one of file, sqlite, memory")
	}
	if c.AI.Enabled && strings.TrimSpace(c.AI.Model) == "" {
		return fmt.Errorf("config.ai.model is required when ai is enabled")
	}
	if c.AI.TimeoutSeconds < 0 {
		return fmt.Errorf("config.ai.timeout_seconds must not be negative")
	}
	if c.Supervisor.HeartbeatSeconds < 0 {
		return fmt.Errorf("config.supervisor.heartbeat_seconds must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not supported", c.Logging.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agentID string) string {
	return fmt.Sprintf(defaultTemplate, agentID)
}

// Default returns the default Config struct for an agent.
func Default(agentID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(agentID))).Decode(&cfg)
	return &cfg
}

// Load reads and validates config from workspace, falling back to defaults when missing.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default("ProactiveSurveyAgent"), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("ProactiveSurveyAgent")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML. Secrets are included.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `agent:
  id: %s
  name: ProactiveSurveyAgent
  type: survey_agent
  version: 1.0.0
  supervisor_id: SupervisorRegistry
  capabilities: [sentiment_analysis, survey_trigger, question_generation]
  max_concurrent_tasks: 1
  task_timeout_seconds: 30

survey:
  cooldown_days: 30
  question_count: 3

storage:
  backend: file
  base_path: shared/LTM

ai:
  enabled: true
  model: gemini-2.0-flash
  timeout_seconds: 10

supervisor:
  url: http://localhost:8000
  auto_register: false
  heartbeat_seconds: 30

server:
  addr: 127.0.0.1:8001
  base_path: ""

logging:
  level: info
  development: false
`
