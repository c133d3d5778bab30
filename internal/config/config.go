package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	CA         CAConfig         `yaml:"ca"`
	Keys       KeysConfig       `yaml:"keys"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Judge      JudgeConfig      `yaml:"judge"`
	TACP       TACPConfig       `yaml:"tacp"`
	Traces     TracesConfig     `yaml:"traces"`
	Redis      RedisConfig      `yaml:"redis"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type CAConfig struct {
	KeyPath              string `yaml:"key_path"`
	Issuer               string `yaml:"issuer"`
	CertVersion          string `yaml:"cert_version"`
	DefaultValidityDays  int    `yaml:"default_validity_days"`
	ExpirySweepSchedule  string `yaml:"expiry_sweep_schedule"`
}

type KeysConfig struct {
	Dir string `yaml:"dir"`
}

type EvaluationConfig struct {
	Parallel           int `yaml:"parallel"`
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
	EvalTimeoutMinutes int `yaml:"eval_timeout_minutes"`
	TrialsPerTask      int `yaml:"trials_per_task"`
}

type JudgeConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	Model      string  `yaml:"model"`
	APIKeyEnv  string  `yaml:"api_key_env"`
	MaxRetries int     `yaml:"max_retries"`
	TimeoutSec int     `yaml:"timeout_seconds"`
	Temperature float64 `yaml:"temperature"`
}

type TACPConfig struct {
	ChallengeTTLSeconds int    `yaml:"challenge_ttl_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	MaxTasksPerSession  int    `yaml:"max_tasks_per_session"`
	MaxMessagesPerSession int  `yaml:"max_messages_per_session"`
	SweepSchedule       string `yaml:"sweep_schedule"`
}

type TracesConfig struct {
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	RetentionDays    int    `yaml:"retention_days"`
	PruneSchedule    string `yaml:"prune_schedule"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, for tests and for
// running without a config file.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/agentcert.db"
	}
	if c.CA.KeyPath == "" {
		c.CA.KeyPath = "data/ca.key"
	}
	if c.CA.Issuer == "" {
		c.CA.Issuer = "agentcert-root"
	}
	if c.CA.CertVersion == "" {
		c.CA.CertVersion = "1.0"
	}
	if c.CA.DefaultValidityDays <= 0 {
		c.CA.DefaultValidityDays = 365
	}
	if c.CA.ExpirySweepSchedule == "" {
		c.CA.ExpirySweepSchedule = "@every 1m"
	}
	if c.Keys.Dir == "" {
		c.Keys.Dir = "data/keys"
	}
	if c.Evaluation.Parallel <= 0 {
		c.Evaluation.Parallel = 5
	}
	if c.Evaluation.TaskTimeoutSeconds <= 0 {
		c.Evaluation.TaskTimeoutSeconds = 60
	}
	if c.Evaluation.EvalTimeoutMinutes <= 0 {
		c.Evaluation.EvalTimeoutMinutes = 30
	}
	if c.Evaluation.TrialsPerTask <= 0 {
		c.Evaluation.TrialsPerTask = 1
	}
	if c.Judge.MaxRetries <= 0 {
		c.Judge.MaxRetries = 3
	}
	if c.Judge.TimeoutSec <= 0 {
		c.Judge.TimeoutSec = 30
	}
	if c.Judge.APIKeyEnv == "" {
		c.Judge.APIKeyEnv = "JUDGE_API_KEY"
	}
	if c.TACP.ChallengeTTLSeconds <= 0 {
		c.TACP.ChallengeTTLSeconds = 60
	}
	if c.TACP.IdleTimeoutSeconds <= 0 {
		c.TACP.IdleTimeoutSeconds = 600
	}
	if c.TACP.MaxTasksPerSession <= 0 {
		c.TACP.MaxTasksPerSession = 100
	}
	if c.TACP.MaxMessagesPerSession <= 0 {
		c.TACP.MaxMessagesPerSession = 10000
	}
	if c.TACP.SweepSchedule == "" {
		c.TACP.SweepSchedule = "@every 15s"
	}
	if c.Traces.SubscriberBuffer <= 0 {
		c.Traces.SubscriberBuffer = 256
	}
	if c.Traces.RetentionDays <= 0 {
		c.Traces.RetentionDays = 90
	}
	if c.Traces.PruneSchedule == "" {
		c.Traces.PruneSchedule = "@daily"
	}
}

// ChallengeTTL returns the trust-challenge TTL as a duration.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.TACP.ChallengeTTLSeconds) * time.Second
}

// SessionIdleTimeout returns the session idle timeout as a duration.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.TACP.IdleTimeoutSeconds) * time.Second
}
