package app

import (
	"strings"

	"surveyagent/internal/config"
)

// Overrides carries flag and environment values resolved by the CLI. Empty
// fields leave the config untouched.
type Overrides struct {
	AgentID         string
	Addr            string
	BasePath        string
	StorageBackend  string
	StoragePath     string
	GeminiAPIKey    string
	AIModel         string
	DisableAI       bool
	SupervisorURL   string
	SupervisorToken string
	AutoRegister    bool
	JWTSecret       string
	LogLevel        string
}

// Apply writes the non-empty overrides into cfg and revalidates it.
func (o Overrides) Apply(cfg *config.Config) error {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Agent.ID, o.AgentID)
	set(&cfg.Server.Addr, o.Addr)
	set(&cfg.Server.BasePath, o.BasePath)
	set(&cfg.Server.JWTSecret, o.JWTSecret)
	set(&cfg.Storage.Backend, o.StorageBackend)
	set(&cfg.Storage.BasePath, o.StoragePath)
	set(&cfg.AI.APIKey, o.GeminiAPIKey)
	set(&cfg.AI.Model, o.AIModel)
	set(&cfg.Supervisor.URL, o.SupervisorURL)
	set(&cfg.Supervisor.Token, o.SupervisorToken)
	set(&cfg.Logging.Level, o.LogLevel)
	if o.DisableAI {
		cfg.AI.Enabled = false
	}
	if o.AutoRegister {
		cfg.Supervisor.AutoRegister = true
	}
	return cfg.Validate()
}
