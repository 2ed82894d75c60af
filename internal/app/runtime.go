// Package app assembles the agent runtime from a resolved config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"surveyagent/internal/agent"
	"surveyagent/internal/ai"
	"surveyagent/internal/config"
	"surveyagent/internal/domain"
	"surveyagent/internal/logging"
	"surveyagent/internal/ltm"
	"surveyagent/internal/protocol"
	"surveyagent/internal/questions"
	"surveyagent/internal/sentiment"
	"surveyagent/internal/transport"
)

// ResolveConfig picks the config source: an explicit file wins, then the
// workspace file, then the defaults.
func ResolveConfig(workspace, file string) (*config.Config, error) {
	if strings.TrimSpace(file) != "" {
		return config.FromFile(file)
	}
	return config.Load(workspace)
}

// Runtime holds everything built from one config.
type Runtime struct {
	Config     *config.Config
	Agent      *agent.SurveyAgent
	Store      ltm.Store
	Supervisor *transport.Client
	Log        *zap.Logger
}

// Build constructs the LTM store, the AI client (when enabled and keyed) and
// the agent. Neither storage nor AI problems stop the agent from starting.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logging.OrNop(log)

	store, err := ltm.Open(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	var (
		sentimentModel sentiment.Model
		questionModel  questions.Model
		modelName      string
	)
	switch {
	case !cfg.AI.Enabled:
		log.Info("AI disabled, running in fallback mode")
	case strings.TrimSpace(cfg.AI.APIKey) == "":
		log.Warn("No Gemini API key configured, running in fallback mode")
	default:
		gemini, err := ai.NewGemini(ctx, ai.Config{APIKey: cfg.AI.APIKey, Model: cfg.AI.Model})
		if err != nil {
			log.Warn("Gemini client unavailable, running in fallback mode", zap.Error(err))
			break
		}
		sentimentModel, questionModel, modelName = gemini, gemini, gemini.Name()
	}

	rt := &Runtime{Config: cfg, Store: store, Log: log}
	var sender agent.Sender
	if strings.TrimSpace(cfg.Supervisor.URL) != "" {
		rt.Supervisor = transport.NewClient(cfg.Supervisor.URL)
		rt.Supervisor.BearerToken = cfg.Supervisor.Token
		sender = transport.Sender{Client: rt.Supervisor}
	}

	a, err := agent.New(agent.Options{
		Identity:           domain.AgentIdentity{AgentID: cfg.Agent.ID, SupervisorID: cfg.Agent.SupervisorID},
		Name:               cfg.Agent.Name,
		Version:            cfg.Agent.Version,
		Capabilities:       cfg.Agent.Capabilities,
		Store:              store,
		Sender:             sender,
		Classifier:         sentiment.WithFallback(sentimentModel, cfg.AI.Timeout(), log),
		Questions:          questions.WithFallback(questionModel, cfg.AI.Timeout(), log),
		CooldownDays:       cfg.Survey.CooldownDays,
		QuestionCount:      cfg.Survey.QuestionCount,
		AIModel:            modelName,
		MaxConcurrentTasks: cfg.Agent.MaxConcurrentTasks,
		TaskTimeout:        cfg.Agent.TaskTimeout(),
		Log:                log,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.Agent = a
	return rt, nil
}

// Heartbeater returns the registration loop for this agent, or nil when no
// supervisor is configured.
func (r *Runtime) Heartbeater() (*transport.Heartbeater, error) {
	if r.Supervisor == nil {
		return nil, nil
	}
	host, portStr, err := net.SplitHostPort(r.Config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("server.addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("server.addr port: %w", err)
	}
	lifecycle := r.Agent.Lifecycle()
	return &transport.Heartbeater{
		Client: r.Supervisor,
		Registration: protocol.Registration{
			AgentName:    r.Config.Agent.ID,
			AgentType:    r.Config.Agent.Type,
			Host:         host,
			Port:         port,
			Version:      r.Config.Agent.Version,
			Capabilities: append([]string{}, r.Config.Agent.Capabilities...),
		},
		Interval: r.Config.Supervisor.HeartbeatInterval(),
		Status: func() (string, string) {
			stats := lifecycle.Stats()
			return string(stats.State), stats.CurrentTaskID
		},
		Log: r.Log,
	}, nil
}

func (r *Runtime) Close() error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Close()
}
