package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"surveyagent/internal/domain"
	"surveyagent/internal/engine"
	"surveyagent/internal/logging"
	"surveyagent/internal/ltm"
	"surveyagent/internal/protocol"
	"surveyagent/internal/questions"
	"surveyagent/internal/sentiment"
)

const outboxLimit = 1000

// Sender delivers envelopes to another agent. Delivery is fire-and-forget.
type Sender interface {
	Send(ctx context.Context, recipient string, env protocol.Envelope) error
}

type OutboxEntry struct {
	Recipient string            `json:"recipient"`
	Message   protocol.Envelope `json:"message"`
	QueuedAt  time.Time         `json:"queued_at"`
}

type Options struct {
	Identity     domain.AgentIdentity
	Name         string
	Version      string
	Capabilities []string
	// Scope defaults to the agent id.
	Scope  string
	Store  ltm.Store
	Sender Sender

	Classifier    sentiment.Classifier
	Questions     questions.Generator
	CooldownDays  int
	QuestionCount int
	AIModel       string

	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	Now                func() time.Time
	Log                *zap.Logger
}

// SurveyAgent is the proactive survey worker.
type SurveyAgent struct {
	identity     domain.AgentIdentity
	name         string
	version      string
	capabilities []string
	scope        string
	store        ltm.Store
	sender       Sender
	aiModel      string
	engine       engine.Engine
	lifecycle    *Lifecycle
	now          func() time.Time
	log          *zap.Logger

	mu     sync.Mutex
	outbox []OutboxEntry
}

var _ Worker = (*SurveyAgent)(nil)

func New(opts Options) (*SurveyAgent, error) {
	if opts.Identity.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	log := logging.OrNop(opts.Log).With(zap.String("agent_id", opts.Identity.AgentID))
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &SurveyAgent{
		identity:     opts.Identity,
		name:         opts.Name,
		version:      opts.Version,
		capabilities: append([]string(nil), opts.Capabilities...),
		scope:        opts.Scope,
		store:        opts.Store,
		sender:       opts.Sender,
		aiModel:      opts.AIModel,
		now:          now,
		log:          log,
	}
	if a.name == "" {
		a.name = opts.Identity.AgentID
	}
	if a.scope == "" {
		a.scope = opts.Identity.AgentID
	}
	cooldown := opts.CooldownDays
	if cooldown <= 0 {
		cooldown = engine.DefaultCooldownDays
	}
	a.engine = engine.New(opts.Classifier, opts.Questions, a, cooldown, opts.QuestionCount, log)
	a.engine.Now = now
	a.lifecycle = NewLifecycle(a, opts.MaxConcurrentTasks, opts.TaskTimeout, log)

	ltmState := "disabled"
	if a.store != nil {
		ltmState = a.store.Kind()
	}
	aiState := "fallback mode"
	if a.aiModel != "" {
		aiState = a.aiModel
	}
	log.Info("Agent initialized", zap.String("name", a.name), zap.String("version", a.version),
		zap.String("ai", aiState), zap.String("ltm", ltmState))
	return a, nil
}

func (a *SurveyAgent) Identity() domain.AgentIdentity { return a.identity }

func (a *SurveyAgent) Lifecycle() *Lifecycle { return a.lifecycle }

// ProcessTask runs the decision engine for one task.
func (a *SurveyAgent) ProcessTask(ctx context.Context, in domain.TaskInput) (domain.SurveyDecision, error) {
	return a.engine.Decide(ctx, in)
}

// Analyze runs a task that did not arrive as a message, under the same
// concurrency limit and timeout.
func (a *SurveyAgent) Analyze(ctx context.Context, in domain.TaskInput) (domain.SurveyDecision, error) {
	return a.lifecycle.Run(ctx, "analyze-"+uuid.NewString(), in)
}

func (a *SurveyAgent) HandleIncomingMessage(ctx context.Context, raw []byte) (*protocol.Envelope, error) {
	return a.lifecycle.HandleIncomingMessage(ctx, raw)
}

// SendMessage queues env in the outbox and hands it to the Sender when one is set.
func (a *SurveyAgent) SendMessage(ctx context.Context, recipient string, env protocol.Envelope) error {
	a.mu.Lock()
	a.outbox = append(a.outbox, OutboxEntry{Recipient: recipient, Message: env, QueuedAt: a.now().UTC()})
	if len(a.outbox) > outboxLimit {
		a.outbox = a.outbox[len(a.outbox)-outboxLimit:]
	}
	a.mu.Unlock()
	a.log.Debug("Message queued", zap.String("recipient", recipient), zap.String("type", string(env.Type)), zap.String("message_id", env.MessageID))

	if a.sender == nil {
		return nil
	}
	if err := a.sender.Send(ctx, recipient, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type, recipient, err)
	}
	return nil
}

// Outbox returns a copy of the queued messages, oldest first.
func (a *SurveyAgent) Outbox() []OutboxEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]OutboxEntry{}, a.outbox...)
}

// ClearOutbox empties the outbox and returns how many messages it held.
func (a *SurveyAgent) ClearOutbox() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.outbox)
	a.outbox = nil
	return n
}

func (a *SurveyAgent) WriteLTM(ctx context.Context, key string, value any) bool {
	if a.store == nil {
		a.log.Debug("LTM not available, skipping write", zap.String("key", key))
		return false
	}
	if err := a.store.Write(ctx, a.scope, key, value); err != nil {
		a.log.Error("LTM write failed", zap.String("key", key), zap.Error(err))
		return false
	}
	a.log.Debug("LTM write", zap.String("key", key))
	return true
}

func (a *SurveyAgent) ReadLTM(ctx context.Context, key string, dst any) bool {
	if a.store == nil {
		return false
	}
	entry, err := a.store.Read(ctx, a.scope, key)
	if err != nil {
		if !errors.Is(err, ltm.ErrNotFound) {
			a.log.Error("LTM read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := entry.Decode(dst); err != nil {
		a.log.Error("LTM read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	a.log.Debug("LTM read", zap.String("key", key))
	return true
}

// LTMKeys lists the keys stored under the agent's scope.
func (a *SurveyAgent) LTMKeys(ctx context.Context) ([]string, error) {
	if a.store == nil {
		return []string{}, nil
	}
	return a.store.ListKeys(ctx, a.scope)
}

// LTMEntry returns the raw entry for key.
func (a *SurveyAgent) LTMEntry(ctx context.Context, key string) (ltm.Entry, error) {
	if a.store == nil {
		return ltm.Entry{}, ltm.ErrNotFound
	}
	return a.store.Read(ctx, a.scope, key)
}

type Status struct {
	AgentID        string    `json:"agent_id"`
	AgentName      string    `json:"agent_name"`
	Version        string    `json:"version"`
	Status         string    `json:"status" enum:"healthy,degraded"`
	AIEnabled      bool      `json:"ai_enabled"`
	AIModel        string    `json:"ai_model"`
	SupervisorID   string    `json:"supervisor_id,omitempty"`
	Capabilities   []string  `json:"capabilities"`
	State          State     `json:"state" enum:"idle,executing,failed"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	LTMBackend     string    `json:"ltm_backend"`
	LTMDurable     bool      `json:"ltm_durable"`
	LTMKeys        int       `json:"ltm_keys"`
	QueuedMessages int       `json:"queued_messages"`
	Timestamp      time.Time `json:"timestamp"`
}

// Status reports health. An agent without durable LTM is degraded.
func (a *SurveyAgent) Status(ctx context.Context) Status {
	stats := a.lifecycle.Stats()
	st := Status{
		AgentID:        a.identity.AgentID,
		AgentName:      a.name,
		Version:        a.version,
		Status:         "healthy",
		AIEnabled:      a.aiModel != "",
		AIModel:        "fallback",
		SupervisorID:   a.identity.SupervisorID,
		Capabilities:   append([]string{}, a.capabilities...),
		State:          stats.State,
		CurrentTaskID:  stats.CurrentTaskID,
		TasksCompleted: stats.Completed,
		TasksFailed:    stats.Failed,
		LTMBackend:     "none",
		Timestamp:      a.now().UTC(),
	}
	if st.AIEnabled {
		st.AIModel = a.aiModel
	}
	if a.store != nil {
		st.LTMBackend = a.store.Kind()
		st.LTMDurable = a.store.Durable()
		if keys, err := a.store.ListKeys(ctx, a.scope); err == nil {
			st.LTMKeys = len(keys)
		}
	}
	if !st.LTMDurable {
		st.Status = "degraded"
	}
	a.mu.Lock()
	st.QueuedMessages = len(a.outbox)
	a.mu.Unlock()
	return st
}
