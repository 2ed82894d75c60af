// Package registry keeps the supervisor's view of its worker agents and the
// messages they sent. State lives in memory only.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"surveyagent/internal/logging"
	"surveyagent/internal/protocol"
)

const DefaultInboxLimit = 500

var ErrAgentNotFound = errors.New("agent not registered")

type Agent struct {
	AgentName     string    `json:"agent_name"`
	AgentType     string    `json:"agent_type"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Version       string    `json:"version"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type Message struct {
	Envelope   protocol.Envelope `json:"envelope"`
	ReceivedAt time.Time         `json:"received_at"`
}

type Registry struct {
	mu         sync.RWMutex
	agents     map[string]Agent
	inbox      []Message
	inboxLimit int
	Now        func() time.Time
	log        *zap.Logger
}

func New(inboxLimit int, log *zap.Logger) *Registry {
	if inboxLimit <= 0 {
		inboxLimit = DefaultInboxLimit
	}
	return &Registry{
		agents:     map[string]Agent{},
		inboxLimit: inboxLimit,
		Now:        time.Now,
		log:        logging.OrNop(log),
	}
}

func (r *Registry) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// Register adds or replaces an agent by name.
func (r *Registry) Register(reg protocol.Registration) (Agent, error) {
	if err := reg.Validate(); err != nil {
		return Agent{}, err
	}
	now := r.now()
	a := Agent{
		AgentName:     reg.AgentName,
		AgentType:     reg.AgentType,
		Host:          reg.Host,
		Port:          reg.Port,
		Version:       reg.Version,
		Capabilities:  append([]string{}, reg.Capabilities...),
		Status:        "active",
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.mu.Lock()
	r.agents[a.AgentName] = a
	r.mu.Unlock()
	r.log.Info("Agent registered", zap.String("agent", a.AgentName), zap.String("host", a.Host), zap.Int("port", a.Port))
	return a, nil
}

func (r *Registry) Heartbeat(hb protocol.Heartbeat) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[hb.AgentID]
	if !ok {
		r.log.Warn("Heartbeat from unregistered agent", zap.String("agent", hb.AgentID))
		return Agent{}, ErrAgentNotFound
	}
	if strings.TrimSpace(hb.Status) != "" {
		a.Status = hb.Status
	}
	a.CurrentTaskID = hb.CurrentTaskID
	a.LastHeartbeat = r.now()
	r.agents[hb.AgentID] = a
	r.log.Debug("Heartbeat", zap.String("agent", hb.AgentID), zap.String("status", a.Status))
	return a, nil
}

func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a, nil
}

// List returns agents ordered by name.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}

func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, name)
	r.log.Info("Agent deregistered", zap.String("agent", name))
	return nil
}

// Receive stores env in the inbox, dropping the oldest message when full.
func (r *Registry) Receive(env protocol.Envelope) Message {
	m := Message{Envelope: env, ReceivedAt: r.now()}
	r.mu.Lock()
	r.inbox = append(r.inbox, m)
	if len(r.inbox) > r.inboxLimit {
		r.inbox = r.inbox[len(r.inbox)-r.inboxLimit:]
	}
	r.mu.Unlock()
	r.log.Info("Message received",
		zap.String("sender", env.Sender),
		zap.String("type", string(env.Type)),
		zap.String("message_id", env.MessageID),
		zap.String("related_message_id", env.RelatedMessageID))
	return m
}

// Messages returns up to limit of the most recent messages, oldest first,
// optionally filtered by type. limit <= 0 means all.
func (r *Registry) Messages(limit int, typ protocol.MessageType) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Message, 0, len(r.inbox))
	for _, m := range r.inbox {
		if typ != "" && m.Envelope.Type != typ {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
