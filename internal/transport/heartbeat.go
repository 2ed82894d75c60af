package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"surveyagent/internal/logging"
	"surveyagent/internal/protocol"
)

const defaultHeartbeatInterval = 30 * time.Second

// Heartbeater registers an agent with the supervisor and then reports its
// status on every tick. Failures are logged and retried on the next tick.
type Heartbeater struct {
	Client       *Client
	Registration protocol.Registration
	Interval     time.Duration
	// Status reports the agent state and current task id for each beat.
	Status func() (state, taskID string)
	Log    *zap.Logger

	registered bool
}

// Run blocks until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) error {
	log := logging.OrNop(h.Log)
	interval := h.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.tick(ctx, log)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Heartbeater) tick(ctx context.Context, log *zap.Logger) {
	if !h.registered {
		if _, err := h.Client.Register(ctx, h.Registration); err != nil {
			log.Warn("Supervisor registration failed", zap.String("supervisor", h.Client.BaseURL), zap.Error(err))
			return
		}
		h.registered = true
		log.Info("Registered with supervisor", zap.String("supervisor", h.Client.BaseURL))
	}
	hb := protocol.Heartbeat{AgentID: h.Registration.AgentName, Status: "healthy"}
	if h.Status != nil {
		hb.Status, hb.CurrentTaskID = h.Status()
	}
	if _, err := h.Client.Heartbeat(ctx, hb); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			h.registered = false
		}
		log.Warn("Heartbeat failed", zap.Error(err))
		return
	}
	log.Debug("Heartbeat sent", zap.String("status", hb.Status))
}
