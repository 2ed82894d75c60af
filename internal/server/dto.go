package server

import (
	"encoding/json"
	"time"

	"surveyagent/internal/agent"
	"surveyagent/internal/protocol"
	"surveyagent/internal/registry"
)

// Response payloads

type MessageAck struct {
	Status    string             `json:"status" enum:"completed,accepted,received"`
	MessageID string             `json:"message_id"`
	Report    *protocol.Envelope `json:"report,omitempty"`
}

type LTMKeysResponse struct {
	Scope string   `json:"scope"`
	Keys  []string `json:"keys"`
}

type LTMEntryResponse struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

type OutboxResponse struct {
	Items []agent.OutboxEntry `json:"items"`
}

type AgentsResponse struct {
	Agents []registry.Agent `json:"agents"`
}

type MessagesResponse struct {
	Messages []registry.Message `json:"messages"`
}

type RegisterResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Agent   registry.Agent `json:"agent"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
