// Package protocol defines the envelopes exchanged between worker agents and a
// supervisor. The payload is a tagged union keyed by the envelope type and is
// decoded through the typed accessors below.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"surveyagent/internal/domain"
)

type MessageType string

const (
	TypeTaskAssignment    MessageType = "task_assignment"
	TypeCompletionReport  MessageType = "completion_report"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeAgentRegistration MessageType = "agent_registration"
	TypeStatusRequest     MessageType = "status_request"
	TypeStatusResponse    MessageType = "status_response"
	TypeError             MessageType = "error"
)

func (t MessageType) Known() bool {
	switch t {
	case TypeTaskAssignment, TypeCompletionReport, TypeHeartbeat,
		TypeAgentRegistration, TypeStatusRequest, TypeStatusResponse, TypeError:
		return true
	}
	return false
}

type TaskStatus string

const (
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailed  TaskStatus = "FAILED"
)

// UnmarshalJSON folds the legacy FAILURE spelling into FAILED.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS":
		*s = StatusSuccess
	case "FAILED", "FAILURE":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown task status %q", raw)
	}
	return nil
}

// Error kinds carried in a FAILED completion report.
const (
	ErrorTypeValidation = "validation"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeExecution  = "execution"
	ErrorTypeMalformed  = "malformed"
)

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrWrongType   = errors.New("protocol: payload does not match message type")
)

type Envelope struct {
	MessageID        string          `json:"message_id"`
	Sender           string          `json:"sender"`
	Recipient        string          `json:"recipient"`
	Type             MessageType     `json:"type"`
	RelatedMessageID string          `json:"related_message_id,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	// Task is the task field of the older wire format, read only on input.
	Task      json.RawMessage `json:"task,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type TaskAssignment struct {
	Name  string           `json:"name,omitempty"`
	Input domain.TaskInput `json:"parameters"`
}

type ErrorDescriptor struct {
	Type    string `json:"error_type"`
	Message string `json:"message"`
}

type CompletionReport struct {
	Status  TaskStatus             `json:"status"`
	Results *domain.SurveyDecision `json:"results,omitempty"`
	Error   *ErrorDescriptor       `json:"error,omitempty"`
}

type Heartbeat struct {
	AgentID       string `json:"agent_id"`
	Status        string `json:"status"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

type Registration struct {
	AgentName    string   `json:"agent_name"`
	AgentType    string   `json:"agent_type"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.AgentName) == "" {
		return fmt.Errorf("%w: agent_name is required", ErrMalformed)
	}
	return nil
}

// Parse decodes an inbound envelope and checks the fields every message needs.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.MessageID) == "" {
		return env, fmt.Errorf("%w: message_id is required", ErrMalformed)
	}
	if strings.TrimSpace(env.Sender) == "" {
		return env, fmt.Errorf("%w: sender is required", ErrMalformed)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	if !env.Type.Known() {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// NewEnvelope stamps a fresh message id and timestamp on payload.
func NewEnvelope(sender, recipient string, typ MessageType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{
		MessageID: uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Type:      typ,
		Payload:   data,
		Timestamp: Timestamp(time.Now()),
	}, nil
}

// NewCompletionReport answers inbound; the report goes back to its sender.
func NewCompletionReport(inbound Envelope, sender string, report CompletionReport) (Envelope, error) {
	env, err := NewEnvelope(sender, inbound.Sender, TypeCompletionReport, report)
	if err != nil {
		return Envelope{}, err
	}
	env.RelatedMessageID = inbound.MessageID
	return env, nil
}

func Success(d domain.SurveyDecision) CompletionReport {
	return CompletionReport{Status: StatusSuccess, Results: &d}
}

func Failure(errorType, message string) CompletionReport {
	return CompletionReport{Status: StatusFailed, Error: &ErrorDescriptor{Type: errorType, Message: message}}
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// TaskAssignment decodes the task carried by a task_assignment envelope. The
// payload may be a bare TaskInput or {name, parameters}; the legacy task field
// is used when payload is absent.
func (e Envelope) TaskAssignment() (TaskAssignment, error) {
	if e.Type != TypeTaskAssignment {
		return TaskAssignment{}, fmt.Errorf("%w: %s", ErrWrongType, e.Type)
	}
	raw := e.Payload
	if isEmpty(raw) {
		raw = e.Task
	}
	if isEmpty(raw) {
		return TaskAssignment{}, fmt.Errorf("%w: task_assignment without payload", ErrMalformed)
	}
	var wrapped struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return TaskAssignment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body := raw
	if !isEmpty(wrapped.Parameters) {
		body = wrapped.Parameters
	}
	var in domain.TaskInput
	if err := json.Unmarshal(body, &in); err != nil {
		return TaskAssignment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return TaskAssignment{Name: wrapped.Name, Input: in}, nil
}

func (e Envelope) CompletionReport() (CompletionReport, error) {
	var r CompletionReport
	if err := e.decode(TypeCompletionReport, &r); err != nil {
		return CompletionReport{}, err
	}
	if r.Status == "" {
		return CompletionReport{}, fmt.Errorf("%w: status is required", ErrMalformed)
	}
	return r, nil
}

func (e Envelope) Heartbeat() (Heartbeat, error) {
	var h Heartbeat
	if err := e.decode(TypeHeartbeat, &h); err != nil {
		return Heartbeat{}, err
	}
	if h.AgentID == "" {
		h.AgentID = e.Sender
	}
	return h, nil
}

func (e Envelope) decode(want MessageType, dst any) error {
	if e.Type != want {
		return fmt.Errorf("%w: %s", ErrWrongType, e.Type)
	}
	if isEmpty(e.Payload) {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, want)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
