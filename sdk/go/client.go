package surveysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a minimal survey agent HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TaskInput is the analyze request.
type TaskInput struct {
	UserID         string `json:"user_id"`
	RecentActivity string `json:"recent_activity"`
	LastPurchase   string `json:"last_purchase,omitempty"`
	LastSurveyDate string `json:"last_survey_date,omitempty"`
}

// SurveyResponse is the analyze result.
type SurveyResponse struct {
	SurveyTrigger bool     `json:"survey_trigger"`
	SurveyType    string   `json:"survey_type,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	Reason        string   `json:"reason"`
	Questions     []string `json:"questions,omitempty"`
	Timestamp     string   `json:"timestamp"`
}

// Envelope is an inter-agent message.
type Envelope struct {
	MessageID        string          `json:"message_id"`
	Sender           string          `json:"sender"`
	Recipient        string          `json:"recipient"`
	Type             string          `json:"type"`
	RelatedMessageID string          `json:"related_message_id,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Timestamp        string          `json:"timestamp"`
}

// Decision is the result carried by a successful completion report.
type Decision struct {
	Triggered  bool      `json:"triggered"`
	SurveyType string    `json:"survey_type,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	Reason     string    `json:"reason"`
	Questions  []string  `json:"questions,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Report is the payload of a task completion report.
type Report struct {
	Status  string    `json:"status"`
	Results *Decision `json:"results,omitempty"`
	Error   *struct {
		Type    string `json:"error_type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// MessageAck is returned by POST /messages.
type MessageAck struct {
	Status    string    `json:"status"`
	MessageID string    `json:"message_id"`
	Report    *Envelope `json:"report,omitempty"`
}

// CompletionReport decodes the attached report payload, if any.
func (a MessageAck) CompletionReport() (*Report, error) {
	if a.Report == nil {
		return nil, nil
	}
	var r Report
	if err := json.Unmarshal(a.Report.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode completion report: %w", err)
	}
	return &r, nil
}

// Status is the agent health snapshot (partial).
type Status struct {
	AgentID        string `json:"agent_id"`
	Status         string `json:"status"`
	AIEnabled      bool   `json:"ai_enabled"`
	AIModel        string `json:"ai_model"`
	State          string `json:"state"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
	LTMBackend     string `json:"ltm_backend"`
	LTMKeys        int    `json:"ltm_keys"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Analyze asks the agent for a survey decision.
func (c *Client) Analyze(ctx context.Context, in TaskInput) (SurveyResponse, error) {
	var resp SurveyResponse
	err := c.do(ctx, http.MethodPost, "analyze", in, &resp)
	return resp, err
}

// AssignTask wraps in as a task_assignment from sender and delivers it.
func (c *Client) AssignTask(ctx context.Context, sender, recipient string, in TaskInput) (MessageAck, error) {
	payload, err := json.Marshal(map[string]any{"name": "survey_decision", "parameters": in})
	if err != nil {
		return MessageAck{}, err
	}
	return c.SendMessage(ctx, Envelope{
		MessageID: uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Type:      "task_assignment",
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// SendMessage posts a raw envelope to the agent.
func (c *Client) SendMessage(ctx context.Context, env Envelope) (MessageAck, error) {
	var resp MessageAck
	err := c.do(ctx, http.MethodPost, "messages", env, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// LTMKeys lists the agent's long-term memory keys.
func (c *Client) LTMKeys(ctx context.Context) ([]string, error) {
	var resp struct {
		Keys []string `json:"keys"`
	}
	err := c.do(ctx, http.MethodGet, "ltm/keys", nil, &resp)
	return resp.Keys, err
}

// LTMValue decodes the stored value under key into dst.
func (c *Client) LTMValue(ctx context.Context, key string, dst any) error {
	var resp struct {
		Value json.RawMessage `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "ltm/keys/"+url.PathEscape(key), nil, &resp); err != nil {
		return err
	}
	return json.Unmarshal(resp.Value, dst)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
