// Package transport talks to the supervisor over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"surveyagent/internal/protocol"
	"surveyagent/internal/registry"
)

const DefaultTimeout = 5 * time.Second

// Client is a minimal supervisor API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, Timeout: DefaultTimeout}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supervisor error: status=%d body=%s", e.StatusCode, e.Body)
}

type Ack struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

// PostMessage delivers env to the supervisor inbox.
func (c *Client) PostMessage(ctx context.Context, env protocol.Envelope) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, "messages", env, &resp)
	return resp, err
}

func (c *Client) Register(ctx context.Context, reg protocol.Registration) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, "register", reg, &resp)
	return resp, err
}

func (c *Client) Heartbeat(ctx context.Context, hb protocol.Heartbeat) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodPost, "heartbeat", hb, &resp)
	return resp, err
}

func (c *Client) Agents(ctx context.Context) ([]registry.Agent, error) {
	var resp struct {
		Agents []registry.Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp.Agents, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
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
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Sender posts every outbound envelope to the supervisor, which routes it
// to the recipient.
type Sender struct {
	Client *Client
}

func (s Sender) Send(ctx context.Context, _ string, env protocol.Envelope) error {
	_, err := s.Client.PostMessage(ctx, env)
	return err
}
