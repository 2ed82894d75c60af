package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"surveyagent/internal/agent"
	"surveyagent/internal/domain"
	"surveyagent/internal/ltm"
	"surveyagent/internal/protocol"
	"surveyagent/internal/registry"
	"surveyagent/internal/transport"
)

var today = time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func serve(t *testing.T, handler http.Handler) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	client := &http.Client{}
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: client,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			client.CloseIdleConnections()
		},
	}
}

func newTestAgent(t *testing.T, sender agent.Sender) *agent.SurveyAgent {
	t.Helper()
	store, err := ltm.NewFileStore(t.TempDir())
	require.NoError(t, err)
	a, err := agent.New(agent.Options{
		Identity:      domain.AgentIdentity{AgentID: "ProactiveSurveyAgent", SupervisorID: "SupervisorRegistry"},
		Name:          "ProactiveSurveyAgent",
		Version:       "1.0.0",
		Store:         store,
		Sender:        sender,
		QuestionCount: 3,
		TaskTimeout:   5 * time.Second,
		Now:           func() time.Time { return today },
		Log:           zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return a
}

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, *agent.SurveyAgent, func()) {
	t.Helper()
	a := newTestAgent(t, nil)
	handler, err := New(Config{Agent: a, Auth: auth, Log: zaptest.NewLogger(t)})
	require.NoError(t, err, "build handler")
	srv := serve(t, handler)
	return srv, a, srv.Close
}

func newSupervisorServer(t *testing.T, auth AuthConfig) (*testServer, *registry.Registry, func()) {
	t.Helper()
	reg := registry.New(0, zaptest.NewLogger(t))
	handler, err := NewSupervisor(SupervisorConfig{Registry: reg, Auth: auth})
	require.NoError(t, err, "build handler")
	srv := serve(t, handler)
	return srv, reg, srv.Close
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestAnalyzeScenarios(t *testing.T) {
	srv, _, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/analyze", map[string]any{
		"user_id":          "u1",
		"recent_activity":  "Support chat - product defective",
		"last_purchase":    "Wireless Earbuds",
		"last_survey_date": "2025-08-01",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	a := decode[domain.SurveyResponse](t, data)
	assert.True(t, a.SurveyTrigger)
	assert.Equal(t, "Product Experience", a.SurveyType)
	assert.Equal(t, "high", a.Priority)
	assert.Len(t, a.Questions, 3)
	assert.Equal(t, "2025-11-20T12:00:00Z", a.Timestamp)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/analyze", map[string]any{
		"user_id":          "u2",
		"recent_activity":  "Browsing products",
		"last_purchase":    "Phone Case",
		"last_survey_date": "2025-11-19",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	b := decode[map[string]any](t, data)
	assert.Equal(t, false, b["survey_trigger"])
	assert.Equal(t, "Survey sent too recently", b["reason"])
	assert.NotContains(t, b, "survey_type")
	assert.NotContains(t, b, "questions")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/analyze", []byte(
		`{"user_id":"u3","recent_activity":"Great experience with new features","last_purchase":"","last_survey_date":null}`), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	c := decode[domain.SurveyResponse](t, data)
	assert.Equal(t, "General Feedback", c.SurveyType)
	assert.Equal(t, "medium", c.Priority)
}

func TestAnalyzeRejectsInvalidInput(t *testing.T) {
	srv, a, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/analyze", map[string]any{
		"recent_activity": "Browsing",
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Equal(t, "user_id", env.Error.Details["field"])

	keys, err := a.LTMKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMessagesEndpoint(t *testing.T) {
	srv, a, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", []byte(`{
		"message_id": "test_msg_123",
		"sender": "test_supervisor",
		"recipient": "test_agent",
		"type": "task_assignment",
		"task": {"name": "analyze_user", "parameters": {
			"user_id": "user456", "recent_activity": "Happy with product",
			"last_purchase": "Smart Watch", "last_survey_date": null}}}`), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	ack := decode[MessageAck](t, data)
	assert.Equal(t, "completed", ack.Status)
	require.NotNil(t, ack.Report)
	assert.Equal(t, "test_msg_123", ack.Report.RelatedMessageID)
	report, err := ack.Report.CompletionReport()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, report.Status)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", map[string]any{
		"message_id": "hb1", "sender": "sup", "recipient": "agent", "type": "heartbeat", "payload": map[string]any{},
	}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	assert.Equal(t, "accepted", decode[MessageAck](t, data).Status)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", []byte(`{"message_id":`), nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", map[string]any{
		"message_id": "x", "sender": "sup", "type": "gossip",
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "unknown_message_type", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/outbox", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	outbox := decode[OutboxResponse](t, data)
	require.Len(t, outbox.Items, 1)
	assert.Equal(t, "test_supervisor", outbox.Items[0].Recipient)

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/outbox", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, a.Outbox())
}

func TestLTMAndStatusEndpoints(t *testing.T) {
	srv, _, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/analyze", map[string]any{
		"user_id": "u7", "recent_activity": "awesome support",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/ltm/keys", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	keys := decode[LTMKeysResponse](t, data)
	assert.ElementsMatch(t, []string{"u7:history", "u7:last_decision"}, keys.Keys)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/ltm/keys/"+url.PathEscape("u7:last_decision"), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	entry := decode[LTMEntryResponse](t, data)
	stored := decode[domain.SurveyDecision](t, entry.Value)
	assert.Equal(t, domain.SurveyGeneralFeedback, stored.SurveyType)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/ltm/keys/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	st := decode[agent.Status](t, data)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "file", st.LTMBackend)
	assert.Equal(t, 2, st.LTMKeys)
	assert.Equal(t, 1, st.TasksCompleted)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "healthy", decode[map[string]any](t, data)["status"])
}

func TestMessagesRequireBearerWhenConfigured(t *testing.T) {
	const secret = "s3cret"
	srv, _, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()

	msg := map[string]any{
		"message_id": "m1", "sender": "SupervisorRegistry", "recipient": "ProactiveSurveyAgent", "type": "task_assignment",
		"payload": map[string]any{"user_id": "u1", "recent_activity": "Browsing"},
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", msg, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	bad, err := IssueToken("other", "SupervisorRegistry", time.Minute)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", msg, map[string]string{"Authorization": "Bearer " + bad})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken(secret, "SupervisorRegistry", time.Minute)
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", msg, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestSupervisorRegistry(t *testing.T) {
	srv, _, cleanup := newSupervisorServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/register", protocol.Registration{
		AgentName: "ProactiveSurveyAgent", AgentType: "survey_agent", Host: "localhost", Port: 8001, Version: "1.0.0",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[RegisterResponse](t, data).Success)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/heartbeat", protocol.Heartbeat{AgentID: "ProactiveSurveyAgent", Status: "idle"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/heartbeat", protocol.Heartbeat{AgentID: "ghost", Status: "idle"}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	agents := decode[AgentsResponse](t, data)
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "idle", agents.Agents[0].Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/agents/ProactiveSurveyAgent", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 8001, decode[registry.Agent](t, data).Port)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/agents/ProactiveSurveyAgent", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/agents/ProactiveSurveyAgent", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/register", map[string]any{"agent_type": "x"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestCompletionReportReachesSupervisor(t *testing.T) {
	sup, reg, cleanupSup := newSupervisorServer(t, AuthConfig{})
	defer cleanupSup()

	client := transport.NewClient(sup.URL)
	a := newTestAgent(t, transport.Sender{Client: client})
	handler, err := New(Config{Agent: a})
	require.NoError(t, err)
	srv := serve(t, handler)
	defer srv.Close()
	defer func() { client.HTTPClient.CloseIdleConnections() }()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/messages", map[string]any{
		"message_id": "task-1", "sender": "SupervisorRegistry", "recipient": "ProactiveSurveyAgent", "type": "task_assignment",
		"payload": map[string]any{"name": "analyze_user_survey", "parameters": map[string]any{"user_id": "u9", "recent_activity": "terrible support"}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	msgs := reg.Messages(0, protocol.TypeCompletionReport)
	require.Len(t, msgs, 1)
	assert.Equal(t, "task-1", msgs[0].Envelope.RelatedMessageID)

	res, data = doJSON(t, sup.Client(), http.MethodGet, sup.URL+"/messages?type=completion_report&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	listed := decode[MessagesResponse](t, data)
	require.Len(t, listed.Messages, 1)
	report, err := listed.Messages[0].Envelope.CompletionReport()
	require.NoError(t, err)
	assert.Equal(t, domain.SurveySupportQuality, report.Results.SurveyType)
}
