package surveysdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"surveyagent/internal/agent"
	"surveyagent/internal/domain"
	"surveyagent/internal/ltm"
	"surveyagent/internal/server"
)

var today = time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)

func newAgentServer(t *testing.T) *httptest.Server {
	t.Helper()
	a, err := agent.New(agent.Options{
		Identity: domain.AgentIdentity{AgentID: "ProactiveSurveyAgent", SupervisorID: "SupervisorRegistry"},
		Store:    ltm.NewMemoryStore(),
		Now:      func() time.Time { return today },
		Log:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Agent: a, Log: zaptest.NewLogger(t)})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAnalyzeAndLTM(t *testing.T) {
	srv := newAgentServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	resp, err := c.Analyze(ctx, TaskInput{
		UserID:         "U100",
		RecentActivity: "Bought a laptop, very happy with it",
		LastPurchase:   "Laptop",
	})
	require.NoError(t, err)
	assert.True(t, resp.SurveyTrigger)
	assert.Equal(t, "Product Follow-up", resp.SurveyType)
	assert.Equal(t, "2025-11-20T12:00:00Z", resp.Timestamp)
	assert.Len(t, resp.Questions, 3)

	keys, err := c.LTMKeys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "U100:last_decision")

	var last Decision
	require.NoError(t, c.LTMValue(ctx, "U100:last_decision", &last))
	assert.True(t, last.Triggered)
	assert.Equal(t, "Product Follow-up", last.SurveyType)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ProactiveSurveyAgent", st.AgentID)
	assert.Equal(t, "fallback", st.AIModel)
	assert.Equal(t, 1, st.TasksCompleted)
}

func TestAssignTaskReturnsCompletionReport(t *testing.T) {
	srv := newAgentServer(t)
	c := New(srv.URL)

	ack, err := c.AssignTask(context.Background(), "SupervisorRegistry", "ProactiveSurveyAgent", TaskInput{
		UserID:         "U200",
		RecentActivity: "Opened a support ticket about a problem with delivery",
		LastSurveyDate: "2025-11-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", ack.Status)
	require.NotNil(t, ack.Report)
	assert.Equal(t, "completion_report", ack.Report.Type)
	assert.Equal(t, "SupervisorRegistry", ack.Report.Recipient)
	assert.Equal(t, ack.MessageID, ack.Report.RelatedMessageID)

	report, err := ack.CompletionReport()
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", report.Status)
	require.NotNil(t, report.Results)
	assert.False(t, report.Results.Triggered)
	assert.Equal(t, "Survey sent too recently", report.Results.Reason)
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	srv := newAgentServer(t)
	c := New(srv.URL)

	_, err := c.Analyze(context.Background(), TaskInput{RecentActivity: "missing user"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "validation_failed", apiErr.Code)
}

func TestBearerTokenHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted","message_id":"m1"}`))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL + "/")
	c.BearerToken = "abc"
	ack, err := c.SendMessage(context.Background(), Envelope{MessageID: "m1", Sender: "s", Type: "heartbeat"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", got)
	assert.Equal(t, "accepted", ack.Status)
	report, err := ack.CompletionReport()
	require.NoError(t, err)
	assert.Nil(t, report)
}
