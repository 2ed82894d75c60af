package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyagent/internal/domain"
)

func TestParseRequiresEnvelopeFields(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"not json":     {`{`, ErrMalformed},
		"no id":        {`{"sender":"sup","type":"heartbeat"}`, ErrMalformed},
		"no sender":    {`{"message_id":"m1","type":"heartbeat"}`, ErrMalformed},
		"no type":      {`{"message_id":"m1","sender":"sup"}`, ErrMalformed},
		"unknown type": {`{"message_id":"m1","sender":"sup","type":"gossip"}`, ErrUnknownType},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	env, err := Parse([]byte(`{"message_id":"m1","sender":"sup","recipient":"agent","type":"status_request"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeStatusRequest, env.Type)
}

func TestTaskAssignmentPayloadShapes(t *testing.T) {
	want := domain.TaskInput{UserID: "user789", RecentActivity: "Positive feedback after purchase", LastPurchase: "Smart Watch"}
	cases := map[string]string{
		"bare payload": `{"message_id":"m1","sender":"sup","recipient":"a","type":"task_assignment",
			"payload":{"user_id":"user789","recent_activity":"Positive feedback after purchase","last_purchase":"Smart Watch"}}`,
		"named payload": `{"message_id":"m1","sender":"sup","recipient":"a","type":"task_assignment",
			"payload":{"name":"analyze_user_survey","parameters":{"user_id":"user789","recent_activity":"Positive feedback after purchase","last_purchase":"Smart Watch"}}}`,
		"legacy task": `{"message_id":"m1","sender":"sup","recipient":"a","type":"task_assignment",
			"task":{"name":"analyze_user_survey","parameters":{"user_id":"user789","recent_activity":"Positive feedback after purchase","last_purchase":"Smart Watch","last_survey_date":null}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := Parse([]byte(raw))
			require.NoError(t, err)
			task, err := env.TaskAssignment()
			require.NoError(t, err)
			assert.Equal(t, want, task.Input)
		})
	}
}

func TestTaskAssignmentRejectsBadPayloads(t *testing.T) {
	for _, raw := range []string{
		`{"message_id":"m1","sender":"sup","type":"task_assignment"}`,
		`{"message_id":"m1","sender":"sup","type":"task_assignment","payload":null}`,
		`{"message_id":"m1","sender":"sup","type":"task_assignment","payload":[1,2]}`,
		`{"message_id":"m1","sender":"sup","type":"task_assignment","payload":{"user_id":7}}`,
	} {
		env, err := Parse([]byte(raw))
		require.NoError(t, err, raw)
		_, err = env.TaskAssignment()
		assert.True(t, errors.Is(err, ErrMalformed), raw)
	}

	env, err := Parse([]byte(`{"message_id":"m1","sender":"sup","type":"heartbeat","payload":{}}`))
	require.NoError(t, err)
	_, err = env.TaskAssignment()
	assert.True(t, errors.Is(err, ErrWrongType))
}

func TestCompletionReportCorrelation(t *testing.T) {
	inbound := Envelope{MessageID: "msg_12345", Sender: "SupervisorRegistry", Type: TypeTaskAssignment}
	decision := domain.SurveyDecision{Triggered: true, SurveyType: domain.SurveyGeneralFeedback, Priority: domain.PriorityMedium, Reason: "r", Timestamp: time.Now().UTC()}

	env, err := NewCompletionReport(inbound, "ProactiveSurveyAgent", Success(decision))
	require.NoError(t, err)
	assert.Equal(t, "msg_12345", env.RelatedMessageID)
	assert.Equal(t, "SupervisorRegistry", env.Recipient)
	assert.Equal(t, "ProactiveSurveyAgent", env.Sender)
	assert.Equal(t, TypeCompletionReport, env.Type)
	_, err = uuid.Parse(env.MessageID)
	assert.NoError(t, err)
	assert.NotEqual(t, inbound.MessageID, env.MessageID)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	report, err := back.CompletionReport()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status)
	require.NotNil(t, report.Results)
	assert.Equal(t, domain.SurveyGeneralFeedback, report.Results.SurveyType)
	assert.Nil(t, report.Error)
}

func TestFailureAliasIsAccepted(t *testing.T) {
	env, err := Parse([]byte(`{"message_id":"m2","sender":"a","type":"completion_report","related_message_id":"m1",
		"payload":{"status":"FAILURE","error":{"error_type":"timeout","message":"task exceeded 30s"}}}`))
	require.NoError(t, err)
	report, err := env.CompletionReport()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, ErrorTypeTimeout, report.Error.Type)

	env.Payload = json.RawMessage(`{"status":"MAYBE"}`)
	_, err = env.CompletionReport()
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestHeartbeatDefaultsAgentToSender(t *testing.T) {
	env, err := NewEnvelope("agent-1", "sup", TypeHeartbeat, Heartbeat{Status: "healthy"})
	require.NoError(t, err)
	hb, err := env.Heartbeat()
	require.NoError(t, err)
	assert.Equal(t, "agent-1", hb.AgentID)
	assert.Equal(t, "healthy", hb.Status)
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		env, err := NewEnvelope("a", "b", TypeHeartbeat, Heartbeat{})
		require.NoError(t, err)
		assert.False(t, seen[env.MessageID])
		seen[env.MessageID] = true
	}
}
