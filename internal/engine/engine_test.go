package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"surveyagent/internal/domain"
	"surveyagent/internal/engine"
	"surveyagent/internal/questions"
	"surveyagent/internal/sentiment"
)

var today = time.Date(2025, 11, 20, 15, 4, 5, 0, time.UTC)

type memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes int
	reads  []string
	fail   bool
}

func newMemory() *memory { return &memory{data: map[string][]byte{}} }

func (m *memory) ReadLTM(_ context.Context, key string, dst any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, key)
	raw, ok := m.data[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (m *memory) WriteLTM(_ context.Context, key string, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.fail {
		return false
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false
	}
	m.data[key] = raw
	return true
}

type fixedClassifier domain.SentimentLabel

func (f fixedClassifier) Classify(context.Context, string) domain.SentimentResult {
	return domain.SentimentResult{Label: domain.SentimentLabel(f), Confidence: 80, Source: domain.SourceAI}
}

func newEngine(t *testing.T, mem engine.Memory) engine.Engine {
	e := engine.New(sentiment.WithFallback(nil, 0, nil), questions.WithFallback(nil, 0, nil), mem,
		engine.DefaultCooldownDays, engine.DefaultQuestionCount, zaptest.NewLogger(t))
	e.Now = func() time.Time { return today }
	return e
}

func TestScenarioNegativeAfterPurchase(t *testing.T) {
	mem := newMemory()
	d, err := newEngine(t, mem).Decide(context.Background(), domain.TaskInput{
		UserID:         "u1",
		RecentActivity: "Support chat - product defective",
		LastPurchase:   "Wireless Earbuds",
		LastSurveyDate: "2025-08-01",
	})
	require.NoError(t, err)
	assert.True(t, d.Triggered)
	assert.Equal(t, domain.SurveyProductExperience, d.SurveyType)
	assert.Equal(t, domain.PriorityHigh, d.Priority)
	assert.Len(t, d.Questions, 3)
	assert.Equal(t, today, d.Timestamp)

	var stored domain.SurveyDecision
	require.True(t, mem.ReadLTM(context.Background(), engine.LastDecisionKey("u1"), &stored))
	assert.Equal(t, d.SurveyType, stored.SurveyType)
	assert.Equal(t, d.Questions, stored.Questions)
}

func TestScenarioCooldown(t *testing.T) {
	mem := newMemory()
	d, err := newEngine(t, mem).Decide(context.Background(), domain.TaskInput{
		UserID:         "u2",
		RecentActivity: "Browsing products",
		LastPurchase:   "Phone Case",
		LastSurveyDate: "2025-11-19",
	})
	require.NoError(t, err)
	assert.False(t, d.Triggered)
	assert.Equal(t, engine.ReasonCooldown, d.Reason)
	assert.Empty(t, d.SurveyType)
	assert.Empty(t, d.Priority)
	assert.Empty(t, d.Questions)

	resp := d.Response()
	assert.False(t, resp.SurveyTrigger)
	assert.Equal(t, "Survey sent too recently", resp.Reason)
}

func TestScenarioPositiveWithoutPurchase(t *testing.T) {
	d, err := newEngine(t, newMemory()).Decide(context.Background(), domain.TaskInput{
		UserID:         "u3",
		RecentActivity: "Great experience with new features",
	})
	require.NoError(t, err)
	assert.True(t, d.Triggered)
	assert.Equal(t, domain.SurveyGeneralFeedback, d.SurveyType)
	assert.Equal(t, domain.PriorityMedium, d.Priority)
	assert.Len(t, d.Questions, 3)
}

func TestValidationFailureSkipsLTM(t *testing.T) {
	mem := newMemory()
	e := newEngine(t, mem)
	for _, in := range []domain.TaskInput{
		{RecentActivity: "Browsing"},
		{UserID: "u4", RecentActivity: "   "},
		{UserID: "u4", RecentActivity: "Browsing", LastSurveyDate: "yesterday"},
	} {
		_, err := e.Decide(context.Background(), in)
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr), "%+v", in)
	}
	assert.Zero(t, mem.writes)
}

func TestRuleTable(t *testing.T) {
	cases := []struct {
		label      domain.SentimentLabel
		purchase   string
		surveyType string
		priority   domain.Priority
		reason     string
	}{
		{domain.SentimentNegative, "Laptop", domain.SurveyProductExperience, domain.PriorityHigh, "Negative sentiment after purchase"},
		{domain.SentimentNegative, "", domain.SurveySupportQuality, domain.PriorityHigh, "Negative support interaction"},
		{domain.SentimentPositive, "Laptop", domain.SurveyProductFollowUp, domain.PriorityMedium, "Recent purchase follow-up"},
		{domain.SentimentNeutral, "Laptop", domain.SurveyProductFollowUp, domain.PriorityMedium, "Recent purchase follow-up"},
		{domain.SentimentPositive, "", domain.SurveyGeneralFeedback, domain.PriorityMedium, "Positive engagement - capture feedback"},
		{domain.SentimentNeutral, "", domain.SurveyEngagementCheck, domain.PriorityLow, "Neutral engagement check"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%q", tc.label, tc.purchase), func(t *testing.T) {
			e := newEngine(t, newMemory())
			e.Classifier = fixedClassifier(tc.label)
			d, err := e.Decide(context.Background(), domain.TaskInput{
				UserID:         "u5",
				RecentActivity: "anything",
				LastPurchase:   tc.purchase,
			})
			require.NoError(t, err)
			assert.True(t, d.Triggered)
			assert.Equal(t, tc.surveyType, d.SurveyType)
			assert.Equal(t, tc.priority, d.Priority)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Len(t, d.Questions, engine.DefaultQuestionCount)
		})
	}
}

func TestCooldownBoundary(t *testing.T) {
	cases := map[string]bool{
		"2025-11-20":           false,
		"2025-10-22":           false, // 29 days
		"2025-10-21":           true,  // 30 days
		"2025-01-01":           true,
		"2026-01-01":           false, // future
		"2025-10-21T23:59:00Z": true,
		"2025-10-22T00:00:01Z": false,
	}
	for date, triggered := range cases {
		d, err := newEngine(t, newMemory()).Decide(context.Background(), domain.TaskInput{
			UserID:         "u6",
			RecentActivity: "Browsing products",
			LastSurveyDate: date,
		})
		require.NoError(t, err, date)
		assert.Equal(t, triggered, d.Triggered, date)
	}
}

func TestCustomCooldownAndQuestionCount(t *testing.T) {
	e := newEngine(t, newMemory())
	e.CooldownDays = 1
	e.QuestionCount = 5
	d, err := e.Decide(context.Background(), domain.TaskInput{
		UserID:         "u7",
		RecentActivity: "Browsing products",
		LastSurveyDate: "2025-11-19",
	})
	require.NoError(t, err)
	assert.True(t, d.Triggered)
	assert.Len(t, d.Questions, 5)
}

func TestHistoryIsBounded(t *testing.T) {
	mem := newMemory()
	e := newEngine(t, mem)
	for i := 0; i < 25; i++ {
		_, err := e.Decide(context.Background(), domain.TaskInput{UserID: "u8", RecentActivity: "Browsing products"})
		require.NoError(t, err)
	}
	var history []domain.DecisionRecord
	require.True(t, mem.ReadLTM(context.Background(), engine.HistoryKey("u8"), &history))
	assert.Len(t, history, 20)
	assert.Equal(t, domain.SentimentNeutral, history[19].Sentiment)
	assert.Equal(t, domain.SurveyEngagementCheck, history[19].SurveyType)
}

func TestDecideReadsOnlyHistory(t *testing.T) {
	mem := newMemory()
	e := newEngine(t, mem)
	for i := 0; i < 2; i++ {
		_, err := e.Decide(context.Background(), domain.TaskInput{UserID: "u11", RecentActivity: "Browsing products"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{engine.HistoryKey("u11"), engine.HistoryKey("u11")}, mem.reads)
}

func TestPersistenceFailureStillReturnsDecision(t *testing.T) {
	mem := newMemory()
	mem.fail = true
	d, err := newEngine(t, mem).Decide(context.Background(), domain.TaskInput{UserID: "u9", RecentActivity: "awesome"})
	require.NoError(t, err)
	assert.True(t, d.Triggered)
	assert.NotZero(t, mem.writes)
}

func TestDecideWithoutMemory(t *testing.T) {
	d, err := newEngine(t, nil).Decide(context.Background(), domain.TaskInput{UserID: "u10", RecentActivity: "broken"})
	require.NoError(t, err)
	assert.Equal(t, domain.SurveySupportQuality, d.SurveyType)
}

func TestEvaluateAlwaysTriggers(t *testing.T) {
	for _, label := range []domain.SentimentLabel{domain.SentimentPositive, domain.SentimentNegative, domain.SentimentNeutral} {
		for _, purchase := range []bool{true, false} {
			d := engine.Evaluate(label, purchase)
			assert.True(t, d.Triggered)
			assert.True(t, d.Priority.Valid())
		}
	}
}
