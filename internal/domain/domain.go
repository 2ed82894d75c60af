package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of last_survey_date.
const DateLayout = "2006-01-02"

// Survey types produced by the decision rules.
const (
	SurveyProductExperience = "Product Experience"
	SurveySupportQuality    = "Support Quality"
	SurveyProductFollowUp   = "Product Follow-up"
	SurveyGeneralFeedback   = "General Feedback"
	SurveyEngagementCheck   = "Engagement Check"
)

// SurveyTypes lists every survey type in rule order.
var SurveyTypes = []string{
	SurveyProductExperience,
	SurveySupportQuality,
	SurveyProductFollowUp,
	SurveyGeneralFeedback,
	SurveyEngagementCheck,
}

type TaskInput struct {
	UserID         string `json:"user_id"`
	RecentActivity string `json:"recent_activity"`
	LastPurchase   string `json:"last_purchase,omitempty"`
	LastSurveyDate string `json:"last_survey_date,omitempty"`
}

// ValidationError reports a malformed TaskInput.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// Validate rejects inputs that must never reach the decision engine.
func (t TaskInput) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return &ValidationError{Field: "user_id", Message: "is required"}
	}
	if strings.TrimSpace(t.RecentActivity) == "" {
		return &ValidationError{Field: "recent_activity", Message: "is required"}
	}
	if _, _, err := t.SurveyDate(); err != nil {
		return err
	}
	return nil
}

// HasPurchase reports whether a last purchase was supplied.
func (t TaskInput) HasPurchase() bool {
	return strings.TrimSpace(t.LastPurchase) != ""
}

// SurveyDate parses last_survey_date. Both YYYY-MM-DD and RFC 3339 are accepted.
func (t TaskInput) SurveyDate() (time.Time, bool, error) {
	raw := strings.TrimSpace(t.LastSurveyDate)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if d, err := time.Parse(DateLayout, raw); err == nil {
		return d, true, nil
	}
	if d, err := time.Parse(time.RFC3339, raw); err == nil {
		return d, true, nil
	}
	return time.Time{}, false, &ValidationError{Field: "last_survey_date", Message: "must be YYYY-MM-DD"}
}

type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

func (l SentimentLabel) Valid() bool {
	switch l {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	}
	return false
}

type SentimentSource string

const (
	SourceAI       SentimentSource = "ai"
	SourceFallback SentimentSource = "fallback"
)

type SentimentResult struct {
	Label      SentimentLabel  `json:"label" enum:"positive,negative,neutral"`
	Confidence int             `json:"confidence" minimum:"0" maximum:"100"`
	Reason     string          `json:"reason"`
	Source     SentimentSource `json:"source" enum:"ai,fallback"`
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// SurveyDecision is returned to callers and written to LTM.
type SurveyDecision struct {
	Triggered  bool      `json:"triggered"`
	SurveyType string    `json:"survey_type,omitempty"`
	Priority   Priority  `json:"priority,omitempty"`
	Reason     string    `json:"reason"`
	Questions  []string  `json:"questions,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NotTriggered builds a decision with no survey attached.
func NotTriggered(reason string) SurveyDecision {
	return SurveyDecision{Reason: reason}
}

// SurveyResponse is the external request/response shape of a decision.
type SurveyResponse struct {
	SurveyTrigger bool     `json:"survey_trigger"`
	SurveyType    string   `json:"survey_type,omitempty"`
	Priority      string   `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Reason        string   `json:"reason"`
	Questions     []string `json:"questions,omitempty"`
	Timestamp     string   `json:"timestamp" format:"date-time"`
}

func (d SurveyDecision) Response() SurveyResponse {
	resp := SurveyResponse{
		SurveyTrigger: d.Triggered,
		Reason:        d.Reason,
		Timestamp:     d.Timestamp.UTC().Format(time.RFC3339),
	}
	if d.Triggered {
		resp.SurveyType = d.SurveyType
		resp.Priority = string(d.Priority)
		resp.Questions = append([]string{}, d.Questions...)
	}
	return resp
}

// DecisionRecord is one element of a user's decision history in LTM.
type DecisionRecord struct {
	Triggered  bool           `json:"triggered"`
	SurveyType string         `json:"survey_type,omitempty"`
	Priority   Priority       `json:"priority,omitempty"`
	Sentiment  SentimentLabel `json:"sentiment,omitempty"`
	Reason     string         `json:"reason"`
	Timestamp  time.Time      `json:"timestamp"`
}

type AgentIdentity struct {
	AgentID      string `json:"agent_id"`
	SupervisorID string `json:"supervisor_id,omitempty"`
}
