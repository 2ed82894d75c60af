package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"surveyagent/internal/domain"
	"surveyagent/internal/logging"
	"surveyagent/internal/questions"
	"surveyagent/internal/sentiment"
)

const (
	DefaultCooldownDays  = 30
	DefaultQuestionCount = 3
	historyLimit         = 20

	ReasonCooldown = "Survey sent too recently"
)

// Memory is the agent's scoped LTM handle. Both calls are best-effort.
type Memory interface {
	ReadLTM(ctx context.Context, key string, dst any) bool
	WriteLTM(ctx context.Context, key string, value any) bool
}

// LastDecisionKey is the LTM key holding a user's most recent decision.
func LastDecisionKey(userID string) string { return userID + ":last_decision" }

// HistoryKey is the LTM key holding a user's bounded decision history.
func HistoryKey(userID string) string { return userID + ":history" }

type Engine struct {
	Classifier    sentiment.Classifier
	Questions     questions.Generator
	Memory        Memory
	CooldownDays  int
	QuestionCount int
	Now           func() time.Time
	Log           *zap.Logger
}

func New(c sentiment.Classifier, q questions.Generator, mem Memory, cooldownDays, questionCount int, log *zap.Logger) Engine {
	return Engine{
		Classifier:    c,
		Questions:     q,
		Memory:        mem,
		CooldownDays:  cooldownDays,
		QuestionCount: questionCount,
		Now:           time.Now,
		Log:           logging.OrNop(log),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

// Decide runs one decision cycle for a task. The only error it returns is a
// *domain.ValidationError; everything downstream degrades instead of failing.
func (e Engine) Decide(ctx context.Context, in domain.TaskInput) (domain.SurveyDecision, error) {
	if err := in.Validate(); err != nil {
		return domain.SurveyDecision{}, err
	}
	log := e.log().With(zap.String("user_id", in.UserID))
	now := e.now()

	var (
		decision domain.SurveyDecision
		label    domain.SentimentLabel
	)
	if e.inCooldown(in, now) {
		log.Info("Survey cooldown active")
		decision = domain.NotTriggered(ReasonCooldown)
	} else {
		s := e.classifier().Classify(ctx, in.RecentActivity)
		label = s.Label
		log.Info("Sentiment classified",
			zap.String("label", string(s.Label)),
			zap.Int("confidence", s.Confidence),
			zap.String("source", string(s.Source)))
		decision = Evaluate(s.Label, in.HasPurchase())
		if decision.Triggered {
			decision.Questions = e.generator().Generate(ctx, questions.Context{
				RecentActivity: in.RecentActivity,
				LastPurchase:   in.LastPurchase,
				SurveyType:     decision.SurveyType,
			}, e.questionCount())
		}
	}
	decision.Timestamp = e.now().UTC()

	e.persist(ctx, log, in.UserID, decision, label)
	log.Info("Survey decision",
		zap.Bool("triggered", decision.Triggered),
		zap.String("survey_type", decision.SurveyType),
		zap.String("priority", string(decision.Priority)))
	return decision, nil
}

// Evaluate applies the trigger rule table; the first matching rule wins.
// Every input produces a triggered decision.
func Evaluate(label domain.SentimentLabel, hasPurchase bool) domain.SurveyDecision {
	switch {
	case label == domain.SentimentNegative && hasPurchase:
		return triggered(domain.SurveyProductExperience, domain.PriorityHigh, "Negative sentiment after purchase")
	case label == domain.SentimentNegative:
		return triggered(domain.SurveySupportQuality, domain.PriorityHigh, "Negative support interaction")
	case hasPurchase:
		return triggered(domain.SurveyProductFollowUp, domain.PriorityMedium, "Recent purchase follow-up")
	case label == domain.SentimentPositive:
		return triggered(domain.SurveyGeneralFeedback, domain.PriorityMedium, "Positive engagement - capture feedback")
	default:
		return triggered(domain.SurveyEngagementCheck, domain.PriorityLow, "Neutral engagement check")
	}
}

func triggered(surveyType string, p domain.Priority, reason string) domain.SurveyDecision {
	return domain.SurveyDecision{Triggered: true, SurveyType: surveyType, Priority: p, Reason: reason}
}

// inCooldown compares calendar days in UTC. Dates in the future count as recent.
func (e Engine) inCooldown(in domain.TaskInput, now time.Time) bool {
	last, ok, err := in.SurveyDate()
	if err != nil || !ok {
		return false
	}
	return daysBetween(last, now) < e.CooldownDays
}

func daysBetween(from, to time.Time) int {
	from = from.UTC()
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	to = to.UTC()
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

func (e Engine) persist(ctx context.Context, log *zap.Logger, userID string, d domain.SurveyDecision, label domain.SentimentLabel) {
	if e.Memory == nil {
		return
	}
	if !e.Memory.WriteLTM(ctx, LastDecisionKey(userID), d) {
		log.Warn("Decision not persisted to LTM")
	}
	var history []domain.DecisionRecord
	e.Memory.ReadLTM(ctx, HistoryKey(userID), &history)
	history = append(history, domain.DecisionRecord{
		Triggered:  d.Triggered,
		SurveyType: d.SurveyType,
		Priority:   d.Priority,
		Sentiment:  label,
		Reason:     d.Reason,
		Timestamp:  d.Timestamp,
	})
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	e.Memory.WriteLTM(ctx, HistoryKey(userID), history)
}

func (e Engine) classifier() sentiment.Classifier {
	if e.Classifier == nil {
		return sentiment.Rules{}
	}
	return e.Classifier
}

func (e Engine) generator() questions.Generator {
	if e.Questions == nil {
		return questions.Templates{}
	}
	return e.Questions
}

func (e Engine) questionCount() int {
	if e.QuestionCount <= 0 {
		return DefaultQuestionCount
	}
	return e.QuestionCount
}
