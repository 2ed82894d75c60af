// Package sentiment classifies the recent-activity text of a task. Every
// Classifier returns a result; AI failures degrade to keyword rules.
package sentiment

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"surveyagent/internal/ai"
	"surveyagent/internal/domain"
	"surveyagent/internal/logging"
)

const (
	ruleConfidencePolar   = 70
	ruleConfidenceNeutral = 50
	ruleReason            = "Keyword-based analysis (fallback mode)"
)

var (
	negativeMarkers = []string{
		"negative", "complaint", "issue", "problem", "dissatisfied",
		"unhappy", "disappointed", "frustrated", "broken", "defect",
		"unwell", "sick", "bad", "terrible", "awful", "sad",
	}
	positiveMarkers = []string{
		"positive", "happy", "satisfied", "great", "excellent",
		"fantastic", "amazing", "love", "awesome", "delighted",
	}
)

type Classifier interface {
	Classify(ctx context.Context, text string) domain.SentimentResult
}

// Rules is the deterministic keyword classifier.
type Rules struct{}

func (Rules) Classify(_ context.Context, text string) domain.SentimentResult {
	lower := strings.ToLower(text)
	neg := countMarkers(lower, negativeMarkers)
	pos := countMarkers(lower, positiveMarkers)

	res := domain.SentimentResult{Reason: ruleReason, Source: domain.SourceFallback}
	switch {
	case neg > pos:
		res.Label, res.Confidence = domain.SentimentNegative, ruleConfidencePolar
	case pos > neg:
		res.Label, res.Confidence = domain.SentimentPositive, ruleConfidencePolar
	default:
		res.Label, res.Confidence = domain.SentimentNeutral, ruleConfidenceNeutral
	}
	return res
}

func countMarkers(text string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(text, m) {
			n++
		}
	}
	return n
}

// Model is the external text-classification capability.
type Model interface {
	ClassifySentiment(ctx context.Context, text string) (ai.Sentiment, error)
}

// AI classifies through a Model and rejects malformed replies.
type AI struct {
	Model Model
}

func (c AI) ClassifyStrict(ctx context.Context, text string) (domain.SentimentResult, error) {
	reply, err := c.Model.ClassifySentiment(ctx, text)
	if err != nil {
		return domain.SentimentResult{}, err
	}
	label := domain.SentimentLabel(strings.ToLower(strings.TrimSpace(reply.Label)))
	if !label.Valid() {
		return domain.SentimentResult{}, fmt.Errorf("malformed sentiment label %q", reply.Label)
	}
	conf := reply.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 100 || conf != math.Trunc(conf) {
		return domain.SentimentResult{}, fmt.Errorf("malformed sentiment confidence %v", reply.Confidence)
	}
	return domain.SentimentResult{
		Label:      label,
		Confidence: int(conf),
		Reason:     strings.TrimSpace(reply.Reason),
		Source:     domain.SourceAI,
	}, nil
}

// Fallback runs the AI classifier under a timeout and answers with Rules when it
// errors, times out or returns a malformed reply.
type Fallback struct {
	primary AI
	rules   Rules
	timeout time.Duration
	log     *zap.Logger
}

var _ Classifier = (*Fallback)(nil)

func WithFallback(model Model, timeout time.Duration, log *zap.Logger) *Fallback {
	return &Fallback{primary: AI{Model: model}, timeout: timeout, log: logging.OrNop(log)}
}

func (f *Fallback) Classify(ctx context.Context, text string) domain.SentimentResult {
	if f.primary.Model == nil {
		return f.rules.Classify(ctx, text)
	}
	res, err := ai.CallWithTimeout(ctx, f.timeout, func(ctx context.Context) (domain.SentimentResult, error) {
		return f.primary.ClassifyStrict(ctx, text)
	})
	if err != nil {
		f.log.Warn("AI sentiment analysis failed, using fallback", zap.Error(err))
		return f.rules.Classify(ctx, text)
	}
	f.log.Debug("AI sentiment", zap.String("label", string(res.Label)), zap.Int("confidence", res.Confidence))
	return res
}
