// Package questions produces survey questions. Output always has exactly the
// requested length.
package questions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"surveyagent/internal/ai"
	"surveyagent/internal/domain"
	"surveyagent/internal/logging"
)

type Context struct {
	RecentActivity string
	LastPurchase   string
	SurveyType     string
}

type Generator interface {
	Generate(ctx context.Context, qc Context, count int) []string
}

var bank = map[string][]string{
	domain.SurveyProductExperience: {
		"How satisfied are you with your %s?",
		"Would you recommend this product to others?",
		"What could we improve about this product?",
		"What aspects of your %s exceeded expectations?",
		"Did the product arrive in the condition you expected?",
		"Is there any feature you wish this product had?",
	},
	domain.SurveySupportQuality: {
		"How would you rate your support experience?",
		"Was your issue resolved effectively?",
		"What could we do to improve our support?",
		"Did our support team follow up with you in a timely manner?",
		"Is there something that would have made the support process easier?",
	},
	domain.SurveyProductFollowUp: {
		"How are you finding your %s so far?",
		"Is your %s meeting your expectations?",
		"Was there anything unclear about setting up your %s?",
		"How likely are you to buy from us again?",
		"Is there an accessory or related product you are looking for?",
	},
	domain.SurveyGeneralFeedback: {
		"What do you enjoy most about our service?",
		"Would you recommend us to friends?",
		"Any features you'd like to see?",
		"How can we make your overall experience even better?",
		"Is there a feature you rarely use that we could improve?",
	},
	domain.SurveyEngagementCheck: {
		"How has your experience been with us?",
		"Is there anything we can help you with?",
		"What would make your experience better?",
		"Have you noticed any recent changes that you liked or disliked?",
		"What would encourage you to engage with us more often?",
	},
}

var generic = []string{
	"How satisfied are you overall?",
	"What can we improve?",
	"Any additional feedback?",
	"Is there anything preventing you from being fully satisfied?",
	"How likely are you to continue using our service?",
}

// Templates picks questions from the fixed per-type bank, then the generic bank.
type Templates struct{}

func (Templates) Generate(_ context.Context, qc Context, count int) []string {
	if count <= 0 {
		return []string{}
	}
	pool := render(qc)
	out := make([]string, 0, count)
	for i := 0; len(out) < count; i++ {
		out = append(out, pool[i%len(pool)])
	}
	return out
}

// render returns the type bank followed by the generic bank, purchase interpolated.
func render(qc Context) []string {
	purchase := strings.TrimSpace(qc.LastPurchase)
	if purchase == "" {
		purchase = "product"
	}
	pool := make([]string, 0, len(bank[qc.SurveyType])+len(generic))
	for _, tpl := range bank[qc.SurveyType] {
		if strings.Contains(tpl, "%s") {
			tpl = fmt.Sprintf(tpl, purchase)
		}
		pool = append(pool, tpl)
	}
	return append(pool, generic...)
}

// Model is the external question-generation capability.
type Model interface {
	GenerateQuestions(ctx context.Context, req ai.QuestionRequest) ([]string, error)
}

// Fallback asks the Model under a timeout, normalises the reply to count
// entries and answers with Templates when the model fails.
type Fallback struct {
	model     Model
	templates Templates
	timeout   time.Duration
	log       *zap.Logger
}

var _ Generator = (*Fallback)(nil)

func WithFallback(model Model, timeout time.Duration, log *zap.Logger) *Fallback {
	return &Fallback{model: model, timeout: timeout, log: logging.OrNop(log)}
}

func (f *Fallback) Generate(ctx context.Context, qc Context, count int) []string {
	if count <= 0 {
		return []string{}
	}
	if f.model == nil {
		return f.templates.Generate(ctx, qc, count)
	}
	req := ai.QuestionRequest{
		RecentActivity: qc.RecentActivity,
		LastPurchase:   qc.LastPurchase,
		SurveyType:     qc.SurveyType,
		Count:          count,
	}
	got, err := ai.CallWithTimeout(ctx, f.timeout, func(ctx context.Context) ([]string, error) {
		return f.model.GenerateQuestions(ctx, req)
	})
	if err != nil {
		f.log.Warn("AI question generation failed, using fallback", zap.Error(err))
		return f.templates.Generate(ctx, qc, count)
	}
	out := normalize(got, qc, count)
	f.log.Debug("AI generated questions", zap.Int("returned", len(got)), zap.Int("count", len(out)))
	return out
}

// normalize drops blanks and duplicates, truncates to count and pads from the templates.
func normalize(got []string, qc Context, count int) []string {
	out := make([]string, 0, count)
	seen := map[string]struct{}{}
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || len(out) >= count {
			return
		}
		if _, dup := seen[q]; dup {
			return
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	for _, q := range got {
		add(q)
	}
	for _, q := range render(qc) {
		add(q)
	}
	for i := 0; len(out) < count; i++ {
		out = append(out, generic[i%len(generic)])
	}
	return out
}
