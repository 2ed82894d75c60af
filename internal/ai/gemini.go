// Package ai wraps the Gemini API behind the two capabilities the agent needs:
// sentiment classification and survey question generation.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

var ErrEmptyResponse = errors.New("ai: empty response")

type Config struct {
	APIKey string
	Model  string
}

// Sentiment is the raw structured reply of the classification prompt.
type Sentiment struct {
	Label      string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type QuestionRequest struct {
	RecentActivity string
	LastPurchase   string
	SurveyType     string
	Count          int
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini is constructed once at startup and shared by the classifier and generator.
type Gemini struct {
	models contentGenerator
	model  string
}

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newGemini(client.Models, cfg.Model), nil
}

func newGemini(models contentGenerator, model string) *Gemini {
	if model == "" {
		model = DefaultModel
	}
	return &Gemini{models: models, model: model}
}

// Name returns the model identifier.
func (g *Gemini) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}

func (g *Gemini) ClassifySentiment(ctx context.Context, text string) (Sentiment, error) {
	prompt := fmt.Sprintf(`Analyze the sentiment of the following user activity text.
Classify it as: positive, negative, or neutral.
Also rate your confidence (0-100) and provide a brief reason.

User Activity: %q`, text)

	out, err := g.generate(ctx, prompt, &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"sentiment":  {Type: genai.TypeString, Enum: []string{"positive", "negative", "neutral"}},
			"confidence": {Type: genai.TypeInteger},
			"reason":     {Type: genai.TypeString},
		},
		Required: []string{"sentiment", "confidence", "reason"},
	})
	if err != nil {
		return Sentiment{}, err
	}
	var s Sentiment
	if err := parseJSON(out, &s); err != nil {
		return Sentiment{}, fmt.Errorf("parse sentiment reply: %w", err)
	}
	return s, nil
}

func (g *Gemini) GenerateQuestions(ctx context.Context, req QuestionRequest) ([]string, error) {
	prompt := fmt.Sprintf(`Generate %d personalized survey questions for a user.

Survey Type: %s
User Context:
- Recent Activity: %s
- Last Purchase: %s

Requirements:
- Questions should be specific to the user's context
- Keep questions concise and actionable
- Mix rating scales with open-ended questions
- Be empathetic and customer-focused

Return exactly %d questions as a JSON array of strings.`,
		req.Count, req.SurveyType, orNA(req.RecentActivity), orNA(req.LastPurchase), req.Count)

	out, err := g.generate(ctx, prompt, &genai.Schema{
		Type:  genai.TypeArray,
		Items: &genai.Schema{Type: genai.TypeString},
	})
	if err != nil {
		return nil, err
	}
	var questions []string
	if err := parseJSON(out, &questions); err != nil {
		return nil, fmt.Errorf("parse questions reply: %w", err)
	}
	return questions, nil
}

func (g *Gemini) generate(ctx context.Context, prompt string, schema *genai.Schema) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.2),
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	})
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyResponse
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// parseJSON tolerates replies wrapped in markdown code fences or surrounded by prose.
func parseJSON(text string, dst any) error {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "```") {
		parts := strings.Split(text, "```")
		if len(parts) >= 3 {
			text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[1]), "json"))
		}
	}
	if err := json.Unmarshal([]byte(text), dst); err == nil {
		return nil
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start >= 0 && end > start {
			if err := json.Unmarshal([]byte(text[start:end+1]), dst); err == nil {
				return nil
			}
		}
	}
	return json.Unmarshal([]byte(text), dst)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
