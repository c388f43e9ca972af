// Package ml implements the learned-classifier contract on top of an LLM.
// The model is asked for a single category from the configured set plus a
// confidence; anything outside that set counts as no prediction.
package ml

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	openai "github.com/sashabaranov/go-openai"

	"mailworker/core/domain"
	"mailworker/core/port/out"
)

const DefaultModel = "gpt-4o-mini"

// maxBodyChars bounds how much body text goes into the prompt.
const maxBodyChars = 2000

type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// OpenAIClassifier predicts a category for an email. It satisfies the
// MLClassifier port; a missing API key yields an always-unavailable
// classifier rather than an error.
type OpenAIClassifier struct {
	client     *openai.Client
	model      string
	maxTokens  int
	temp       float32
	timeout    time.Duration
	categories []string
	catSet     map[string]struct{}
}

var _ out.MLClassifier = (*OpenAIClassifier)(nil)

// NewOpenAIClassifier builds a classifier constrained to the given category
// names.
func NewOpenAIClassifier(cfg Config, categories []string) *OpenAIClassifier {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 256
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &OpenAIClassifier{
		model:      model,
		maxTokens:  maxTokens,
		temp:       float32(cfg.Temperature),
		timeout:    timeout,
		categories: categories,
		catSet:     make(map[string]struct{}, len(categories)),
	}
	for _, name := range categories {
		c.catSet[name] = struct{}{}
	}
	if cfg.APIKey != "" {
		c.client = openai.NewClient(cfg.APIKey)
	}
	return c
}

type prediction struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Predict asks the model for (category, confidence). Returns an unavailable
// prediction when no API key is configured.
func (c *OpenAIClassifier) Predict(ctx context.Context, email *domain.Email) (*out.MLPrediction, error) {
	if c.client == nil {
		return out.Unavailable(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := email.Content()
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}

	systemPrompt := fmt.Sprintf(
		"You are an email classifier. Classify the email into exactly one of these categories: %s. "+
			`Respond with JSON only: {"category": "<name>", "confidence": <0.0-1.0>}. `+
			`If no category fits, use {"category": "", "confidence": 0}.`,
		strings.Join(c.categories, ", "))
	userPrompt := fmt.Sprintf("From: %s\nSubject: %s\n\n%s", email.Sender, email.Subject, body)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai classification failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return out.Unavailable(), nil
	}

	var pred prediction
	content := extractJSON(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &pred); err != nil {
		return out.Unavailable(), nil
	}

	// Unknown categories count as no prediction.
	if _, ok := c.catSet[pred.Category]; !ok {
		return &out.MLPrediction{Available: true}, nil
	}
	if pred.Confidence < 0 {
		pred.Confidence = 0
	}
	if pred.Confidence > 1 {
		pred.Confidence = 1
	}
	return &out.MLPrediction{
		Category:   pred.Category,
		Confidence: pred.Confidence,
		Available:  true,
	}, nil
}

// extractJSON strips code fences and surrounding prose from a model reply.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
