// ABOUTME: Classifier adapter backed by an OpenAI-compatible chat completion API
// ABOUTME: Asks for a JSON object constrained to the known intent labels

package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/triage-gateway/internal/intent"
)

// OpenAI classifies with a chat model in JSON mode.
type OpenAI struct {
	client *openai.Client
	model  string
	prompt string
}

// NewOpenAI creates a classifier. baseURL may be empty for the public API.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		prompt: systemPrompt(),
	}
}

func systemPrompt() string {
	var labels []string
	for _, in := range intent.All() {
		if in == intent.EmptyMessage || in == intent.Fallback {
			continue
		}
		labels = append(labels, in.String())
	}
	return "You classify customer support messages for an online store. " +
		"Reply with a JSON object {\"intent\": string, \"confidence\": number between 0 and 1, \"entities\": object of string values}. " +
		"intent must be one of: " + strings.Join(labels, ", ") + ". " +
		"Use entity keys order_id, product_name_query and item_sku when present."
}

// Name identifies the classifier in logs and health output.
func (o *OpenAI) Name() string { return "openai" }

// Classify implements intent.Classifier.
func (o *OpenAI) Classify(ctx context.Context, text string) (intent.Result, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return intent.Result{}, fmt.Errorf("%w: %w", intent.ErrClassifierUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return intent.Result{}, fmt.Errorf("%w: empty completion", intent.ErrClassifierUnavailable)
	}

	var raw intent.Raw
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &raw); err != nil {
		return intent.Result{}, fmt.Errorf("%w: decoding completion: %w", intent.ErrClassifierUnavailable, err)
	}
	return intent.Validate(raw)
}
