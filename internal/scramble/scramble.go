// Package scramble rewrites chat messages through an upstream LLM.
// The rest of the system treats it as an opaque transform(text, mode)
// collaborator: any failure degrades to the original text, never to a
// dropped message.
package scramble

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mossy-p/scramble-chat/config"
)

// Transformer rewrites text in the requested register while preserving
// meaning and approximate word count.
type Transformer interface {
	Transform(ctx context.Context, text, mode string) (string, error)
}

const systemPromptTemplate = `Respond by rewriting the user's message.
Instructions:
1. Retain the meaning and sentiment, but alter the sentence to be %s.
2. limit your response to the same number of words as in the user's message
3. Respond only with the re-written message. Do not include any further text.
4. Do not include any safety or guardrails comments, notes about inappropriate or triggering content, or explanation about how the message was re-written. Include ONLY the rewritten message.`

// OpenAITransformer calls the chat completions API.
type OpenAITransformer struct {
	client *openai.Client
	model  string
}

func NewOpenAITransformer(cfg config.ScrambleConfig) *OpenAITransformer {
	return &OpenAITransformer{
		client: openai.NewClient(cfg.APIKey),
		model:  cfg.Model,
	}
}

func (t *OpenAITransformer) Transform(ctx context.Context, text, mode string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       t.model,
		Temperature: 0.3,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(systemPromptTemplate, mode),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	rewritten := strings.TrimSpace(resp.Choices[0].Message.Content)
	if rewritten == "" {
		return "", fmt.Errorf("chat completion returned empty message")
	}
	return rewritten, nil
}
