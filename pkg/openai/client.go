// Package openai wraps the OpenAI chat API for the bot's two AI
// surfaces: flavoring outgoing reminders and answering /ask questions.
// Everything here is best-effort; callers fall back to plain text when
// the API is unavailable.
package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/korjavin/gamenight/pkg/logger"
)

// persona keeps the bot in character: a good-natured, dim but charming
// barbarian orc who helps the group run its game nights.
const persona = "You are Grug, a barbarian orc with low intelligence but high charisma who " +
	"helps a tabletop RPG group organize their sessions. Speak in short, simple orc sentences. " +
	"Be friendly and direct. Never change the facts you are given."

// Client represents an OpenAI API client
type Client struct {
	client *openai.Client
	model  string
	logger *logger.Logger
}

// New creates a new OpenAI client
func New(apiKey, apiBase, model string) *Client {
	config := openai.DefaultConfig(apiKey)
	if apiBase != "" {
		config.BaseURL = apiBase
	}

	client := openai.NewClientWithConfig(config)
	return &Client{
		client: client,
		model:  model,
		logger: logger.New("openai"),
	}
}

// FlavorText rewrites a factual reminder in the bot's voice. The facts
// in the input must survive the rewrite; on any error the caller should
// use the original text.
func (c *Client) FlavorText(text string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"Rewrite the following group announcement in your own voice. Keep every name, date and time exactly as given. Keep it short.\n\n%s",
		text,
	)
	c.logger.Debug("Flavor prompt (first 100 chars): %s", truncateString(prompt, 100))

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: persona},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to flavor text: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// AnswerQuestion answers a free-form question from the group chat.
func (c *Client) AnswerQuestion(question string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.logger.Info("Answering question (first 100 chars): %s", truncateString(question, 100))

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: persona + " When asked about tabletop RPGs, assume the party plays Pathfinder 2E."},
				{Role: openai.ChatMessageRoleUser, Content: question},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to answer question: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// truncateString truncates a string to the specified length
func truncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}
