package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"ivf-companion/internal/audio"
)

// Message is a minimal chat message used by the orchestrator.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Client defines the three provider capabilities a conversation turn needs.
// Complete accepts the full message sequence (system + prior turns + latest
// user message).
type Client interface {
	Complete(ctx context.Context, messages []Message, temperature float32) (string, error)
	Transcribe(ctx context.Context, upload audio.Upload) (string, error)
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Factory builds a Client authenticated with the given credential.  Sessions
// may bring their own key, so clients are built per turn.
type Factory func(credential string) Client

// ErrEmptyCompletion is returned when the provider answers with no choices.
var ErrEmptyCompletion = errors.New("provider returned no completion choices")

// Config selects the models used for each capability.
type Config struct {
	BaseURL            string
	ChatModel          string
	TranscriptionModel string
	SpeechModel        string
}

// withDefaults fills in the models the hospital deployment uses.
func (c Config) withDefaults() Config {
	if c.ChatModel == "" {
		c.ChatModel = openai.GPT4o
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = openai.Whisper1
	}
	if c.SpeechModel == "" {
		c.SpeechModel = string(openai.TTSModel1)
	}
	return c
}

// NewFactory returns a Factory producing OpenAI clients with cfg.
func NewFactory(cfg Config) Factory {
	return func(credential string) Client {
		return NewOpenAIClient(credential, cfg)
	}
}

// OpenAIClient calls the OpenAI API for chat completion, speech-to-text and
// text-to-speech.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAIClient constructs an OpenAI-backed client.  A non-empty BaseURL
// points it at an OpenAI-compatible gateway.
func NewOpenAIClient(apiKey string, cfg Config) *OpenAIClient {
	oaCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oaCfg),
		cfg:    cfg.withDefaults(),
	}
}

// Complete sends the message sequence to the chat completion API and returns
// the assistant's reply.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, temperature float32) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.ChatModel,
		Messages:    oaMsgs,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe sends a recording to the speech-to-text API and returns the
// transcript text.
func (c *OpenAIClient) Transcribe(ctx context.Context, upload audio.Upload) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: upload.Filename,
		Reader:   bytes.NewReader(upload.Data),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Synthesize converts text to mp3 audio with the given voice.
func (c *OpenAIClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech response: %w", err)
	}
	return data, nil
}

// StatusCode extracts the HTTP status from a go-openai error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// IsAuthError reports whether err was caused by a rejected credential.
func IsAuthError(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
