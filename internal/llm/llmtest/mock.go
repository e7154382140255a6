// Package llmtest provides a scriptable llm.Client for tests.
package llmtest

import (
	"context"
	"sync"

	"ivf-companion/internal/audio"
	"ivf-companion/internal/llm"
)

// CompleteCall records one Complete invocation.
type CompleteCall struct {
	Messages    []llm.Message
	Temperature float32
}

// MockClient implements llm.Client with configurable functions.  Calls are
// recorded so tests can inspect what was sent to the provider.
type MockClient struct {
	CompleteFunc   func(ctx context.Context, messages []llm.Message, temperature float32) (string, error)
	TranscribeFunc func(ctx context.Context, upload audio.Upload) (string, error)
	SynthesizeFunc func(ctx context.Context, text, voice string) ([]byte, error)

	mu              sync.Mutex
	CompleteCalls   []CompleteCall
	TranscribeCalls []audio.Upload
	SynthesizeCalls []string
	Credentials     []string
}

// NewMockClient returns a mock that replies with reply, transcribes every
// recording to transcript and synthesises a fixed byte payload.
func NewMockClient(reply, transcript string) *MockClient {
	m := &MockClient{}
	m.CompleteFunc = func(context.Context, []llm.Message, float32) (string, error) { return reply, nil }
	m.TranscribeFunc = func(context.Context, audio.Upload) (string, error) { return transcript, nil }
	m.SynthesizeFunc = func(context.Context, string, string) ([]byte, error) { return []byte("ID3-mock-mp3"), nil }
	return m
}

// Factory returns an llm.Factory that hands out m and records credentials.
func (m *MockClient) Factory() llm.Factory {
	return func(credential string) llm.Client {
		m.mu.Lock()
		m.Credentials = append(m.Credentials, credential)
		m.mu.Unlock()
		return m
	}
}

func (m *MockClient) Complete(ctx context.Context, messages []llm.Message, temperature float32) (string, error) {
	m.mu.Lock()
	cp := append([]llm.Message(nil), messages...)
	m.CompleteCalls = append(m.CompleteCalls, CompleteCall{Messages: cp, Temperature: temperature})
	m.mu.Unlock()
	return m.CompleteFunc(ctx, messages, temperature)
}

func (m *MockClient) Transcribe(ctx context.Context, upload audio.Upload) (string, error) {
	m.mu.Lock()
	m.TranscribeCalls = append(m.TranscribeCalls, upload)
	m.mu.Unlock()
	return m.TranscribeFunc(ctx, upload)
}

func (m *MockClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	m.mu.Lock()
	m.SynthesizeCalls = append(m.SynthesizeCalls, text)
	m.mu.Unlock()
	return m.SynthesizeFunc(ctx, text, voice)
}

// LastComplete returns the most recent Complete call.
func (m *MockClient) LastComplete() CompleteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CompleteCalls) == 0 {
		return CompleteCall{}
	}
	return m.CompleteCalls[len(m.CompleteCalls)-1]
}

var _ llm.Client = (*MockClient)(nil)
