package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivf-companion/internal/audio"
)

// fakeOpenAI serves the three endpoints the client uses.
func fakeOpenAI(t *testing.T, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	captured := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`)
			return
		}
		switch r.URL.Path {
		case "/v1/chat/completions":
			body, _ := io.ReadAll(r.Body)
			var req map[string]any
			require.NoError(t, sonic.Unmarshal(body, &req))
			captured["chat"] = req
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Don't worry lah."},"finish_reason":"stop"}]}`)
		case "/v1/audio/transcriptions":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			captured["model"] = r.FormValue("model")
			_, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			captured["filename"] = hdr.Filename
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"text":"How much does IVF cost?"}`)
		case "/v1/audio/speech":
			body, _ := io.ReadAll(r.Body)
			var req map[string]any
			require.NoError(t, sonic.Unmarshal(body, &req))
			captured["speech"] = req
			w.Header().Set("Content-Type", "audio/mpeg")
			io.WriteString(w, "ID3mp3bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestOpenAIClientComplete(t *testing.T) {
	srv, captured := fakeOpenAI(t, http.StatusOK)
	c := NewOpenAIClient("sk-test", Config{BaseURL: srv.URL + "/v1"})

	reply, err := c.Complete(context.Background(), []Message{
		{Role: "system", Content: "persona"},
		{Role: "user", Content: "hi"},
		{Role: "moderator", Content: "odd"},
	}, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "Don't worry lah.", reply)

	req := (*captured)["chat"].(map[string]any)
	assert.Equal(t, "gpt-4o", req["model"])
	assert.InDelta(t, 0.7, req["temperature"], 0.0001)
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[2].(map[string]any)["role"])
}

func TestOpenAIClientTranscribe(t *testing.T) {
	srv, captured := fakeOpenAI(t, http.StatusOK)
	c := NewOpenAIClient("sk-test", Config{BaseURL: srv.URL + "/v1"})

	text, err := c.Transcribe(context.Background(), audio.Upload{Data: []byte("webm"), Filename: "speech.webm"})
	require.NoError(t, err)
	assert.Equal(t, "How much does IVF cost?", text)
	assert.Equal(t, "whisper-1", (*captured)["model"])
	assert.Equal(t, "speech.webm", (*captured)["filename"])
}

func TestOpenAIClientSynthesize(t *testing.T) {
	srv, captured := fakeOpenAI(t, http.StatusOK)
	c := NewOpenAIClient("sk-test", Config{BaseURL: srv.URL + "/v1"})

	data, err := c.Synthesize(context.Background(), "Jia you!", "shimmer")
	require.NoError(t, err)
	assert.Equal(t, "ID3mp3bytes", string(data))

	req := (*captured)["speech"].(map[string]any)
	assert.Equal(t, "tts-1", req["model"])
	assert.Equal(t, "shimmer", req["voice"])
	assert.Equal(t, "Jia you!", req["input"])
}

func TestOpenAIClientAuthFailure(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusUnauthorized)
	c := NewFactory(Config{BaseURL: srv.URL + "/v1"})("sk-test")

	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, 0.5)
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.True(t, strings.Contains(err.Error(), "bad key"))
}

func TestStatusCodeUnknown(t *testing.T) {
	assert.Equal(t, 0, StatusCode(io.EOF))
	assert.False(t, IsAuthError(nil))
}
