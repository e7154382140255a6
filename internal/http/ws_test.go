package http

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivf-companion/internal/audio"
	"ivf-companion/internal/core"
	"ivf-companion/internal/db"
	"ivf-companion/internal/llm"
	"ivf-companion/internal/llm/llmtest"
	"ivf-companion/internal/persona"
	"ivf-companion/internal/protocol"
)

type voiceHarness struct {
	t     *testing.T
	mock  *llmtest.MockClient
	store *db.MemoryStore
	chat  *core.ChatService
	conn  *websocket.Conn
	id    string
}

func newVoiceHarness(t *testing.T, configure func(h *voiceHarness)) *voiceHarness {
	t.Helper()
	catalogue, err := persona.Builtin()
	require.NoError(t, err)

	h := &voiceHarness{
		t:     t,
		mock:  llmtest.NewMockClient("Jia you, you can do it.", "Is it normal to feel bloated?"),
		store: db.NewMemoryStore(),
	}
	h.chat = core.NewChatService(h.mock.Factory(), catalogue, zerolog.Nop())
	h.chat.ServerCredential = "sk-server"
	if configure != nil {
		configure(h)
	}

	srv, err := NewServer(h.store, h.chat, catalogue, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	sess, err := h.store.CreateSession(context.Background(), "big-sister", false)
	require.NoError(t, err)
	h.id = sess.ID

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + h.id + "/ws"
	h.conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.conn.Close() })

	// the server opens with the current settings
	typ, raw := h.read()
	require.Equal(t, protocol.MsgSettings, typ)
	settings, err := protocol.UnmarshalPayload[protocol.SettingsPayload](raw)
	require.NoError(t, err)
	assert.Equal(t, "big-sister", settings.Persona)
	return h
}

func (h *voiceHarness) send(typ protocol.MessageType, payload interface{}) {
	h.t.Helper()
	data, err := protocol.Marshal(typ, payload)
	require.NoError(h.t, err)
	require.NoError(h.t, h.conn.WriteMessage(websocket.TextMessage, data))
}

func (h *voiceHarness) read() (protocol.MessageType, []byte) {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := h.conn.ReadMessage()
	require.NoError(h.t, err)
	require.Equal(h.t, websocket.TextMessage, msgType)
	typ, raw, err := protocol.Unmarshal(data)
	require.NoError(h.t, err)
	return typ, raw
}

func (h *voiceHarness) readBinary() []byte {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := h.conn.ReadMessage()
	require.NoError(h.t, err)
	require.Equal(h.t, websocket.BinaryMessage, msgType)
	return data
}

func readPayload[T any](h *voiceHarness, want protocol.MessageType) T {
	h.t.Helper()
	typ, raw := h.read()
	require.Equal(h.t, want, typ, string(raw))
	v, err := protocol.UnmarshalPayload[T](raw)
	require.NoError(h.t, err)
	return v
}

func TestVoiceTextTurn(t *testing.T) {
	h := newVoiceHarness(t, nil)

	h.send(protocol.MsgText, protocol.TextPayload{Text: "Is it normal to feel bloated?"})
	turn := readPayload[protocol.TurnPayload](h, protocol.MsgTurn)
	assert.Equal(t, "Is it normal to feel bloated?", turn.User)
	assert.Equal(t, "Jia you, you can do it.", turn.Reply)
	assert.False(t, turn.Audio)

	sess, err := h.store.GetSession(context.Background(), h.id)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
}

func TestVoiceAudioTurnWithSpokenReply(t *testing.T) {
	h := newVoiceHarness(t, nil)

	h.send(protocol.MsgVoiceOutput, protocol.VoiceOutputPayload{Enabled: true})
	settings := readPayload[protocol.SettingsPayload](h, protocol.MsgSettings)
	assert.True(t, settings.VoiceOutput)
	assert.True(t, settings.Online)

	h.send(protocol.MsgAudioStart, protocol.AudioStartPayload{Format: "mulaw", SampleRate: 8000})
	require.NoError(t, h.conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x7f, 0x00, 0x80}))

	transcript := readPayload[protocol.TranscriptPayload](h, protocol.MsgTranscript)
	assert.Equal(t, "Is it normal to feel bloated?", transcript.Text)

	turn := readPayload[protocol.TurnPayload](h, protocol.MsgTurn)
	assert.Equal(t, "Jia you, you can do it.", turn.Reply)
	assert.True(t, turn.Audio)
	assert.Equal(t, []byte("ID3-mock-mp3"), h.readBinary())
}

func TestVoiceTurnArrivesBeforeSynthesis(t *testing.T) {
	release := make(chan struct{})
	h := newVoiceHarness(t, func(h *voiceHarness) {
		h.mock.SynthesizeFunc = func(ctx context.Context, _, _ string) ([]byte, error) {
			select {
			case <-release:
				return []byte("ID3-slow-mp3"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	})
	h.send(protocol.MsgVoiceOutput, protocol.VoiceOutputPayload{Enabled: true})
	readPayload[protocol.SettingsPayload](h, protocol.MsgSettings)

	h.send(protocol.MsgText, protocol.TextPayload{Text: "Can I eat durian?"})
	turn := readPayload[protocol.TurnPayload](h, protocol.MsgTurn)
	assert.Equal(t, "Jia you, you can do it.", turn.Reply)
	assert.True(t, turn.Audio)

	close(release)
	assert.Equal(t, []byte("ID3-slow-mp3"), h.readBinary())
}

func TestVoiceSynthesisFailureAfterTurn(t *testing.T) {
	h := newVoiceHarness(t, func(h *voiceHarness) {
		h.mock.SynthesizeFunc = func(context.Context, string, string) ([]byte, error) {
			return nil, errors.New("tts down")
		}
	})
	h.send(protocol.MsgVoiceOutput, protocol.VoiceOutputPayload{Enabled: true})
	readPayload[protocol.SettingsPayload](h, protocol.MsgSettings)

	h.send(protocol.MsgText, protocol.TextPayload{Text: "hello"})
	turn := readPayload[protocol.TurnPayload](h, protocol.MsgTurn)
	assert.Equal(t, "Jia you, you can do it.", turn.Reply)
	e := readPayload[protocol.ErrorPayload](h, protocol.MsgError)
	assert.Equal(t, core.OpSynthesize, e.Kind)

	sess, err := h.store.GetSession(context.Background(), h.id)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
}

func TestVoiceAudioWithoutStart(t *testing.T) {
	h := newVoiceHarness(t, nil)

	require.NoError(t, h.conn.WriteMessage(websocket.BinaryMessage, []byte("stray")))
	e := readPayload[protocol.ErrorPayload](h, protocol.MsgError)
	assert.Equal(t, protocol.ErrKindInput, e.Kind)

	h.send(protocol.MsgAudioStart, protocol.AudioStartPayload{Format: "midi"})
	require.NoError(t, h.conn.WriteMessage(websocket.BinaryMessage, []byte("x")))
	e = readPayload[protocol.ErrorPayload](h, protocol.MsgError)
	assert.Equal(t, protocol.ErrKindInput, e.Kind)
	assert.Contains(t, e.Message, "not supported")
}

func TestVoiceCredentialUnlocksTurns(t *testing.T) {
	h := newVoiceHarness(t, func(h *voiceHarness) { h.chat.ServerCredential = "" })

	h.send(protocol.MsgText, protocol.TextPayload{Text: "hello"})
	e := readPayload[protocol.ErrorPayload](h, protocol.MsgError)
	assert.Equal(t, protocol.ErrKindConfiguration, e.Kind)

	h.send(protocol.MsgCredential, protocol.CredentialPayload{APIKey: "sk-user"})
	settings := readPayload[protocol.SettingsPayload](h, protocol.MsgSettings)
	assert.True(t, settings.Online)

	h.send(protocol.MsgText, protocol.TextPayload{Text: "hello"})
	turn := readPayload[protocol.TurnPayload](h, protocol.MsgTurn)
	assert.Equal(t, "Jia you, you can do it.", turn.Reply)
}

func TestVoiceCompletionFailure(t *testing.T) {
	h := newVoiceHarness(t, func(h *voiceHarness) {
		h.mock.CompleteFunc = func(context.Context, []llm.Message, float32) (string, error) {
			return "", errors.New("rate limited")
		}
	})

	h.send(protocol.MsgText, protocol.TextPayload{Text: "Can I exercise?"})
	turn := readPayload[protocol.TurnPayload](h, protocol.MsgTurn)
	assert.Equal(t, "Can I exercise?", turn.User)
	assert.True(t, turn.Unanswered)
	e := readPayload[protocol.ErrorPayload](h, protocol.MsgError)
	assert.Equal(t, core.OpComplete, e.Kind)

	sess, err := h.store.GetSession(context.Background(), h.id)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	assert.True(t, core.Unanswered(sess.Turns, 0))
}

func TestVoiceSilentRecording(t *testing.T) {
	h := newVoiceHarness(t, func(h *voiceHarness) {
		h.mock.TranscribeFunc = func(context.Context, audio.Upload) (string, error) { return "", nil }
	})

	h.send(protocol.MsgAudioStart, protocol.AudioStartPayload{Format: "webm"})
	require.NoError(t, h.conn.WriteMessage(websocket.BinaryMessage, []byte("silence")))
	transcript := readPayload[protocol.TranscriptPayload](h, protocol.MsgTranscript)
	assert.Empty(t, transcript.Text)

	// the channel stays usable and nothing was stored
	h.send(protocol.MsgVoiceOutput, protocol.VoiceOutputPayload{Enabled: false})
	readPayload[protocol.SettingsPayload](h, protocol.MsgSettings)
	sess, err := h.store.GetSession(context.Background(), h.id)
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
}

func TestVoiceUnknownMessage(t *testing.T) {
	h := newVoiceHarness(t, nil)
	h.send("dance", nil)
	e := readPayload[protocol.ErrorPayload](h, protocol.MsgError)
	assert.Equal(t, protocol.ErrKindInput, e.Kind)
}
