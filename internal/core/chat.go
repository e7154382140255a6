package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ivf-companion/internal/audio"
	"ivf-companion/internal/llm"
	"ivf-companion/internal/persona"
	"ivf-companion/pkg"
)

// Stage is where a turn currently is.  Every turn ends back at StageIdle.
type Stage string

const (
	StageIdle               Stage = "idle"
	StageNormalizing        Stage = "normalizing"
	StageBuildingPrompt     Stage = "building_prompt"
	StageAwaitingCompletion Stage = "awaiting_completion"
	StageRendering          Stage = "rendering"
	StageSynthesizing       Stage = "synthesizing"
	StageError              Stage = "error"
)

// DefaultVoice is the synthesis voice used when none is configured.
const DefaultVoice = "shimmer"

// Input is one submission from the patient.  When Text is non-blank it takes
// priority and Audio is ignored without being transcribed.
type Input struct {
	Text  string
	Audio *audio.Payload
}

// TurnResult describes what a turn produced.  Turn returns as soon as the
// reply text is ready; when Speak is set the caller delivers Reply first and
// then fetches the audio with Synthesize.
type TurnResult struct {
	User        string
	Reply       string
	Transcribed bool
	Skipped     bool
	Speak       bool
	// ReplyIndex is the position of the assistant turn in the transcript.
	ReplyIndex int
}

// ChatService orchestrates a conversation turn: normalise the input, build the
// bounded prompt and request a completion.  Speech for the reply is a separate
// call so it never holds up the text.
// It holds no per-session state; callers own the ConversationState and pass
// it in for the duration of one call.
type ChatService struct {
	Clients          llm.Factory
	Personas         *persona.Catalogue
	HistoryWindow    int
	Voice            string
	ServerCredential string
	Log              zerolog.Logger

	now func() time.Time
}

// NewChatService constructs a ChatService with the default window and voice.
func NewChatService(clients llm.Factory, personas *persona.Catalogue, log zerolog.Logger) *ChatService {
	return &ChatService{
		Clients:       clients,
		Personas:      personas,
		HistoryWindow: DefaultHistoryWindow,
		Voice:         DefaultVoice,
		Log:           log,
		now:           time.Now,
	}
}

// Online reports whether turns can run for state without further input.
func (s *ChatService) Online(state *ConversationState) bool {
	return s.credential(state) != ""
}

// ServerOnline reports whether a deployment-wide key is configured.
func (s *ChatService) ServerOnline() bool {
	return s.ServerCredential != ""
}

func (s *ChatService) credential(state *ConversationState) string {
	if state.Credential != "" {
		return state.Credential
	}
	return s.ServerCredential
}

// SetCredential records a key supplied by the user.  Blank input is ignored.
func (s *ChatService) SetCredential(state *ConversationState, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	state.Credential = key
	return true
}

// SetVoiceOutput toggles speech synthesis for future turns.
func (s *ChatService) SetVoiceOutput(state *ConversationState, enabled bool) {
	state.VoiceOutputEnabled = enabled
}

// HandleText runs a turn for a typed message.
func (s *ChatService) HandleText(ctx context.Context, state *ConversationState, personaName, text string) (TurnResult, error) {
	return s.Turn(ctx, state, personaName, Input{Text: text})
}

// HandleAudio runs a turn for a voice recording.
func (s *ChatService) HandleAudio(ctx context.Context, state *ConversationState, personaName string, p audio.Payload) (TurnResult, error) {
	return s.Turn(ctx, state, personaName, Input{Audio: &p})
}

// Turn runs one full conversation turn against state.  On success two turns
// are appended (user then assistant).  If the completion fails the user turn
// stays appended on its own and the error is returned alongside the result.
func (s *ChatService) Turn(ctx context.Context, state *ConversationState, personaName string, in Input) (TurnResult, error) {
	var res TurnResult
	log := s.logger(ctx).With().Str("persona", personaName).Logger()

	variant := s.variant(personaName, log)
	key := s.credential(state)
	if key == "" {
		log.Warn().Msg("turn refused: no credential")
		return res, ErrNoCredential
	}
	client := s.Clients(key)

	log.Debug().Str("stage", string(StageNormalizing)).Msg("turn started")
	text, transcribed, err := s.Normalize(ctx, client, in)
	if err != nil {
		log.Warn().Err(err).Str("stage", string(StageError)).Msg("input normalization failed")
		return res, err
	}
	res.Transcribed = transcribed
	if text == "" {
		log.Info().Str("stage", string(StageIdle)).Msg("empty transcript, nothing to answer")
		res.Skipped = true
		return res, nil
	}
	res.User = text

	log.Debug().Str("stage", string(StageBuildingPrompt)).Int("history", len(state.Turns)).Msg("building prompt")
	prompt := BuildPrompt(variant.SystemPrompt, state, s.HistoryWindow, text)
	state.Append(pkg.Turn{Role: pkg.RoleUser, Content: text, CreatedAt: s.now()})

	log.Debug().Str("stage", string(StageAwaitingCompletion)).Msg("requesting completion")
	reply, err := client.Complete(ctx, prompt.Messages(), variant.Temperature)
	if err != nil {
		log.Error().Err(err).Str("stage", string(StageError)).Msg("completion failed")
		return res, &ProviderError{Op: OpComplete, Err: err}
	}
	res.Reply = reply
	state.Append(pkg.Turn{Role: pkg.RoleAssistant, Content: reply, CreatedAt: s.now()})
	res.ReplyIndex = len(state.Turns) - 1
	res.Speak = state.VoiceOutputEnabled && audio.NormalizeForSpeech(reply) != ""

	log.Debug().Str("stage", string(StageRendering)).Bool("speak", res.Speak).Msg("turn finished")
	return res, nil
}

// Synthesize speaks reply with the credential state resolves to.  A failure is
// a *ProviderError the caller reports next to the text reply already shown.
func (s *ChatService) Synthesize(ctx context.Context, state *ConversationState, reply string) ([]byte, error) {
	key := s.credential(state)
	if key == "" {
		return nil, ErrNoCredential
	}
	log := s.logger(ctx)
	log.Debug().Str("stage", string(StageSynthesizing)).Msg("synthesizing reply")
	data, err := s.synthesize(ctx, s.Clients(key), reply)
	if err != nil {
		log.Warn().Err(err).Str("stage", string(StageError)).Msg("synthesis failed, text reply kept")
		return nil, err
	}
	log.Debug().Str("stage", string(StageIdle)).Int("bytes", len(data)).Msg("reply synthesized")
	return data, nil
}

// variant resolves the session's persona.  A session may outlive its persona
// when the catalogue is reloaded; it then carries on with the default.
func (s *ChatService) variant(name string, log zerolog.Logger) persona.Variant {
	v, err := s.Personas.Lookup(name)
	if err != nil {
		v = s.Personas.Default()
		log.Warn().Err(err).Str("fallback", v.Name).Msg("persona not in catalogue, using default")
	}
	return v
}

// logger prefers a logger carried by ctx, which callers use to attach
// request fields such as the session ID.
func (s *ChatService) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.Log
}

// Normalize turns the input into the text of the user turn.  An empty string
// with a nil error means the recording held no speech.
func (s *ChatService) Normalize(ctx context.Context, client llm.Client, in Input) (string, bool, error) {
	if text := strings.TrimSpace(in.Text); text != "" {
		return text, false, nil
	}
	if in.Audio == nil || len(in.Audio.Data) == 0 {
		return "", false, ErrEmptyInput
	}
	upload, err := audio.Prepare(*in.Audio)
	if err != nil {
		return "", false, err
	}
	transcript, err := client.Transcribe(ctx, upload)
	if err != nil {
		return "", true, &ProviderError{Op: OpTranscribe, Err: err}
	}
	return strings.TrimSpace(transcript), true, nil
}

func (s *ChatService) synthesize(ctx context.Context, client llm.Client, reply string) ([]byte, error) {
	spoken := audio.NormalizeForSpeech(reply)
	if spoken == "" {
		return nil, nil
	}
	voice := s.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	data, err := client.Synthesize(ctx, spoken, voice)
	if err != nil {
		return nil, &ProviderError{Op: OpSynthesize, Err: err}
	}
	if len(data) == 0 {
		return nil, &ProviderError{Op: OpSynthesize, Err: errors.New("empty audio payload")}
	}
	return data, nil
}
