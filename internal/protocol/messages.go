package protocol

import "encoding/json"

// MessageType enumerates the voice channel message types.
type MessageType string

const (
	// Patient -> server
	MsgText        MessageType = "text"
	MsgAudioStart  MessageType = "audio_start"
	MsgVoiceOutput MessageType = "voice_output"
	MsgCredential  MessageType = "credential"

	// Server -> patient
	MsgTurn       MessageType = "turn"
	MsgTranscript MessageType = "transcript"
	MsgError      MessageType = "error"
	MsgSettings   MessageType = "settings"
)

// Envelope is the outer JSON wrapper for all text frames.  Binary frames carry
// raw audio: a recording after audio_start, or an mp3 reply after turn.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Patient -> server payloads ---

type TextPayload struct {
	Text string `json:"text"`
}

// AudioStartPayload announces the next binary frame.  Format accepts the same
// names as the HTTP upload (webm, wav, mulaw, pcm16, ...).
type AudioStartPayload struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type VoiceOutputPayload struct {
	Enabled bool `json:"enabled"`
}

type CredentialPayload struct {
	APIKey string `json:"api_key"`
}

// --- Server -> patient payloads ---

// TurnPayload reports a completed or failed turn.  When Audio is true a binary
// mp3 frame follows once synthesis is done, or an error if it failed.
type TurnPayload struct {
	User       string `json:"user,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Unanswered bool   `json:"unanswered,omitempty"`
	Audio      bool   `json:"audio,omitempty"`
}

type TranscriptPayload struct {
	Text string `json:"text"`
}

// ErrorPayload describes a failure shown to the patient.  Kind is one of the
// Err* constants.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	ErrKindConfiguration = "configuration"
	ErrKindInput         = "input"
	ErrKindTranscribe    = "transcribe"
	ErrKindComplete      = "complete"
	ErrKindSynthesize    = "synthesize"
	ErrKindInternal      = "internal"
)

type SettingsPayload struct {
	VoiceOutput bool   `json:"voice_output"`
	Online      bool   `json:"online"`
	Persona     string `json:"persona,omitempty"`
}
