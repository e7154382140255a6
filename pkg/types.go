package pkg

import "time"

// Role describes who authored a turn.  Only user and assistant turns are
// stored; system is used when building prompts.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single chat message in a session.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the stored form of a patient's conversation.  It lives only for
// the duration of the visit and is deleted when the session ends or idles
// out.  The credential is never serialised.
type Session struct {
	ID           string    `json:"id"`
	Persona      string    `json:"persona"`
	VoiceOutput  bool      `json:"voice_output"`
	Credential   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Turns        []Turn    `json:"turns"`
}

// ChatRequest represents a typed message from the patient.
type ChatRequest struct {
	Content string `json:"content"`
}

// TurnResponse is returned to JSON clients after a turn.  When voice output
// is on, AudioURL points at the mp3 of the reply, synthesised on request.
type TurnResponse struct {
	User       string `json:"user,omitempty"`
	Reply      string `json:"reply,omitempty"`
	AudioURL   string `json:"audio_url,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Unanswered bool   `json:"unanswered,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SessionView is the JSON representation of a session for clients.
type SessionView struct {
	SessionID   string     `json:"session_id"`
	Persona     string     `json:"persona"`
	VoiceOutput bool       `json:"voice_output"`
	Online      bool       `json:"online"`
	Transcript  []TurnView `json:"transcript"`
}

// TurnView decorates a turn with whether it was left without a reply.
type TurnView struct {
	Turn
	Unanswered bool `json:"unanswered,omitempty"`
}
