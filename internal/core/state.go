package core

import (
	"ivf-companion/pkg"
)

// ConversationState is the mutable handle a surface passes into the
// orchestrator for one turn.  Turns are append-only.
type ConversationState struct {
	Turns              []pkg.Turn
	Credential         string
	VoiceOutputEnabled bool
}

// StateFromSession copies a stored session into a fresh state.
func StateFromSession(s *pkg.Session) *ConversationState {
	return &ConversationState{
		Turns:              append([]pkg.Turn(nil), s.Turns...),
		Credential:         s.Credential,
		VoiceOutputEnabled: s.VoiceOutput,
	}
}

// Append adds a turn to the end of the conversation.
func (s *ConversationState) Append(t pkg.Turn) {
	s.Turns = append(s.Turns, t)
}

// Window returns a copy of the last k turns, oldest first.
func (s *ConversationState) Window(k int) []pkg.Turn {
	if k <= 0 {
		return nil
	}
	start := len(s.Turns) - k
	if start < 0 {
		start = 0
	}
	return append([]pkg.Turn(nil), s.Turns[start:]...)
}

// Unanswered reports whether turn i is a user turn that never got an
// assistant reply.
func (s *ConversationState) Unanswered(i int) bool {
	return Unanswered(s.Turns, i)
}

// Unanswered reports whether turns[i] is a user turn not followed by an
// assistant turn.
func Unanswered(turns []pkg.Turn, i int) bool {
	if i < 0 || i >= len(turns) || turns[i].Role != pkg.RoleUser {
		return false
	}
	return i+1 >= len(turns) || turns[i+1].Role != pkg.RoleAssistant
}

// Views decorates turns with their unanswered marker.
func Views(turns []pkg.Turn) []pkg.TurnView {
	out := make([]pkg.TurnView, len(turns))
	for i, t := range turns {
		out[i] = pkg.TurnView{Turn: t, Unanswered: Unanswered(turns, i)}
	}
	return out
}
