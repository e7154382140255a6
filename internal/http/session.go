package http

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ivf-companion/internal/core"
	"ivf-companion/pkg"
)

var errNoReply = errors.New("no assistant reply at that position")

// sessionLocks serialises turns within a session.  Entries are dropped once
// nobody holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until id is free and returns the matching unlock.
func (l *sessionLocks) Lock(id string) func() {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &sessionLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// runTurn loads the session, runs one turn and stores whatever turns it
// appended, including a user turn left unanswered by a failed completion.
func (s *Server) runTurn(ctx context.Context, sessionID string, in core.Input) (core.TurnResult, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return core.TurnResult{}, err
	}
	state := core.StateFromSession(sess)
	before := len(state.Turns)

	res, turnErr := s.Chat.Turn(s.chatContext(ctx, sessionID), state, sess.Persona, in)

	if added := state.Turns[before:]; len(added) > 0 {
		// the provider call may have been cut short by the client; the turns
		// it produced are still kept
		if err := s.Store.AppendTurns(context.WithoutCancel(ctx), sessionID, added); err != nil {
			return res, fmt.Errorf("failed to store turns: %w", err)
		}
	}
	return res, turnErr
}

// speak synthesises the assistant turn at index.  It runs outside the session
// lock so a slow synthesis never holds up the next turn.
func (s *Server) speak(ctx context.Context, sessionID string, index int) ([]byte, error) {
	sess, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(sess.Turns) || sess.Turns[index].Role != pkg.RoleAssistant {
		return nil, errNoReply
	}
	return s.Chat.Synthesize(s.chatContext(ctx, sessionID), core.StateFromSession(sess), sess.Turns[index].Content)
}

// chatContext carries the chat service's logger, tagged with the session.
func (s *Server) chatContext(ctx context.Context, sessionID string) context.Context {
	log := s.Chat.Log.With().Str("session_id", sessionID).Logger()
	return log.WithContext(ctx)
}

// applySettings stores the voice toggle (when given) and a new credential
// (when non-blank), returning the updated session.
func (s *Server) applySettings(ctx context.Context, sessionID string, voiceOutput *bool, apiKey string) (*pkg.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state := core.StateFromSession(sess)
	if voiceOutput != nil {
		s.Chat.SetVoiceOutput(state, *voiceOutput)
	}
	credential := ""
	if s.Chat.SetCredential(state, apiKey) {
		credential = state.Credential
	}
	if err := s.Store.UpdateSettings(ctx, sessionID, state.VoiceOutputEnabled, credential); err != nil {
		return nil, err
	}
	sess.VoiceOutput = state.VoiceOutputEnabled
	sess.Credential = state.Credential
	s.Log.Info().
		Str("session_id", sessionID).
		Bool("voice_output", sess.VoiceOutput).
		Bool("credential_updated", credential != "").
		Msg("settings updated")
	return sess, nil
}
