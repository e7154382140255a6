package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ivf-companion/internal/audio"
	"ivf-companion/internal/core"
	"ivf-companion/internal/protocol"
)

// handleVoice upgrades to the WebSocket voice channel.  Each text frame is a
// protocol envelope; a binary frame carries the recording announced by the
// preceding audio_start.  All writes happen on this goroutine.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to upgrade connection")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.MaxAudioBytes)

	vc := &voiceConn{
		srv:       s,
		conn:      conn,
		sessionID: sessionID,
		log:       s.Log.With().Str("session_id", sessionID).Str("transport", "ws").Logger(),
	}
	vc.log.Info().Msg("voice channel opened")
	vc.send(protocol.MsgSettings, vc.settingsPayload(s.settingsFor(sess)))
	vc.run(r.Context())
	vc.log.Info().Msg("voice channel closed")
}

type voiceConn struct {
	srv       *Server
	conn      *websocket.Conn
	sessionID string
	log       zerolog.Logger

	pending *protocol.AudioStartPayload
}

func (vc *voiceConn) run(ctx context.Context) {
	for {
		msgType, data, err := vc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				vc.log.Warn().Err(err).Msg("voice channel read failed")
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			vc.handleAudio(ctx, data)
		case websocket.TextMessage:
			vc.handleEnvelope(ctx, data)
		}
	}
}

func (vc *voiceConn) handleEnvelope(ctx context.Context, data []byte) {
	typ, raw, err := protocol.Unmarshal(data)
	if err != nil {
		vc.sendError(protocol.ErrKindInput, "Malformed message.")
		return
	}
	switch typ {
	case protocol.MsgText:
		p, err := protocol.UnmarshalPayload[protocol.TextPayload](raw)
		if err != nil {
			vc.sendError(protocol.ErrKindInput, "Malformed message.")
			return
		}
		vc.turn(ctx, core.Input{Text: p.Text})
	case protocol.MsgAudioStart:
		p, err := protocol.UnmarshalPayload[protocol.AudioStartPayload](raw)
		if err != nil {
			vc.sendError(protocol.ErrKindInput, "Malformed message.")
			return
		}
		vc.pending = &p
	case protocol.MsgVoiceOutput:
		p, err := protocol.UnmarshalPayload[protocol.VoiceOutputPayload](raw)
		if err != nil {
			vc.sendError(protocol.ErrKindInput, "Malformed message.")
			return
		}
		vc.settings(ctx, &p.Enabled, "")
	case protocol.MsgCredential:
		p, err := protocol.UnmarshalPayload[protocol.CredentialPayload](raw)
		if err != nil {
			vc.sendError(protocol.ErrKindInput, "Malformed message.")
			return
		}
		vc.settings(ctx, nil, p.APIKey)
	default:
		vc.sendError(protocol.ErrKindInput, "Unknown message type.")
	}
}

func (vc *voiceConn) handleAudio(ctx context.Context, data []byte) {
	start := vc.pending
	vc.pending = nil
	if start == nil {
		vc.sendError(protocol.ErrKindInput, "Send audio_start before the recording.")
		return
	}
	format, err := audio.ParseFormat(start.Format)
	if err != nil {
		vc.sendError(errorKind(err), userMessage(err))
		return
	}
	vc.turn(ctx, core.Input{Audio: &audio.Payload{
		Data:       data,
		Format:     format,
		SampleRate: vc.srv.sampleRate(format, start.SampleRate),
	}})
}

func (vc *voiceConn) turn(ctx context.Context, in core.Input) {
	res, err := vc.srv.runTurn(ctx, vc.sessionID, in)
	if res.Transcribed {
		vc.send(protocol.MsgTranscript, protocol.TranscriptPayload{Text: res.User})
	}
	if err != nil {
		if res.User != "" {
			vc.send(protocol.MsgTurn, protocol.TurnPayload{User: res.User, Unanswered: true})
		}
		if errorKind(err) == protocol.ErrKindInternal {
			vc.log.Error().Err(err).Msg("turn failed")
		}
		vc.sendError(errorKind(err), userMessage(err))
		return
	}
	if res.Skipped {
		return
	}
	vc.send(protocol.MsgTurn, protocol.TurnPayload{User: res.User, Reply: res.Reply, Audio: res.Speak})
	if !res.Speak {
		return
	}
	data, err := vc.srv.speak(ctx, vc.sessionID, res.ReplyIndex)
	if err != nil {
		vc.sendError(errorKind(err), userMessage(err))
		return
	}
	if err := vc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		vc.log.Warn().Err(err).Msg("failed to send audio")
	}
}

func (vc *voiceConn) settings(ctx context.Context, voiceOutput *bool, apiKey string) {
	sess, err := vc.srv.applySettings(ctx, vc.sessionID, voiceOutput, apiKey)
	if err != nil {
		vc.sendError(errorKind(err), userMessage(err))
		return
	}
	vc.send(protocol.MsgSettings, vc.settingsPayload(vc.srv.settingsFor(sess)))
}

func (vc *voiceConn) settingsPayload(v settingsData) protocol.SettingsPayload {
	return protocol.SettingsPayload{VoiceOutput: v.VoiceOutput, Online: v.Online, Persona: v.Persona}
}

func (vc *voiceConn) send(typ protocol.MessageType, payload interface{}) {
	data, err := protocol.Marshal(typ, payload)
	if err != nil {
		vc.log.Error().Err(err).Msg("failed to encode message")
		return
	}
	if err := vc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		vc.log.Warn().Err(err).Str("type", string(typ)).Msg("failed to send message")
	}
}

func (vc *voiceConn) sendError(kind, message string) {
	vc.send(protocol.MsgError, protocol.ErrorPayload{Kind: kind, Message: message})
}

// errorKind classifies err for the error envelope.
func errorKind(err error) string {
	var perr *core.ProviderError
	if errors.As(err, &perr) {
		return perr.Op
	}
	switch statusFor(err) {
	case http.StatusPreconditionFailed:
		return protocol.ErrKindConfiguration
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge:
		return protocol.ErrKindInput
	default:
		return protocol.ErrKindInternal
	}
}
