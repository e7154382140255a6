package http

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ivf-companion/internal/audio"
	"ivf-companion/internal/core"
	"ivf-companion/internal/db"
	"ivf-companion/internal/persona"
	"ivf-companion/pkg"
)

//go:embed templates/*.html
var templateFS embed.FS

// DefaultMaxAudioBytes caps an uploaded recording.  Whisper rejects files over
// 25 MB anyway.
const DefaultMaxAudioBytes = 25 << 20

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Store     db.Store
	Chat      *core.ChatService
	Personas  *persona.Catalogue
	Templates *template.Template
	Log       zerolog.Logger

	// PCMSampleRate is assumed for raw pcm16 uploads that do not state one.
	PCMSampleRate int
	MaxAudioBytes int64

	locks    *sessionLocks
	upgrader websocket.Upgrader
}

// NewServer constructs a Server.  Templates are embedded in the binary.
func NewServer(store db.Store, chat *core.ChatService, personas *persona.Catalogue, log zerolog.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		Store:         store,
		Chat:          chat,
		Personas:      personas,
		Templates:     tmpl,
		Log:           log,
		PCMSampleRate: 16000,
		MaxAudioBytes: DefaultMaxAudioBytes,
		locks:         newSessionLocks(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case path == "/" && r.Method == http.MethodGet:
		s.handleStart(w, r)
	case path == "/healthz" && r.Method == http.MethodGet:
		io.WriteString(w, "ok")
	case path == "/api/personas" && r.Method == http.MethodGet:
		s.handlePersonas(w, r)
	// Create a new session: POST /api/sessions
	case path == "/api/sessions" && r.Method == http.MethodPost:
		s.handleCreateSession(w, r)
	// Patient HTML page: GET /patient/sessions/{id}
	case len(parts) == 3 && parts[0] == "patient" && parts[1] == "sessions" && r.Method == http.MethodGet:
		s.handlePatientPage(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "sessions":
		switch r.Method {
		case http.MethodGet:
			s.handleGetSession(w, r, parts[2])
		case http.MethodDelete:
			s.handleDeleteSession(w, r, parts[2])
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	// POST /api/sessions/{id}/messages, /settings; GET /api/sessions/{id}/ws
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "sessions":
		sessionID := parts[2]
		switch {
		case parts[3] == "messages" && r.Method == http.MethodPost:
			s.handlePostMessage(w, r, sessionID)
		case parts[3] == "settings" && r.Method == http.MethodPost:
			s.handleSettings(w, r, sessionID)
		case parts[3] == "ws" && r.Method == http.MethodGet:
			s.handleVoice(w, r, sessionID)
		default:
			http.NotFound(w, r)
		}
	// GET /api/sessions/{id}/turns/{n}/speech
	case len(parts) == 6 && parts[0] == "api" && parts[1] == "sessions" && parts[3] == "turns" && parts[5] == "speech" && r.Method == http.MethodGet:
		s.handleSpeech(w, r, parts[2], parts[4])
	default:
		http.NotFound(w, r)
	}
}

// handleStart opens a session with the default persona and redirects to it.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	variant := s.Personas.Default()
	sess, err := s.Store.CreateSession(r.Context(), variant.Name, variant.VoiceOutputDefault)
	if err != nil {
		s.internalError(w, err)
		return
	}
	http.Redirect(w, r, startURL(sess.ID), http.StatusSeeOther)
}

type createSessionRequest struct {
	Persona string `json:"persona"`
}

// handleCreateSession creates a new anonymous session bound to the requested
// persona (or the default) and returns its ID and start URL.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if isJSON(r.Header.Get("Content-Type")) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			if err := sonic.Unmarshal(body, &req); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		req.Persona = r.FormValue("persona")
	}

	variant, err := s.Personas.Lookup(strings.TrimSpace(req.Persona))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.Store.CreateSession(r.Context(), variant.Name, variant.VoiceOutputDefault)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.Log.Info().Str("session_id", sess.ID).Str("persona", variant.Name).Msg("session created")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sess.ID,
		"start_url":  startURL(sess.ID),
		"persona":    variant.Name,
	})
}

type pageData struct {
	SessionID       string
	Persona         persona.Variant
	Transcript      []pkg.TurnView
	Settings        settingsData
	EmergencyNotice string
}

type settingsData struct {
	SessionID    string
	Persona      string
	VoiceOutput  bool
	Online       bool
	ServerOnline bool
	Saved        bool
}

// handlePatientPage renders the chat interface for a patient session.
func (s *Server) handlePatientPage(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	variant, err := s.Personas.Lookup(sess.Persona)
	if err != nil {
		variant = s.Personas.Default()
	}
	data := pageData{
		SessionID:       sess.ID,
		Persona:         variant,
		Transcript:      core.Views(sess.Turns),
		Settings:        s.settingsFor(sess),
		EmergencyNotice: s.Personas.EmergencyNotice,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.Templates.ExecuteTemplate(w, "patient.html", data); err != nil {
		s.Log.Error().Err(err).Msg("failed to render patient page")
	}
}

func (s *Server) settingsFor(sess *pkg.Session) settingsData {
	state := core.StateFromSession(sess)
	return settingsData{
		SessionID:    sess.ID,
		Persona:      sess.Persona,
		VoiceOutput:  sess.VoiceOutput,
		Online:       s.Chat.Online(state),
		ServerOnline: s.Chat.ServerOnline(),
	}
}

// handleGetSession returns the transcript and settings as JSON.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg.SessionView{
		SessionID:   sess.ID,
		Persona:     sess.Persona,
		VoiceOutput: sess.VoiceOutput,
		Online:      s.Chat.Online(core.StateFromSession(sess)),
		Transcript:  core.Views(sess.Turns),
	})
}

// handleDeleteSession ends a session.  Its transcript and credential are
// removed from the store.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	if err := s.Store.DeleteSession(r.Context(), sessionID); err != nil {
		s.storeError(w, err)
		return
	}
	s.Log.Info().Str("session_id", sessionID).Msg("session ended")
	w.WriteHeader(http.StatusNoContent)
}

type personaView struct {
	persona.Variant
	Default bool `json:"default,omitempty"`
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	def := s.Personas.Default().Name
	var out []personaView
	for _, v := range s.Personas.List() {
		out = append(out, personaView{Variant: v, Default: v.Name == def})
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePostMessage runs one conversation turn for a typed message or an
// uploaded recording.  HTMX clients receive an HTML snippet to append to the
// transcript; JSON clients receive a TurnResponse.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	in, err := s.readInput(w, r)
	if err != nil {
		s.renderTurn(w, r, sessionID, core.TurnResult{}, err)
		return
	}
	res, err := s.runTurn(r.Context(), sessionID, in)
	s.renderTurn(w, r, sessionID, res, err)
}

// handleSpeech returns the mp3 for an assistant turn.  Turn responses link
// here so the reply text is shown without waiting on synthesis.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request, sessionID, turn string) {
	index, err := strconv.Atoi(turn)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	data, err := s.speak(r.Context(), sessionID, index)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.Log.Error().Err(err).Str("session_id", sessionID).Msg("speech failed")
		}
		writeJSON(w, status, map[string]string{"error": userMessage(err)})
		return
	}
	if len(data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) readInput(w http.ResponseWriter, r *http.Request) (core.Input, error) {
	var in core.Input
	contentType := r.Header.Get("Content-Type")
	if isJSON(contentType) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return in, core.ErrEmptyInput
		}
		var req pkg.ChatRequest
		if err := sonic.Unmarshal(body, &req); err != nil {
			return in, core.ErrEmptyInput
		}
		in.Text = req.Content
		return in, nil
	}

	if strings.HasPrefix(contentType, "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxAudioBytes+(1<<20))
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return in, errRecordingTooLarge
			}
			return in, core.ErrEmptyInput
		}
	} else if err := r.ParseForm(); err != nil {
		return in, core.ErrEmptyInput
	}
	in.Text = r.FormValue("content")
	if strings.TrimSpace(in.Text) != "" {
		return in, nil
	}

	file, header, err := r.FormFile("audio")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return in, nil
	}
	if err != nil {
		return in, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return in, err
	}
	if int64(len(data)) > s.MaxAudioBytes {
		return in, errRecordingTooLarge
	}

	hint := r.FormValue("format")
	if hint == "" {
		hint = filepath.Ext(header.Filename)
	}
	if hint == "" {
		hint = header.Header.Get("Content-Type")
	}
	format, err := audio.ParseFormat(hint)
	if err != nil {
		return in, err
	}
	rate, _ := strconv.Atoi(r.FormValue("sample_rate"))
	in.Audio = &audio.Payload{Data: data, Format: format, SampleRate: s.sampleRate(format, rate)}
	return in, nil
}

func (s *Server) sampleRate(format audio.Format, rate int) int {
	if rate == 0 && format == audio.FormatPCM16 {
		return s.PCMSampleRate
	}
	return rate
}

type turnData struct {
	User       string
	Reply      string
	Audio      string
	Unanswered bool
	Skipped    bool
	Error      string
}

func (s *Server) renderTurn(w http.ResponseWriter, r *http.Request, sessionID string, res core.TurnResult, err error) {
	status := http.StatusOK
	resp := pkg.TurnResponse{User: res.User, Reply: res.Reply, Skipped: res.Skipped}
	if err != nil {
		status = statusFor(err)
		resp.Error = userMessage(err)
		resp.Unanswered = res.User != "" && res.Reply == ""
		if status == http.StatusInternalServerError {
			s.Log.Error().Err(err).Msg("turn failed")
		}
	}
	if err == nil && res.Speak {
		resp.AudioURL = speechURL(sessionID, res.ReplyIndex)
	}

	if wantsJSON(r) {
		writeJSON(w, status, resp)
		return
	}
	data := turnData{
		User:       resp.User,
		Reply:      resp.Reply,
		Audio:      resp.AudioURL,
		Unanswered: resp.Unanswered,
		Skipped:    resp.Skipped,
		Error:      resp.Error,
	}
	// htmx does not swap error responses, so its snippets always go out as 200
	if r.Header.Get("HX-Request") != "" {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.Templates.ExecuteTemplate(w, "turn", data); err != nil {
		s.Log.Error().Err(err).Msg("failed to render turn")
	}
}

type settingsRequest struct {
	VoiceOutput *bool  `json:"voice_output"`
	APIKey      string `json:"api_key"`
}

// handleSettings updates the voice toggle and, when given, the session's own
// API key.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req settingsRequest
	if isJSON(r.Header.Get("Content-Type")) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil || sonic.Unmarshal(body, &req) != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		// an unticked checkbox is simply absent from the form
		on := formBool(r.FormValue("voice_output"))
		req.VoiceOutput = &on
		req.APIKey = r.FormValue("api_key")
	}

	sess, err := s.applySettings(r.Context(), sessionID, req.VoiceOutput, req.APIKey)
	if err != nil {
		s.storeError(w, err)
		return
	}
	view := s.settingsFor(sess)
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"voice_output": view.VoiceOutput,
			"online":       view.Online,
		})
		return
	}
	view.Saved = true
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.Templates.ExecuteTemplate(w, "settings", view); err != nil {
		s.Log.Error().Err(err).Msg("failed to render settings")
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.internalError(w, err)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.Log.Error().Err(err).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

var errRecordingTooLarge = errors.New("recording too large")

// statusFor maps turn errors onto HTTP status codes.
func statusFor(err error) int {
	var perr *core.ProviderError
	switch {
	case errors.Is(err, core.ErrNoCredential):
		return http.StatusPreconditionFailed
	case errors.Is(err, db.ErrSessionNotFound), errors.Is(err, errNoReply):
		return http.StatusNotFound
	case errors.Is(err, errRecordingTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrEmptyInput),
		errors.Is(err, audio.ErrUnsupportedFormat),
		errors.Is(err, audio.ErrEmptyPayload),
		errors.Is(err, audio.ErrInvalidPayload),
		errors.Is(err, persona.ErrUnknownVariant):
		return http.StatusBadRequest
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// userMessage is the text shown inline to the patient for err.
func userMessage(err error) string {
	var perr *core.ProviderError
	if errors.As(err, &perr) {
		return perr.UserMessage()
	}
	switch statusFor(err) {
	case http.StatusPreconditionFailed:
		return core.ErrNoCredential.Error()
	case http.StatusNotFound:
		if errors.Is(err, errNoReply) {
			return "There is no reply to read aloud."
		}
		return "This session has ended. Please start a new one."
	case http.StatusRequestEntityTooLarge:
		return "That recording is too long. Please keep it shorter or type your message."
	case http.StatusBadRequest:
		switch {
		case errors.Is(err, audio.ErrUnsupportedFormat):
			return "That audio format is not supported. Please record again or type your message."
		case errors.Is(err, audio.ErrInvalidPayload):
			return "That recording could not be read. Please record again or type your message."
		case errors.Is(err, persona.ErrUnknownVariant):
			return "That companion is not available."
		}
		return "Please type a message or record your question."
	default:
		return "Something went wrong. Please try again."
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func wantsJSON(r *http.Request) bool {
	if r.Header.Get("HX-Request") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json") || isJSON(r.Header.Get("Content-Type"))
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func startURL(id string) string {
	return "/patient/sessions/" + id
}

func speechURL(id string, turn int) string {
	return fmt.Sprintf("/api/sessions/%s/turns/%d/speech", id, turn)
}
