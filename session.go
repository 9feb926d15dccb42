package voiceagent

import (
	"strings"
	"sync"
)

// Turn is one finished exchange as transcribed by the server.
type Turn struct {
	User  string `yaml:"user"`
	Model string `yaml:"model"`
	Text  string `yaml:"text,omitempty"`
}

// SessionState folds server events into the conversation so far.
type SessionState struct {
	mu            sync.Mutex
	sessionID     string
	setupReceived bool
	setupComplete bool
	userText      strings.Builder
	modelText     strings.Builder
	replyText     strings.Builder
	turns         []Turn
	usage         ServerEventParamUsage
	goAway        string
	lastError     *ServerEventParamError
	unknown       int
}

// NewSessionState initializes a new session state
func NewSessionState() *SessionState {
	return &SessionState{}
}

// SessionSnapshot is a copy of SessionState safe to keep.
type SessionSnapshot struct {
	SessionID     string                 `yaml:"session_id,omitempty"`
	SetupReceived bool                   `yaml:"setup_received"`
	SetupComplete bool                   `yaml:"setup_complete"`
	Turns         []Turn                 `yaml:"turns"`
	Pending       Turn                   `yaml:"pending"`
	Usage         ServerEventParamUsage  `yaml:"-"`
	GoAway        string                 `yaml:"go_away,omitempty"`
	LastError     *ServerEventParamError `yaml:"-"`
	UnknownEvents int                    `yaml:"unknown_events"`
}

func (s *SessionState) Apply(e *ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p := e.Param.(type) {
	case *ServerEventParamText:
		switch e.Type {
		case ServerEventTypeTranscriptIn:
			s.userText.WriteString(p.Text)
		case ServerEventTypeTranscriptOut:
			s.modelText.WriteString(p.Text)
		case ServerEventTypeText:
			s.replyText.WriteString(p.Text)
		}
	case *ServerEventParamEmpty:
		switch e.Type {
		case ServerEventTypeSetupReceived:
			s.setupReceived = true
		case ServerEventTypeSetupComplete:
			s.setupComplete = true
		case ServerEventTypeTurnComplete:
			s.turns = append(s.turns, s.pendingLocked())
			s.userText.Reset()
			s.modelText.Reset()
			s.replyText.Reset()
		}
	case *ServerEventParamConnected:
		s.sessionID = p.SessionId
	case *ServerEventParamUsage:
		s.usage = *p
	case *ServerEventParamGoAway:
		s.goAway = p.TimeLeft
	case *ServerEventParamError:
		errCopy := *p
		s.lastError = &errCopy
	case *ServerEventParamUnknown:
		s.unknown++
	}
}

func (s *SessionState) pendingLocked() Turn {
	return Turn{
		User:  s.userText.String(),
		Model: s.modelText.String(),
		Text:  s.replyText.String(),
	}
}

func (s *SessionState) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		SessionID:     s.sessionID,
		SetupReceived: s.setupReceived,
		SetupComplete: s.setupComplete,
		Turns:         append([]Turn(nil), s.turns...),
		Pending:       s.pendingLocked(),
		Usage:         s.usage,
		GoAway:        s.goAway,
		LastError:     s.lastError,
		UnknownEvents: s.unknown,
	}
}
