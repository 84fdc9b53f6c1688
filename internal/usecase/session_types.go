package usecase

import (
	"sync"

	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
)

type activeSession struct {
	id     string
	device string
	cancel func()
	audio  ports.AudioSession
	stream ports.StreamingSession

	stateMu sync.Mutex
	state   domain.SessionState
	claimed bool

	pumpDone    chan struct{}
	interimDone chan struct{}
	finished    chan struct{}
}

func newActiveSession(id, device string) *activeSession {
	return &activeSession{
		id:          id,
		device:      device,
		state:       domain.SessionStateStarting,
		pumpDone:    make(chan struct{}),
		interimDone: make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

func (s *activeSession) setState(state domain.SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *activeSession) getState() domain.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// claim reports whether the caller now owns teardown of s.
func (s *activeSession) claim() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.claimed {
		return false
	}
	s.claimed = true
	s.state = domain.SessionStateStopping
	return true
}

func (s *activeSession) logFields() []interface{} {
	return append(logging.SessionFields(s.id, string(domain.OriginMic)), "device", s.device)
}
