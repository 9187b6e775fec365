package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTypingQuietPeriod is how long after the last keystroke the stop
// typing event is sent.
const DefaultTypingQuietPeriod = 1500 * time.Millisecond

// TypingCoordinator sends the local user's typing state.
// Every keystroke sends a typing event right away and restarts a timer; when
// the timer runs out a single stop typing event is sent.
type TypingCoordinator struct {
	mu       sync.Mutex
	identity Identity
	bus      EventBus
	clock    clockwork.Clock
	quiet    time.Duration
	logger   *slog.Logger

	timer clockwork.Timer
	// gen invalidates timers that fired after being replaced or stopped.
	gen uint64
}

func NewTypingCoordinator(identity Identity, bus EventBus, clock clockwork.Clock, quiet time.Duration, logger *slog.Logger) *TypingCoordinator {
	return &TypingCoordinator{
		identity: identity,
		bus:      bus,
		clock:    clock,
		quiet:    quiet,
		logger:   logger,
	}
}

func (t *TypingCoordinator) Keystroke(room string) error {
	payload := TypingPayload{
		Username: t.identity.DisplayName,
		Room:     room,
	}
	if err := emit(t.bus, TypingEvent, payload); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.quiet, func() {
		t.expire(gen, room)
	})
	return nil
}

// Sent ends the typing state right away after a message was sent.
func (t *TypingCoordinator) Sent(room string) error {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()
	return emit(t.bus, StopTypingEvent, StopTypingPayload{Room: room})
}

// Cancel drops the pending stop typing event, if any.
func (t *TypingCoordinator) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Pending reports whether a stop typing event is scheduled.
func (t *TypingCoordinator) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *TypingCoordinator) expire(gen uint64, room string) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()

	if err := emit(t.bus, StopTypingEvent, StopTypingPayload{Room: room}); err != nil {
		t.logger.Error(err.Error())
	}
}

func (t *TypingCoordinator) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (s *Session) handleShowTyping(_ context.Context, e *Event) error {
	var name string
	if err := e.Decode(&name); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Idle || name == "" || name == s.identity.DisplayName {
		s.mu.Unlock()
		return nil
	}
	s.remoteTyping = name
	s.armRemoteTypingTimerLocked()
	s.commit()
	return nil
}

func (s *Session) handleHideTyping(_ context.Context, _ *Event) error {
	s.mu.Lock()
	s.clearRemoteTypingLocked()
	s.commit()
	return nil
}

func (s *Session) clearRemoteTypingLocked() {
	s.remoteTyping = ""
	s.stopRemoteTypingTimerLocked()
}

func (s *Session) stopRemoteTypingTimerLocked() {
	if s.remoteTypingTimer != nil {
		s.remoteTypingTimer.Stop()
		s.remoteTypingTimer = nil
	}
	s.remoteTypingGen++
}

func (s *Session) armRemoteTypingTimerLocked() {
	s.stopRemoteTypingTimerLocked()
	if s.remoteTypingTTL <= 0 {
		return
	}
	gen := s.remoteTypingGen
	s.remoteTypingTimer = s.clock.AfterFunc(s.remoteTypingTTL, func() {
		s.mu.Lock()
		if gen != s.remoteTypingGen {
			s.mu.Unlock()
			return
		}
		s.remoteTyping = ""
		s.remoteTypingTimer = nil
		s.commit()
	})
}
