package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SessionState is the position of the session in the join state machine.
type SessionState int

const (
	// Idle means the session is not in any room.
	Idle SessionState = iota
	// Joining means a join request was sent and no history snapshot has arrived yet.
	Joining
	// Active means the history snapshot has arrived and live updates are applied.
	Active
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Snapshot is a copy of the session state at one point in time.
type Snapshot struct {
	State SessionState
	// Room is the active room. It is empty when State is Idle.
	Room string
	// Occupancy is the last online count received for Room.
	Occupancy int
	Messages  []ChatMessage
	// RemoteTyping is the name of the remote user shown as typing.
	RemoteTyping string
}

// Session tracks which room the client is in, its messages, its occupancy and
// who is typing. There is at most one active room: selecting a room discards
// everything known about the previous one.
//
// The relay does not tag history snapshots with their room, so only one join
// is in flight at a time. A selection made while a join is outstanding is
// queued and sent once the outstanding snapshot arrives; that snapshot is
// discarded.
type Session struct {
	mu       sync.Mutex
	identity Identity
	bus      EventBus
	typing   *TypingCoordinator
	clock    clockwork.Clock
	logger   *slog.Logger

	state        SessionState
	room         string
	occupancy    int
	messages     []ChatMessage
	remoteTyping string

	awaitingSnapshot bool
	joinQueued       bool

	subs []Subscription

	quietPeriod       time.Duration
	remoteTypingTTL   time.Duration
	remoteTypingTimer clockwork.Timer
	remoteTypingGen   uint64

	onChange func(Snapshot)
}

// SessionOption configures a Session created by NewSession.
type SessionOption func(*Session)

// WithSessionLogger sets the logger used by the session and its typing coordinator.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithClock sets the clock that drives the typing timers.
func WithClock(c clockwork.Clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

// WithTypingQuietPeriod sets how long after the last keystroke a stop typing
// event is sent.
func WithTypingQuietPeriod(d time.Duration) SessionOption {
	return func(s *Session) {
		s.quietPeriod = d
	}
}

// WithRemoteTypingTTL clears a remote typing label that has not been hidden
// after d. Zero keeps the label until a hide typing or chat message event.
func WithRemoteTypingTTL(d time.Duration) SessionOption {
	return func(s *Session) {
		s.remoteTypingTTL = d
	}
}

func NewSession(identity Identity, bus EventBus, opts ...SessionOption) *Session {
	s := &Session{
		identity:    identity,
		bus:         bus,
		clock:       clockwork.NewRealClock(),
		logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
		quietPeriod: DefaultTypingQuietPeriod,
		onChange:    func(Snapshot) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.typing = NewTypingCoordinator(identity, bus, s.clock, s.quietPeriod, s.logger)

	s.mu.Lock()
	s.rebindLocked()
	s.mu.Unlock()
	return s
}

func (s *Session) Identity() Identity {
	return s.identity
}

// OnChange registers f to be called with the new state after every change.
// f is called without holding the session lock.
func (s *Session) OnChange(f func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = f
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SelectRoom resets the session and joins the room called name.
func (s *Session) SelectRoom(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyRoomName
	}

	s.mu.Lock()
	s.resetLocked()
	s.room = name
	s.state = Joining
	s.rebindLocked()

	var err error
	if s.awaitingSnapshot {
		s.joinQueued = true
		s.logger.Debug("join queued behind outstanding join", slog.String("room", name))
	} else {
		err = s.joinLocked()
	}
	s.commit()
	return err
}

// Leave resets the session to Idle. The relay is not notified; it learns about
// the departure when the client joins another room or disconnects.
func (s *Session) Leave() {
	s.mu.Lock()
	s.resetLocked()
	s.room = ""
	s.state = Idle
	s.joinQueued = false
	s.rebindLocked()
	s.commit()
}

// Rejoin sends the join request for the active room again. It is used after
// the connection to the relay has been re-established.
func (s *Session) Rejoin() error {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil
	}
	// joins sent on the lost connection will never be answered
	s.awaitingSnapshot = false
	s.joinQueued = false
	s.state = Joining
	err := s.joinLocked()
	s.commit()
	return err
}

// Keystroke signals that the local user is typing in the active room.
// It is ignored when the session is Idle.
func (s *Session) Keystroke() error {
	s.mu.Lock()
	room, state := s.room, s.state
	s.mu.Unlock()
	if state == Idle {
		return nil
	}
	return s.typing.Keystroke(room)
}

// Send sends text to the active room and ends the local typing state.
// Blank text is rejected with ErrEmptyMessage without sending anything.
func (s *Session) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	room, state := s.room, s.state
	s.mu.Unlock()
	if state == Idle {
		return ErrNotInRoom
	}

	payload := ChatMessagePayload{
		Username: s.identity.DisplayName,
		Text:     text,
		Room:     room,
	}
	if err := emit(s.bus, ChatMessageEvent, payload); err != nil {
		return err
	}
	return s.typing.Sent(room)
}

// Close removes the session's subscriptions and cancels its timers.
func (s *Session) Close() {
	s.mu.Lock()
	s.bus.Off(s.subs...)
	s.subs = nil
	s.stopRemoteTypingTimerLocked()
	s.mu.Unlock()
	s.typing.Cancel()
}

func (s *Session) joinLocked() error {
	payload := JoinRoomPayload{
		Username: s.identity.DisplayName,
		Room:     s.room,
	}
	if err := emit(s.bus, JoinRoomEvent, payload); err != nil {
		return fmt.Errorf("join %s: %w", s.room, err)
	}
	s.awaitingSnapshot = true
	return nil
}

func (s *Session) resetLocked() {
	s.messages = nil
	s.occupancy = 0
	s.clearRemoteTypingLocked()
}

// rebindLocked replaces the session's subscriptions with ones scoped to the
// current room. Each handler is swapped in place, so an event dispatched during
// a room change is never left without a handler.
func (s *Session) rebindLocked() {
	room := s.room
	bindings := []struct {
		event   string
		handler EventHandler
	}{
		{MessageHistoryEvent, s.handleHistory},
		{ChatMessageEvent, s.handleChatMessage},
		{OnlineCountEvent, func(ctx context.Context, e *Event) error {
			return s.handleOnlineCount(room, e)
		}},
		{ShowTypingEvent, s.handleShowTyping},
		{HideTypingEvent, s.handleHideTyping},
	}

	subs := make([]Subscription, len(bindings))
	for i, b := range bindings {
		if i < len(s.subs) {
			subs[i] = s.bus.Replace(s.subs[i], b.handler)
		} else {
			subs[i] = s.bus.On(b.event, b.handler)
		}
	}
	s.subs = subs
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:        s.state,
		Room:         s.room,
		Occupancy:    s.occupancy,
		Messages:     slices.Clone(s.messages),
		RemoteTyping: s.remoteTyping,
	}
}

// commit releases the lock taken by the caller and publishes the new state.
func (s *Session) commit() {
	snap := s.snapshotLocked()
	onChange := s.onChange
	s.mu.Unlock()
	onChange(snap)
}

func emit(bus EventBus, t string, payload any) error {
	if err := Validate(payload); err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}
	return bus.Emit(t, payload)
}
