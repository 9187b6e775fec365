package core

import (
	"context"
	"log/slog"
	"slices"
)

func (s *Session) handleHistory(_ context.Context, e *Event) error {
	var msgs []ChatMessage
	if err := e.Decode(&msgs); err != nil {
		return err
	}

	s.mu.Lock()
	s.awaitingSnapshot = false
	if s.joinQueued {
		// the snapshot answers a join that was superseded by a later selection
		s.joinQueued = false
		s.logger.Debug("discarding superseded history snapshot", slog.Int("messages", len(msgs)))
		err := s.joinLocked()
		s.mu.Unlock()
		return err
	}
	if s.state == Idle {
		s.mu.Unlock()
		s.logger.Debug("discarding history snapshot while idle")
		return nil
	}
	if room := taggedRoom(msgs); room != "" && room != s.room {
		s.mu.Unlock()
		s.logger.Debug("discarding history snapshot for another room", slog.String("room", room))
		return nil
	}

	s.messages = slices.Clone(msgs)
	s.state = Active
	s.commit()
	return nil
}

func (s *Session) handleChatMessage(_ context.Context, e *Event) error {
	var msg ChatMessage
	if err := e.Decode(&msg); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.state == Idle:
		s.logger.Debug("discarding chat message while idle")
	case s.joinQueued:
		s.logger.Debug("discarding chat message for superseded join")
	case msg.Room != "" && msg.Room != s.room:
		s.logger.Debug("discarding chat message for another room", slog.String("room", msg.Room))
	default:
		s.messages = append(s.messages, msg)
	}
	// any message ends the typing indicator, whoever sent it
	s.clearRemoteTypingLocked()
	s.commit()
	return nil
}

// handleOnlineCount applies an occupancy update if it is for room and room is
// still the active room.
func (s *Session) handleOnlineCount(room string, e *Event) error {
	var p OnlineCountPayload
	if err := e.Decode(&p); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Idle || p.Room != room || p.Room != s.room {
		s.mu.Unlock()
		return nil
	}
	s.occupancy = max(p.Count, 0)
	s.commit()
	return nil
}

// taggedRoom returns the room tag of the first message, if any.
func taggedRoom(msgs []ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].Room
}
