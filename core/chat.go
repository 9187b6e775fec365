package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound events.
const (
	MessageHistoryEvent = "message history"
	ShowTypingEvent     = "show typing"
	HideTypingEvent     = "hide typing"
	RoomListEvent       = "room list"
	OnlineCountEvent    = "online count"
)

// Outbound events. ChatMessageEvent is used in both directions.
const (
	ChatMessageEvent = "chat message"
	JoinRoomEvent    = "join room"
	TypingEvent      = "typing"
	StopTypingEvent  = "stop typing"
)

// AnonymousName is the display name used when none is given.
const AnonymousName = "Anonymous"

var (
	// ErrEmptyRoomName is returned when a room name is empty or only whitespace.
	ErrEmptyRoomName = errors.New("empty room name")
	// ErrEmptyMessage is returned when a message text is empty or only whitespace.
	ErrEmptyMessage = errors.New("empty message")
	// ErrNotInRoom is returned when an action needs an active room.
	ErrNotInRoom = errors.New("not in a room")
)

// Identity is the local user. It is captured once and never changes.
type Identity struct {
	DisplayName string
}

// NewIdentity trims name and falls back to AnonymousName.
func NewIdentity(name string) Identity {
	name = strings.TrimSpace(name)
	if name == "" {
		name = AnonymousName
	}
	return Identity{DisplayName: name}
}

// Room is a read-only copy of a room held by the directory.
type Room struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

func (r *Room) UnmarshalJSON(b []byte) error {
	var raw struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.ID = raw.MongoID
	if r.ID == "" {
		r.ID = raw.ID
	}
	r.Name = raw.Name
	return nil
}

// ChatMessage is a message received from the relay, either live or as part of
// a history snapshot.
type ChatMessage struct {
	Sender string     `json:"username,omitempty"`
	Text   string     `json:"text"`
	SentAt *Timestamp `json:"timestamp,omitempty"`
	// Room is only set when the relay tags messages with their room.
	Room string `json:"room,omitempty"`
}

// Timestamp is a point in time encoded as milliseconds since the epoch.
// RFC 3339 strings are accepted when decoding.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UnixMilli())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

type OnlineCountPayload struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type ChatMessagePayload struct {
	Username string `json:"username" validate:"required"`
	Text     string `json:"text" validate:"notblank"`
	Room     string `json:"room" validate:"notblank"`
}

type JoinRoomPayload struct {
	Username string `json:"username" validate:"required"`
	Room     string `json:"room" validate:"notblank"`
}

type TypingPayload struct {
	Username string `json:"username" validate:"required"`
	Room     string `json:"room" validate:"notblank"`
}

type StopTypingPayload struct {
	Room string `json:"room" validate:"notblank"`
}

type CreateRoomPayload struct {
	Name string `json:"name" validate:"notblank"`
}
