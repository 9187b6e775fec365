// Package relaytest provides an in-process chat relay and room directory for
// tests. It speaks the same event protocol as the real relay.
package relaytest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/discuss/core"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type Option func(*Relay)

// WithRoomTags makes the relay tag chat messages and history with their room.
func WithRoomTags() Option {
	return func(r *Relay) {
		r.tagRooms = true
	}
}

// WithoutHistory stops the relay from answering joins with a history
// snapshot. Tests send snapshots themselves with PushTo.
func WithoutHistory() Option {
	return func(r *Relay) {
		r.autoHistory = false
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// Relay is a fake relay and directory served over httptest.
//
//	GET  /api/rooms  lists rooms
//	POST /api/rooms  creates a room and pushes the new room list
//	GET  /ws         upgrades to the event stream
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	tagRooms    bool
	autoHistory bool

	mu       sync.Mutex
	rooms    []core.Room
	history  map[string][]core.ChatMessage
	clients  map[*client]struct{}
	received []*core.Event
	ids      []string
	refuse   bool
}

type client struct {
	id string
	ws *websocket.Conn

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
	room    string
}

func (c *client) send(e *core.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return c.ws.WriteJSON(e)
}

func New(opts ...Option) *Relay {
	r := &Relay{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		autoHistory: true,
		history:     make(map[string][]core.ChatMessage),
		clients:     make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	rt := newRouter(r.logger)
	rt.get("/api/rooms", r.listRooms)
	rt.post("/api/rooms", r.createRoom)
	rt.Get("/ws", r.connect)
	r.server = httptest.NewServer(rt)
	return r
}

// Close drops every connection and shuts the server down.
func (r *Relay) Close() {
	r.DropConnections()
	r.server.Close()
}

func (r *Relay) URL() string {
	return r.server.URL
}

func (r *Relay) WSURL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

func (r *Relay) DirectoryURL() string {
	return r.server.URL + "/api/rooms"
}

// AddRoom adds a room to the directory without pushing the room list.
func (r *Relay) AddRoom(name string) core.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addRoomLocked(name)
}

func (r *Relay) addRoomLocked(name string) core.Room {
	room := core.Room{ID: uuid.NewString(), Name: name}
	r.rooms = append(r.rooms, room)
	return room
}

// SetHistory replaces the messages sent to clients joining room.
func (r *Relay) SetHistory(room string, msgs []core.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[room] = slices.Clone(msgs)
}

// Refuse makes the relay reject new websocket connections.
func (r *Relay) Refuse(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = refuse
}

// DropConnections closes every websocket connection without a close handshake.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.ws.NetConn().Close()
	}
}

// ClientIDs returns the id query parameter of every accepted connection, in
// the order they connected.
func (r *Relay) ClientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ids)
}

// Connected returns the number of open websocket connections.
func (r *Relay) Connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Push sends an event to every connected client.
func (r *Relay) Push(t string, payload any) {
	r.pushWhere(t, payload, func(*client) bool { return true })
}

// PushTo sends an event to the clients in room.
func (r *Relay) PushTo(room, t string, payload any) {
	r.pushWhere(t, payload, func(c *client) bool { return c.room == room })
}

func (r *Relay) pushWhere(t string, payload any, match func(*client) bool) {
	e, err := core.NewEvent(t, payload)
	if err != nil {
		panic(fmt.Sprintf("relaytest: %v", err))
	}
	r.mu.Lock()
	var targets []*client
	for c := range r.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		if err := c.send(e); err != nil {
			r.logger.Debug(fmt.Sprintf("push %s to %s: %v", t, c.id, err))
		}
	}
}

// Received returns the events of type t the relay received, in order.
func (r *Relay) Received(t string) []*core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Event
	for _, e := range r.received {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor waits until the relay has received n events of type t and returns them.
func (r *Relay) WaitFor(t testing.TB, eventType string, n int) []*core.Event {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return len(r.Received(eventType)) >= n
	}, waitTimeout, 5*time.Millisecond, "waiting for %d %q events", n, eventType)
	return r.Received(eventType)
}

// WaitConnected waits until n websocket connections are open.
func (r *Relay) WaitConnected(t testing.TB, n int) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return r.Connected() == n
	}, waitTimeout, 5*time.Millisecond, "waiting for %d connections", n)
}

func (r *Relay) listRooms(w http.ResponseWriter, _ *http.Request) error {
	r.mu.Lock()
	rooms := slices.Clone(r.rooms)
	r.mu.Unlock()
	if rooms == nil {
		rooms = []core.Room{}
	}
	return writeJSON(w, http.StatusOK, rooms)
}

func (r *Relay) createRoom(w http.ResponseWriter, req *http.Request) error {
	var payload core.CreateRoomPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		return jsonError{Code: http.StatusBadRequest, Err: "invalid body"}
	}
	if err := core.Validate(payload); err != nil {
		return jsonError{Code: http.StatusBadRequest, Err: strings.TrimSpace(core.FormatValidationErrors(err))}
	}

	r.mu.Lock()
	if slices.ContainsFunc(r.rooms, func(room core.Room) bool { return room.Name == payload.Name }) {
		r.mu.Unlock()
		return jsonError{Code: http.StatusConflict, Err: "room already exists"}
	}
	room := r.addRoomLocked(payload.Name)
	rooms := slices.Clone(r.rooms)
	r.mu.Unlock()

	r.Push(core.RoomListEvent, rooms)
	return writeJSON(w, http.StatusCreated, room)
}

func (r *Relay) connect(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	refuse := r.refuse
	r.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error(fmt.Sprintf("upgrade: %v", err))
		return
	}
	c := &client{id: req.URL.Query().Get("id"), ws: ws}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.ids = append(r.ids, c.id)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		room := c.room
		r.mu.Unlock()
		ws.Close()
		if room != "" {
			r.pushOnlineCount(room)
		}
	}()

	for {
		var e core.Event
		// the default close handler answers the client's close message
		if err := ws.ReadJSON(&e); err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, &e)
		r.mu.Unlock()

		if err := r.handle(c, &e); err != nil {
			r.logger.Error(fmt.Sprintf("%s: %v", e.Type, err))
		}
	}
}

func (r *Relay) handle(c *client, e *core.Event) error {
	switch e.Type {
	case core.JoinRoomEvent:
		var p core.JoinRoomPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		r.mu.Lock()
		prev := c.room
		c.room = p.Room
		history := slices.Clone(r.history[p.Room])
		r.mu.Unlock()

		if r.autoHistory {
			if history == nil {
				history = []core.ChatMessage{}
			}
			h, err := core.NewEvent(core.MessageHistoryEvent, history)
			if err != nil {
				return err
			}
			if err := c.send(h); err != nil {
				return err
			}
		}
		if prev != "" && prev != p.Room {
			r.pushOnlineCount(prev)
		}
		r.pushOnlineCount(p.Room)

	case core.ChatMessageEvent:
		var p core.ChatMessagePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		msg := core.ChatMessage{
			Sender: p.Username,
			Text:   p.Text,
			SentAt: core.NewTimestamp(time.Now()),
		}
		if r.tagRooms {
			msg.Room = p.Room
		}
		r.mu.Lock()
		r.history[p.Room] = append(r.history[p.Room], msg)
		r.mu.Unlock()
		r.PushTo(p.Room, core.ChatMessageEvent, msg)

	case core.TypingEvent:
		var p core.TypingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		r.pushOthers(c, p.Room, core.ShowTypingEvent, p.Username)

	case core.StopTypingEvent:
		var p core.StopTypingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		r.pushOthers(c, p.Room, core.HideTypingEvent, nil)
	}
	return nil
}

func (r *Relay) pushOthers(sender *client, room, t string, payload any) {
	r.pushWhere(t, payload, func(c *client) bool {
		return c != sender && c.room == room
	})
}

func (r *Relay) pushOnlineCount(room string) {
	r.mu.Lock()
	count := 0
	for c := range r.clients {
		if c.room == room {
			count++
		}
	}
	r.mu.Unlock()
	r.PushTo(room, core.OnlineCountEvent, core.OnlineCountPayload{Room: room, Count: count})
}
