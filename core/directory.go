package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// APIError is returned when the directory answers with a non-2xx status.
type APIError struct {
	StatusCode int    `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("directory: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("directory: %d %s", e.StatusCode, e.Message)
}

// Directory lists and creates rooms through the directory's HTTP endpoint and
// keeps a cached copy of the room list. The cache is replaced as a whole by
// ListRooms and by room list pushes from the relay; it is never edited locally.
//
// Request failures are returned to the caller and leave the cache untouched.
// Nothing is retried.
type Directory struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu       sync.RWMutex
	rooms    []Room
	onChange func([]Room)
	sub      *Subscription
	bus      EventBus
}

type DirectoryOption func(*Directory)

func WithHTTPClient(c *http.Client) DirectoryOption {
	return func(d *Directory) {
		d.client = c
	}
}

func WithDirectoryLogger(l *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		d.logger = l
	}
}

// NewDirectory creates a directory client for the rooms endpoint, e.g.
// http://localhost:5000/api/rooms.
func NewDirectory(endpoint string, opts ...DirectoryOption) *Directory {
	d := &Directory{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		onChange: func([]Room) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bind subscribes the directory to room list pushes on bus.
func (d *Directory) Bind(bus EventBus) {
	sub := bus.On(RoomListEvent, d.handleRoomList)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		d.bus.Off(*d.sub)
	}
	d.bus = bus
	d.sub = &sub
}

// Close removes the room list subscription.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		d.bus.Off(*d.sub)
		d.sub = nil
	}
}

// OnChange registers f to be called with the new list whenever the cache is replaced.
func (d *Directory) OnChange(f func([]Room)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = f
}

// Rooms returns a copy of the cached room list.
func (d *Directory) Rooms() []Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.rooms)
}

// ListRooms fetches the room list and replaces the cache with it.
func (d *Directory) ListRooms(ctx context.Context) ([]Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var rooms []Room
	if err := d.do(req, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	d.replace(rooms)
	return slices.Clone(rooms), nil
}

// CreateRoom asks the directory to create a room called name.
// The cache is not updated; the new room shows up with the next room list push.
func (d *Directory) CreateRoom(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyRoomName
	}
	payload := CreateRoomPayload{Name: name}
	if err := Validate(payload); err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal create room payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := d.do(req, nil); err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	d.logger.Info("room created", slog.String("room", name))
	return nil
}

func (d *Directory) do(req *http.Request, v any) error {
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil {
			d.logger.Debug(fmt.Sprintf("decode error response: %v", err))
		}
		apiErr.StatusCode = res.StatusCode
		return apiErr
	}

	if v == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (d *Directory) handleRoomList(_ context.Context, e *Event) error {
	var rooms []Room
	if err := e.Decode(&rooms); err != nil {
		return err
	}
	d.replace(rooms)
	return nil
}

func (d *Directory) replace(rooms []Room) {
	d.mu.Lock()
	d.rooms = slices.Clone(rooms)
	next := slices.Clone(rooms)
	onChange := d.onChange
	d.mu.Unlock()
	onChange(next)
}
