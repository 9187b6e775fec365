package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ConnState int32

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time to wait for the peer to answer our close message.
	closeGracePeriod = time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

const (
	ConnConnecting ConnState = iota + 1
	ConnOpen
	ConnReconnecting
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnReconnecting:
		return "reconnecting"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when the write stream cannot take more events.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is the single persistent connection to the chat relay.
// It implements EventTransport.
type Conn struct {
	url    string
	id     string
	dialer *websocket.Dialer
	header http.Header

	mu sync.Mutex

	// ctx is cancelled by Close and ends every loop.
	ctx    context.Context
	cancel context.CancelFunc

	writeStream chan *Event
	readStream  chan *Event
	state       atomic.Int32
	wg          sync.WaitGroup
	logger      *slog.Logger

	reconnect  bool
	maxRetries int
	retryDelay time.Duration

	onStateChange func(ConnState)
	onReconnect   []func()

	ReadStreamSize  int
	WriteStreamSize int
}

type ConnOption func(*Conn)

func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = l
	}
}

// WithReconnect makes the connection redial when it is lost.
// The delay grows linearly with each attempt. A maxRetries of zero retries forever.
func WithReconnect(maxRetries int, delay time.Duration) ConnOption {
	return func(c *Conn) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

func WithHeader(h http.Header) ConnOption {
	return func(c *Conn) {
		c.header = h
	}
}

func WithHandshakeTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.dialer.HandshakeTimeout = d
	}
}

// WithClientID sets the id sent to the relay. A random id is used by default.
func WithClientID(id string) ConnOption {
	return func(c *Conn) {
		c.id = id
	}
}

func WithStateHandler(f func(ConnState)) ConnOption {
	return func(c *Conn) {
		c.onStateChange = f
	}
}

// Dial opens the connection to the relay at rawURL and starts the read and
// write loops. ctx only bounds the initial handshake.
func Dial(ctx context.Context, rawURL string, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		id: uuid.NewString(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
		onStateChange:   func(ConnState) {},
		ReadStreamSize:  100,
		WriteStreamSize: 100,
	}
	for _, opt := range opts {
		opt(c)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	query.Set("id", c.id)
	u.RawQuery = query.Encode()
	c.url = u.String()
	c.logger = c.logger.With(slog.String("conn", c.id))

	c.setState(ConnConnecting)
	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(ConnClosed)
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.readStream = make(chan *Event, c.ReadStreamSize)
	c.writeStream = make(chan *Event, c.WriteStreamSize)
	c.setState(ConnOpen)

	c.wg.Add(1)
	go c.run(ws)
	return c, nil
}

// ID returns the client id sent to the relay.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// OnReconnect registers f to run after the connection has been re-established.
func (c *Conn) OnReconnect(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, f)
}

func (c *Conn) Receive() <-chan *Event {
	return c.readStream
}

// Send queues e on the write stream. Events queued while reconnecting are
// written once the connection is back.
func (c *Conn) Send(e *Event) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	select {
	case c.writeStream <- e:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close message to the relay and waits for the loops to exit.
func (c *Conn) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Conn) setState(s ConnState) {
	if ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug(fmt.Sprintf("state: %s", s))
	c.onStateChange(s)
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, res, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, res.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)
	return ws, nil
}

// redial retries the handshake until it succeeds, the retries are exhausted
// or the connection is closed.
func (c *Conn) redial() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; c.maxRetries == 0 || attempt <= c.maxRetries; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(time.Duration(attempt) * c.retryDelay):
		}

		ws, err := c.dial(c.ctx)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		c.logger.Warn(fmt.Sprintf("reconnect attempt %d: %v", attempt, err))
	}
	return nil, fmt.Errorf("failed to reconnect after %d retries, last error: %w", c.maxRetries, lastErr)
}

func (c *Conn) run(ws *websocket.Conn) {
	defer func() {
		c.cancel()
		c.setState(ConnClosed)
		close(c.readStream)
		c.wg.Done()
	}()

	for {
		err := c.serve(ws)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn(fmt.Sprintf("connection lost: %v", err))
		if !c.reconnect {
			return
		}

		c.setState(ConnReconnecting)
		ws, err = c.redial()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error(err.Error())
			}
			return
		}
		c.setState(ConnOpen)
		c.logger.Info("reconnected")

		c.mu.Lock()
		callbacks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()
		for _, f := range callbacks {
			f()
		}
	}
}

// serve runs the read and write loops on ws until either of them fails.
func (c *Conn) serve(ws *websocket.Conn) error {
	stop := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writeLoop(ws, stop)
	}()

	err := c.readLoop(ws)
	close(stop)
	<-writeDone
	ws.Close()
	return err
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	c.logger.Debug("read loop started")
	defer c.logger.Debug("read loop stopped")

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return err
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return err
			}
			return fmt.Errorf("NextReader: %w", err)
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}

		select {
		case c.readStream <- &event:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

func (c *Conn) writeLoop(ws *websocket.Conn, stop <-chan struct{}) {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e := <-c.writeStream:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := ws.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				ws.Close()
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("flushing frame: %v", err))
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				ws.Close()
				return
			}
		case <-c.ctx.Done():
			c.logger.Debug("sending close message")
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			// the read loop exits when the relay answers or the grace period ends
			ws.SetReadDeadline(time.Now().Add(closeGracePeriod))
			return
		case <-stop:
			return
		}
	}
}
