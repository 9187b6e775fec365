package discuss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/putto11262002/discuss/core"
	"golang.org/x/sync/errgroup"
)

// App owns the connection to the relay and every component built on it.
// The directory is usable before Start; the session only after it.
type App struct {
	config   *Config
	logger   *slog.Logger
	identity core.Identity

	conn        *core.Conn
	eventRouter *core.EventRouter
	session     *core.Session
	directory   *core.Directory

	onConnState func(core.ConnState)

	group  *errgroup.Group
	cancel context.CancelFunc

	mu           sync.Mutex
	cleanupFuncs []func(context.Context)
}

func New(config *Config, identity core.Identity, logger *slog.Logger) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", core.FormatValidationErrors(err))
	}
	app := &App{
		config:      config,
		logger:      logger,
		identity:    identity,
		onConnState: func(core.ConnState) {},
	}
	app.directory = core.NewDirectory(config.Directory.URL,
		core.WithHTTPClient(&http.Client{Timeout: config.Directory.Timeout}),
		core.WithDirectoryLogger(logger.With(slog.String("component", "directory"))),
	)
	return app, nil
}

func (app *App) Identity() core.Identity {
	return app.identity
}

func (app *App) Directory() *core.Directory {
	return app.directory
}

// Session returns the room session. It is nil until Start succeeds.
func (app *App) Session() *core.Session {
	return app.session
}

// OnConnState registers f to be told about connection state changes.
// It must be called before Start.
func (app *App) OnConnState(f func(core.ConnState)) {
	app.onConnState = f
}

// Start connects to the relay, wires the session and the directory to it and
// starts dispatching events. The initial room list is fetched in the background.
func (app *App) Start(ctx context.Context) error {
	opts := []core.ConnOption{
		core.WithConnLogger(app.logger.With(slog.String("component", "conn"))),
		core.WithStateHandler(func(s core.ConnState) {
			app.onConnState(s)
		}),
	}
	if app.config.Relay.Reconnect {
		opts = append(opts, core.WithReconnect(app.config.Relay.MaxRetries, app.config.Relay.RetryDelay))
	}

	conn, err := core.Dial(ctx, app.config.Relay.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	app.conn = conn
	app.AddCleanupFunc(func(context.Context) {
		conn.Close()
	})

	app.eventRouter = core.NewEventRouter(app.logger.With(slog.String("component", "router")), conn)

	app.session = core.NewSession(app.identity, app.eventRouter,
		core.WithSessionLogger(app.logger.With(slog.String("component", "session"))),
		core.WithTypingQuietPeriod(app.config.Typing.QuietPeriod),
		core.WithRemoteTypingTTL(app.config.Typing.RemoteTTL),
	)
	app.AddCleanupFunc(func(context.Context) {
		app.session.Close()
	})

	app.directory.Bind(app.eventRouter)
	app.AddCleanupFunc(func(context.Context) {
		app.directory.Close()
	})

	conn.OnReconnect(func() {
		if err := app.session.Rejoin(); err != nil {
			app.logger.Error(fmt.Sprintf("rejoin: %v", err))
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return app.eventRouter.Listen(gctx)
	})
	g.Go(func() error {
		if _, err := app.directory.ListRooms(gctx); err != nil {
			app.logger.Warn(fmt.Sprintf("initial room list: %v", err))
		}
		return nil
	})
	app.group = g

	app.logger.Info("connected", slog.String("relay", app.config.Relay.URL), slog.String("name", app.identity.DisplayName))
	return nil
}

// Wait blocks until the app stops. It returns nil when the app was closed and
// ErrTransportClosed when the relay connection was lost for good.
func (app *App) Wait() error {
	if app.group == nil {
		return nil
	}
	err := app.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// Close stops dispatching and runs the cleanup functions in reverse order.
// It gives up when ctx is done.
func (app *App) Close(ctx context.Context) error {
	if app.cancel != nil {
		app.cancel()
	}

	app.mu.Lock()
	funcs := app.cleanupFuncs
	app.cleanupFuncs = nil
	app.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(funcs) - 1; i >= 0; i-- {
			funcs[i](ctx)
		}
		app.Wait()
	}()

	select {
	case <-done:
		app.logger.Debug("app shutdown gracefully")
		return nil
	case <-ctx.Done():
		app.logger.Warn("app shutdown timed out")
		return ctx.Err()
	}
}

// CloseTimeout is how long Close is given by the command line.
const CloseTimeout = 5 * time.Second
