package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gdamore/tcell/v2"
	discuss "github.com/putto11262002/discuss/app"
	"github.com/putto11262002/discuss/core"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

// refreshPeriod is how often relative message times are redrawn.
const refreshPeriod = 30 * time.Second

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Open the chat screen, optionally joining a room",
	Long: `Opens a full screen chat. Pick a room from the list on the left, type
in the input at the bottom and press Enter to send. Esc leaves the room and
Ctrl+C quits. Ctrl+N moves to the new room input under the room list.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := identity(cmd.InOrStdin(), cmd.OutOrStdout())

		// the chat screen owns the terminal
		l := logger
		if config.Log.File == "" {
			l = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		app, err := discuss.New(config, id, l)
		if err != nil {
			return err
		}

		ui := newChatUI(cmd.Context(), app)
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), discuss.CloseTimeout)
			defer cancel()
			app.Close(ctx)
		}()
		ui.bindSession()

		if len(args) == 1 {
			ui.selectRoom(args[0])
		}
		return ui.run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

type chatUI struct {
	ctx  context.Context
	app  *discuss.App
	tapp *tview.Application

	rooms    *tview.List
	newRoom  *tview.InputField
	header   *tview.TextView
	messages *tview.TextView
	typing   *tview.TextView
	input    *tview.InputField

	// last is only touched on the tview goroutine
	last      core.Snapshot
	connLabel string
	// clearing suppresses the keystroke sent by clearing the input
	clearing bool
}

func newChatUI(ctx context.Context, app *discuss.App) *chatUI {
	ui := &chatUI{
		ctx:  ctx,
		app:  app,
		tapp: tview.NewApplication(),
	}

	ui.rooms = tview.NewList().ShowSecondaryText(false)
	ui.rooms.SetBorder(true).SetTitle(" Rooms ")
	ui.newRoom = tview.NewInputField().
		SetLabel("New room: ").
		SetFieldWidth(0)
	ui.newRoom.SetDoneFunc(ui.onNewRoomDone)

	ui.header = tview.NewTextView().SetDynamicColors(true)
	ui.messages = tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true).
		SetScrollable(true)
	ui.messages.SetBorder(true)
	ui.typing = tview.NewTextView().SetDynamicColors(true)
	ui.input = tview.NewInputField().
		SetLabel(app.Identity().DisplayName + " > ").
		SetFieldWidth(0)

	ui.input.SetChangedFunc(ui.onInputChanged)
	ui.input.SetDoneFunc(ui.onInputDone)

	chat := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(ui.header, 1, 0, false).
		AddItem(ui.messages, 0, 1, false).
		AddItem(ui.typing, 1, 0, false).
		AddItem(ui.input, 1, 0, true)

	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(ui.rooms, 0, 1, true).
		AddItem(ui.newRoom, 1, 0, false)

	root := tview.NewFlex().
		AddItem(side, 24, 0, true).
		AddItem(chat, 0, 1, false)

	ui.tapp.SetRoot(root, true).SetFocus(ui.rooms)
	ui.tapp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			ui.tapp.Stop()
			return nil
		case tcell.KeyCtrlN:
			ui.tapp.SetFocus(ui.newRoom)
			return nil
		}
		return event
	})

	app.Directory().OnChange(func(rooms []core.Room) {
		ui.tapp.QueueUpdateDraw(func() {
			ui.renderRooms(rooms)
		})
	})
	app.OnConnState(func(s core.ConnState) {
		ui.tapp.QueueUpdateDraw(func() {
			ui.connLabel = connStateLabel(s)
			ui.renderHeader()
		})
	})

	ui.renderRooms(app.Directory().Rooms())
	ui.renderHeader()
	return ui
}

// bindSession redraws the chat pane whenever the session changes.
// The app must be started.
func (ui *chatUI) bindSession() {
	ui.app.Session().OnChange(func(s core.Snapshot) {
		ui.tapp.QueueUpdateDraw(func() {
			ui.render(s)
		})
	})
}

func (ui *chatUI) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ui.refresh(ctx)
	go func() {
		err := ui.app.Wait()
		if errors.Is(err, core.ErrTransportClosed) {
			ui.tapp.QueueUpdateDraw(func() {
				ui.connLabel = connStateLabel(core.ConnClosed)
				ui.renderHeader()
			})
		}
	}()

	return ui.tapp.Run()
}

func (ui *chatUI) refresh(ctx context.Context) {
	ticker := time.NewTicker(refreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ui.tapp.QueueUpdateDraw(func() {
				ui.render(ui.last)
			})
		}
	}
}

func (ui *chatUI) selectRoom(name string) {
	if err := ui.app.Session().SelectRoom(name); err != nil {
		ui.showError(err)
		return
	}
	ui.tapp.SetFocus(ui.input)
}

func (ui *chatUI) onInputChanged(text string) {
	if ui.clearing || text == "" {
		return
	}
	if err := ui.app.Session().Keystroke(); err != nil {
		ui.showError(err)
	}
}

func (ui *chatUI) onInputDone(key tcell.Key) {
	switch key {
	case tcell.KeyEnter:
		err := ui.app.Session().Send(ui.input.GetText())
		switch {
		case errors.Is(err, core.ErrEmptyMessage):
		case err != nil:
			ui.showError(err)
		default:
			ui.clearing = true
			ui.input.SetText("")
			ui.clearing = false
		}
	case tcell.KeyEscape:
		ui.app.Session().Leave()
		ui.tapp.SetFocus(ui.rooms)
	}
}

// onNewRoomDone creates the typed room off the UI goroutine. The room shows up
// in the list when the relay pushes the new room list.
func (ui *chatUI) onNewRoomDone(key tcell.Key) {
	switch key {
	case tcell.KeyEnter:
		name := ui.newRoom.GetText()
		go func() {
			err := createRoom(ui.ctx, ui.app.Directory(), name, config.Directory.Timeout)
			ui.tapp.QueueUpdateDraw(func() {
				if err != nil {
					ui.showError(err)
					return
				}
				ui.newRoom.SetText("")
				ui.tapp.SetFocus(ui.rooms)
			})
		}()
	case tcell.KeyEscape:
		ui.newRoom.SetText("")
		ui.tapp.SetFocus(ui.rooms)
	}
}

func (ui *chatUI) showError(err error) {
	ui.typing.SetText(fmt.Sprintf("[red]%s[-]", tview.Escape(err.Error())))
}

func (ui *chatUI) renderRooms(rooms []core.Room) {
	ui.rooms.Clear()
	for _, r := range rooms {
		name := r.Name
		ui.rooms.AddItem(name, "", 0, func() {
			ui.selectRoom(name)
		})
	}
}

func (ui *chatUI) render(s core.Snapshot) {
	ui.last = s
	ui.renderHeader()
	ui.messages.SetText(formatMessages(s.Messages, ui.app.Identity().DisplayName, time.Now()))
	ui.messages.ScrollToEnd()
	ui.typing.SetText(tview.Escape(typingLabel(s.RemoteTyping)))
}

func (ui *chatUI) renderHeader() {
	var text string
	switch ui.last.State {
	case core.Idle:
		text = "[gray]pick a room[-]"
	case core.Joining:
		text = fmt.Sprintf("[::b]%s[::-]  joining...", tview.Escape(ui.last.Room))
	case core.Active:
		text = fmt.Sprintf("[::b]%s[::-]  [green]%s[-]", tview.Escape(ui.last.Room), onlineLabel(ui.last.Occupancy))
	}
	if ui.connLabel != "" {
		text += "  " + ui.connLabel
	}
	ui.header.SetText(text)
}
