package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/putto11262002/discuss/core"
	"github.com/rivo/tview"
)

func onlineLabel(n int) string {
	if n == 1 {
		return "1 person online"
	}
	return fmt.Sprintf("%d people online", n)
}

func typingLabel(name string) string {
	if name == "" {
		return ""
	}
	return name + " is typing..."
}

// sentAgo renders when m was sent relative to now. Messages without a
// timestamp are treated as sent now.
func sentAgo(m core.ChatMessage, now time.Time) string {
	sentAt := now
	if m.SentAt != nil && !m.SentAt.IsZero() {
		sentAt = m.SentAt.Time
	}
	return humanize.RelTime(sentAt, now, "ago", "from now")
}

func senderName(m core.ChatMessage) string {
	if m.Sender == "" {
		return core.AnonymousName
	}
	return m.Sender
}

// formatMessage renders m as a line of the message pane, using tview color tags.
// The local user's messages are highlighted.
func formatMessage(m core.ChatMessage, self string, now time.Time) string {
	color := "blue"
	if m.Sender == self {
		color = "green"
	}
	return fmt.Sprintf("[gray]%s[-] [%s]%s[-]: %s",
		sentAgo(m, now), color, tview.Escape(senderName(m)), tview.Escape(m.Text))
}

func formatMessages(msgs []core.ChatMessage, self string, now time.Time) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(formatMessage(m, self, now))
	}
	return sb.String()
}

func printRooms(w io.Writer, rooms []core.Room) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "no rooms yet, create one with: create <name>")
		return
	}
	for _, r := range rooms {
		fmt.Fprintln(w, r.Name)
	}
}

func connStateLabel(s core.ConnState) string {
	switch s {
	case core.ConnReconnecting:
		return "[yellow]reconnecting...[-]"
	case core.ConnClosed:
		return "[red]disconnected[-]"
	default:
		return ""
	}
}
