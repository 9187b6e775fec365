package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/putto11262002/discuss/core"
	"github.com/stretchr/testify/assert"
)

func TestOnlineLabel(t *testing.T) {
	assert.Equal(t, "0 people online", onlineLabel(0))
	assert.Equal(t, "1 person online", onlineLabel(1))
	assert.Equal(t, "5 people online", onlineLabel(5))
}

func TestTypingLabel(t *testing.T) {
	assert.Empty(t, typingLabel(""))
	assert.Equal(t, "bob is typing...", typingLabel("bob"))
}

func TestFormatMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	testCases := map[string]struct {
		msg      core.ChatMessage
		expected string
	}{
		"remote": {
			msg:      core.ChatMessage{Sender: "bob", Text: "hi", SentAt: core.NewTimestamp(now.Add(-3 * time.Minute))},
			expected: "[gray]3 minutes ago[-] [blue]bob[-]: hi",
		},
		"self": {
			msg:      core.ChatMessage{Sender: "alice", Text: "hello", SentAt: core.NewTimestamp(now.Add(-2 * time.Hour))},
			expected: "[gray]2 hours ago[-] [green]alice[-]: hello",
		},
		"no timestamp": {
			msg:      core.ChatMessage{Sender: "bob", Text: "hi"},
			expected: "[gray]now[-] [blue]bob[-]: hi",
		},
		"anonymous": {
			msg:      core.ChatMessage{Text: "hi"},
			expected: "[gray]now[-] [blue]Anonymous[-]: hi",
		},
		"escaped": {
			msg:      core.ChatMessage{Sender: "bob", Text: "see [red]this[-]"},
			expected: "[gray]now[-] [blue]bob[-]: see [red[]this[-[]",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, formatMessage(tc.msg, "alice", now))
		})
	}
}

func TestPrintRooms(t *testing.T) {
	var buf bytes.Buffer
	printRooms(&buf, nil)
	assert.Contains(t, buf.String(), "no rooms yet")

	buf.Reset()
	printRooms(&buf, []core.Room{{ID: "1", Name: "calm"}, {ID: "2", Name: "general"}})
	assert.Equal(t, "calm\ngeneral\n", buf.String())
}
