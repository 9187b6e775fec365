package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/putto11262002/discuss/core"
	"github.com/putto11262002/discuss/internal/relaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestREPL(t *testing.T) {
	relay := relaytest.New()
	t.Cleanup(relay.Close)
	relay.AddRoom("calm")

	t.Setenv("HOME", t.TempDir())
	t.Setenv("DISCUSS_DIRECTORY_URL", relay.DirectoryURL())

	in := strings.NewReader(strings.Join([]string{
		"rooms",
		`create "night owls"`,
		`create "   "`,
		`create "unterminated`,
		"",
		"rooms",
		"exit",
		"rooms",
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, repl(context.Background(), in, &out))

	got := out.String()
	assert.Contains(t, got, "calm\n")
	assert.Contains(t, got, "created night owls\n")
	assert.Contains(t, got, "room name must not be blank")
	assert.Contains(t, got, "parse: ")
	assert.Contains(t, got, "calm\nnight owls\n")
	assert.Equal(t, 7, strings.Count(got, "discuss> "), "input after exit is not read")

	assert.Len(t, relay.Received(core.JoinRoomEvent), 0, "listing rooms does not connect to the relay")
}

func TestREPLEndOfInput(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), strings.NewReader(""), &out))
}

func TestPromptIdentity(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, "alice", promptIdentity(strings.NewReader("  alice \n"), &out).DisplayName)
	assert.Contains(t, out.String(), "Enter your name")

	assert.Equal(t, core.AnonymousName, promptIdentity(strings.NewReader("\n"), &out).DisplayName)
	assert.Equal(t, core.AnonymousName, promptIdentity(strings.NewReader(""), &out).DisplayName)
}
