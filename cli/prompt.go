package cli

import (
	"bufio"
	"fmt"
	"io"

	"github.com/putto11262002/discuss/core"
)

// promptIdentity asks for a display name on out and reads it from in.
// An empty answer gives the anonymous identity.
func promptIdentity(in io.Reader, out io.Writer) core.Identity {
	fmt.Fprintf(out, "Enter your name (%s): ", core.AnonymousName)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return core.NewIdentity(line)
}

// identity returns the configured identity, asking for a name when none is set.
func identity(in io.Reader, out io.Writer) core.Identity {
	if config.Identity.Name != "" {
		return core.NewIdentity(config.Identity.Name)
	}
	return promptIdentity(in, out)
}
