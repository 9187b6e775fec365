package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	discuss "github.com/putto11262002/discuss/app"
	"github.com/putto11262002/discuss/core"
	"github.com/spf13/cobra"
)

var errBlankRoomName = errors.New("room name must not be blank")

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the discussion rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := directory()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), config.Directory.Timeout)
		defer cancel()

		rooms, err := dir.ListRooms(ctx)
		if err != nil {
			return err
		}
		printRooms(cmd.OutOrStdout(), rooms)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a discussion room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := directory()
		if err != nil {
			return err
		}
		if err := createRoom(cmd.Context(), dir, args[0], config.Directory.Timeout); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(createCmd)
}

// directory builds a directory client without connecting to the relay.
func directory() (*core.Directory, error) {
	app, err := discuss.New(config, core.NewIdentity(config.Identity.Name), logger)
	if err != nil {
		return nil, err
	}
	return app.Directory(), nil
}

// createRoom asks the directory to create name. The room list itself is
// refreshed by the relay's room list push.
func createRoom(ctx context.Context, dir *core.Directory, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := dir.CreateRoom(ctx, name); err != nil {
		if errors.Is(err, core.ErrEmptyRoomName) {
			return errBlankRoomName
		}
		return err
	}
	return nil
}
