package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-shellwords"
	discuss "github.com/putto11262002/discuss/app"
	"github.com/putto11262002/discuss/core"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	config  *discuss.Config
	logger  *slog.Logger
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "discuss",
	Short: "Chat in real-time discussion rooms",
	Long: `discuss connects to a chat relay and lets you list, create and join
discussion rooms. Run it without a command to enter the interactive shell.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = discuss.LoadConfig(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		if err := config.Validate(); err != nil {
			return errors.New(core.FormatValidationErrors(err))
		}
		logger, err = newLogger()
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logFile != nil {
			err := logFile.Close()
			logFile = nil
			return err
		}
		return nil
	},
}

// Execute runs the command given on the command line, or the interactive
// shell when there is none.
func Execute(ctx context.Context) {
	if len(os.Args) > 1 {
		if err := rootCmd.ExecuteContext(ctx); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := repl(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// repl reads lines from in, splits them with shell word rules and runs them as
// commands until exit, quit or end of input.
func repl(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "entering interactive mode, type 'help' for commands and 'exit' to quit")
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "discuss> ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(out, "parse: %v\n", err)
			continue
		}
		rootCmd.SetArgs(args)
		rootCmd.SetOut(out)
		rootCmd.SetErr(out)
		// errors are printed by cobra; the shell keeps going
		rootCmd.ExecuteContext(ctx)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./discuss.yaml or $HOME/.discuss.yaml)")
	rootCmd.PersistentFlags().String("relay-url", "", "websocket URL of the chat relay")
	rootCmd.PersistentFlags().String("directory-url", "", "URL of the room directory")
	rootCmd.PersistentFlags().StringP("name", "n", "", "display name (asked for when empty)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file")

	viper.BindPFlag(discuss.RelayURLKey, rootCmd.PersistentFlags().Lookup("relay-url"))
	viper.BindPFlag(discuss.DirectoryURLKey, rootCmd.PersistentFlags().Lookup("directory-url"))
	viper.BindPFlag(discuss.IdentityNameKey, rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag(discuss.LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag(discuss.LogFileKey, rootCmd.PersistentFlags().Lookup("log-file"))
}

// newLogger writes to the configured log file, or stderr when there is none.
func newLogger() (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if config.Log.File != "" {
		f, err := os.OpenFile(config.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		w = f
	}
	return discuss.NewLogger(w, config.Log.Level, config.Log.Format), nil
}
