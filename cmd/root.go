// Package cmd holds the conductor command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go-conductor/config"
	"go-conductor/debug"
)

// options shared by every command
type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string

	cfg *config.Config
}

// NewRootCmd builds the command tree. run is the default command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Networked MIDI clock, router and scene controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/go-conductor/config.yaml)")
	flags.StringSliceVar(&opts.envFiles, "env", nil, "dotenv files to load before CONDUCTOR_* overrides (default .env)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	run := newRunCmd(opts)
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	root.AddCommand(run, newPortsCmd(opts), newScenesCmd(opts), newTempoCmd())
	return root
}

// Execute runs the command line and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *rootOptions) load() error {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return err
	}
	path := o.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg
	return nil
}

// setupLogging installs the process logger. With the TUI on, logs go to
// a file so they do not tear the screen.
func (o *rootOptions) setupLogging(tui bool) error {
	lc := o.cfg.Log
	if tui && lc.File == "" {
		lc.File = debug.DefaultLogPath()
	}
	_, err := debug.Setup(lc)
	return err
}
