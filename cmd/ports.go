package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go-conductor/midi"
	"go-conductor/wire"
)

func newPortsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List MIDI and serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := midi.Scan(root.cfg.MIDI.ScanTimeout)
			if err != nil {
				return fmt.Errorf("%w (on macOS try: sudo killall coreaudiod midiserver)", err)
			}
			printPorts(cmd.OutOrStdout(), ports)
			return nil
		},
	}
	cmd.AddCommand(newMonitorCmd(root))
	return cmd
}

func printPorts(w io.Writer, p midi.Ports) {
	section := func(title string, names []string) {
		fmt.Fprintf(w, "=== %s ===\n", title)
		if len(names) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
		for i, name := range names {
			fmt.Fprintf(w, "  %d: %s\n", i, name)
		}
		fmt.Fprintln(w)
	}
	section("MIDI Input Ports", p.InNames())
	section("MIDI Output Ports", p.OutNames())
	section("Serial Ports", p.Serial)
}

func newMonitorCmd(root *rootOptions) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "monitor <input>",
		Short: "Print messages arriving on an input (name substring)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := midi.Scan(root.cfg.MIDI.ScanTimeout)
			if err != nil {
				return err
			}
			want := strings.ToLower(args[0])
			for _, in := range ports.Ins {
				if !strings.Contains(strings.ToLower(in.String()), want) {
					continue
				}
				out := cmd.OutOrStdout()
				input, err := midi.NewInput(in.String(), in, func(src string, ev wire.Event) {
					fmt.Fprintf(out, "%s  %s\n", time.Now().Format("15:04:05.000"), ev)
				})
				if err != nil {
					return err
				}
				defer input.Close()
				fmt.Fprintf(out, "listening on %s (ctrl+c to stop)\n", in.String())

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
				defer stop()
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}
				<-ctx.Done()
				return nil
			}
			return fmt.Errorf("no input matching %q", args[0])
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long")
	return cmd
}
