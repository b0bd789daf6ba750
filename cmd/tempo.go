package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"go-conductor/link"
	"go-conductor/wire"
)

func newTempoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tempo",
		Short: "Tempo helpers",
	}

	validate := &cobra.Command{
		Use:   "validate <bpm>",
		Short: "Exit non-zero unless bpm is a usable tempo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bpm, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("%q: %w", args[0], link.ErrInvalidTempo)
			}
			if err := link.ValidateTempo(bpm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%g bpm ok (%.3f ms per clock pulse)\n", bpm, 60000/(bpm*wire.PPQN))
			return nil
		},
	}
	cmd.AddCommand(validate)
	return cmd
}
