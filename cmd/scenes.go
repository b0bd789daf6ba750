package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newScenesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenes",
		Short: "Manage stored scenes without running the engine",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored scenes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(root.cfg)
			if err != nil {
				return err
			}
			scenes, err := store.List()
			if err != nil {
				return err
			}
			if len(scenes) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no scenes in %s\n", store.Dir())
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tBPM\tOUTPUTS\tUPDATED\tNOTES")
			for _, s := range scenes {
				fmt.Fprintf(tw, "%s\t%.1f\t%d\t%s\t%s\n",
					s.Name, s.BPM, len(s.Route.Outputs), s.Updated.Format("2006-01-02 15:04"), s.Notes)
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a scene as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(root.cfg)
			if err != nil {
				return err
			}
			s, err := store.Get(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(root.cfg)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
