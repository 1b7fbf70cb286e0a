package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var prefixesCmd = &cobra.Command{
	Use:   "prefixes",
	Short: "List the sender prefixes you may send from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := directoryClient()
		if err != nil {
			return err
		}
		prefixes, err := dir.AllowedPrefixes(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(prefixes) == 0 {
			fmt.Fprintln(out, color.YellowString("No restrictions; any valid prefix may be used."))
			return nil
		}
		for _, p := range prefixes {
			if cfg.Sender.Domain != "" {
				fmt.Fprintf(out, "%s@%s\n", p, cfg.Sender.Domain)
			} else {
				fmt.Fprintln(out, p)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(prefixesCmd)
}
