package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shineum/relaymail/internal/directory"
)

var recipientsCmd = &cobra.Command{
	Use:   "recipients",
	Short: "Search and manage the recipient directory",
}

var recipientsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := directoryClient()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		found := 0
		for r, err := range directory.Suggest(cmd.Context(), dir, args[0]) {
			if err != nil {
				return err
			}
			found++
			if r.Name != "" {
				fmt.Fprintf(out, "%s <%s>\n", r.Name, r.Email)
			} else {
				fmt.Fprintln(out, r.Email)
			}
		}
		if found == 0 {
			fmt.Fprintln(out, color.YellowString("No matches."))
		}
		return nil
	},
}

var recipientsRenameCmd = &cobra.Command{
	Use:   "rename <email> <name>",
	Short: "Change the display name of a directory entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := directoryClient()
		if err != nil {
			return err
		}
		if err := dir.Rename(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("✓ Renamed %s to %q", args[0], args[1]))
		return nil
	},
}

var recipientsDeleteCmd = &cobra.Command{
	Use:   "delete <email>",
	Short: "Remove an entry from the directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := directoryClient()
		if err != nil {
			return err
		}
		if err := dir.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("✓ Deleted %s", args[0]))
		return nil
	},
}

func init() {
	recipientsCmd.AddCommand(recipientsSearchCmd)
	recipientsCmd.AddCommand(recipientsRenameCmd)
	recipientsCmd.AddCommand(recipientsDeleteCmd)
	rootCmd.AddCommand(recipientsCmd)
}

func directoryClient() (*directory.Client, error) {
	if err := requireAPI(); err != nil {
		return nil, err
	}
	cl, err := newClients(cfg)
	if err != nil {
		return nil, err
	}
	return newDirectory(cfg, cl), nil
}
