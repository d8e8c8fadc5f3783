package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <capability-id>",
	Short: "Show the version ledger of a capability, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		entries, err := rt.History(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No versions recorded for %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSOURCE\tARTIFACT\tREASON\tWHEN")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Version, e.Source, e.ArtifactRef, e.Reason,
				e.Timestamp.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var rollbackReason string

var rollbackCmd = &cobra.Command{
	Use:   "rollback <capability-id>",
	Short: "Reinstall the most recent prior version of a capability",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		prior, err := rt.Rollback(args[0], rollbackReason)
		if err != nil {
			return err
		}
		fmt.Printf("Rolled %s back to version %s (%s)\n", args[0], prior.Version, prior.ArtifactRef)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "why the current version is being rolled back")

	rootCmd.AddCommand(historyCmd, rollbackCmd)
}
