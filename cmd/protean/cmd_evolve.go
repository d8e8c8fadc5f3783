package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"protean/internal/capability"
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Request and run capability evolutions",
}

var evolveKind string

var evolveRequestCmd = &cobra.Command{
	Use:   "request <id> <description>",
	Short: "Queue an evolution for a missing capability",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		recID, err := rt.RequestCapability(context.Background(), args[0], args[1],
			capability.ProviderKind(evolveKind))
		if err != nil {
			return err
		}
		fmt.Printf("Queued evolution %s for %s\n", recID, args[0])
		return nil
	},
}

var evolveRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every pending evolution to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.RunPendingEvolutions(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Processed %d evolution(s)\n", n)
		return nil
	},
}

var evolveRecordsCmd = &cobra.Command{
	Use:   "records [capability-id]",
	Short: "List evolution records, oldest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		capID := ""
		if len(args) == 1 {
			capID = args[0]
		}
		recs := rt.ListEvolutionRecords(capID)
		if len(recs) == 0 {
			fmt.Println("No evolution records.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RECORD\tCAPABILITY\tKIND\tSTATUS\tATTEMPTS\tCREATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.ID, r.CapabilityID, r.ProviderKind, r.Status, r.Attempt,
				r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var evolveRecordCmd = &cobra.Command{
	Use:   "record <record-id>",
	Short: "Show one evolution record with its full feedback history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.GetEvolutionRecord(args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var evolveUnblockCmd = &cobra.Command{
	Use:   "unblock <capability-id>",
	Short: "Allow a repeatedly failed capability to be requested again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if rt.UnblockCapability(args[0]) {
			fmt.Printf("Unblocked %s\n", args[0])
		} else {
			fmt.Printf("%s was not blocked\n", args[0])
		}
		return nil
	},
}

var evolveSurvivalCmd = &cobra.Command{
	Use:   "survival",
	Short: "Check the survival invariants gating evolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		return printJSON(rt.Survival(context.Background()))
	},
}

func init() {
	evolveRequestCmd.Flags().StringVar(&evolveKind, "kind", string(capability.KindScript),
		"provider kind for the new capability (script, dynlib, process)")

	evolveCmd.AddCommand(evolveRequestCmd, evolveRunCmd, evolveRecordsCmd,
		evolveRecordCmd, evolveUnblockCmd, evolveSurvivalCmd)
	rootCmd.AddCommand(evolveCmd)
}
