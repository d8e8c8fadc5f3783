package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var capabilityCmd = &cobra.Command{
	Use:   "capability",
	Short: "Inspect and execute capabilities",
}

var capabilityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered capability",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		descs := rt.ListCapabilities()
		if len(descs) == 0 {
			fmt.Println("No capabilities registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tVERSION\tDESCRIPTION")
		for _, d := range descs {
			status := string(d.Status)
			if d.UnavailableReason != "" {
				status += " (" + d.UnavailableReason + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.ProviderKind, status, d.Version, d.Description)
		}
		return w.Flush()
	},
}

var capabilityExecCmd = &cobra.Command{
	Use:   "exec <id> [input-json]",
	Short: "Execute a capability with a JSON input object",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := map[string]any{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
				return fmt.Errorf("input is not a JSON object: %w", err)
			}
		}

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		out, err := rt.ExecuteCapability(context.Background(), args[0], input)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var capabilityShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the full descriptor of a capability",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		desc, err := rt.GetCapability(args[0])
		if err != nil {
			return err
		}
		return printJSON(desc)
	},
}

var briefMaxLen int

var capabilityBriefCmd = &cobra.Command{
	Use:   "brief",
	Short: "Print the bounded capability summary used in prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		fmt.Println(rt.GenerateBrief(briefMaxLen))
		return nil
	},
}

var capabilityStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		return printJSON(rt.Stats())
	},
}

var capabilityDeprecateCmd = &cobra.Command{
	Use:   "deprecate <id>",
	Short: "Retire a capability (entries are never deleted)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.DeprecateCapability(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deprecated %s\n", args[0])
		return nil
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	capabilityBriefCmd.Flags().IntVar(&briefMaxLen, "max-len", 2000, "maximum brief length in bytes")

	capabilityCmd.AddCommand(capabilityListCmd, capabilityExecCmd, capabilityShowCmd,
		capabilityBriefCmd, capabilityStatsCmd, capabilityDeprecateCmd)
	rootCmd.AddCommand(capabilityCmd)
}
