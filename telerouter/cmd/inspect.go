package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sarchlab/telerouter/recording"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [recording.sqlite3]",
	Short: "Summarize a traffic recording.",
	Long: "`inspect` reads a SQLite traffic recording and prints how many " +
		"records it holds per event, per NACK code and per route.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := recording.Summarize(args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(summary)
		}

		printSummary(cmd, summary)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().Bool("json", false, "Print the summary as JSON.")
}

func printSummary(cmd *cobra.Command, s recording.Summary) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "runs:    %d\n", len(s.Runs))
	fmt.Fprintf(out, "records: %d\n", s.Total)

	fmt.Fprintln(out, "\nby event:")
	printCounts(cmd, s.ByEvent)

	if len(s.ByCode) > 0 {
		fmt.Fprintln(out, "\nby nack code:")
		printCounts(cmd, s.ByCode)
	}

	if len(s.Routes) > 0 {
		fmt.Fprintln(out, "\nroutes:")

		for _, r := range s.Routes {
			fmt.Fprintf(out, "  %4d -> %-4d %8d\n", r.Src, r.Dst, r.Count)
		}
	}
}

func printCounts(cmd *cobra.Command, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %8d\n", k, counts[k])
	}
}
