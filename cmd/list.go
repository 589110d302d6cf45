package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sw33tLie/casefile/pkg/storage"
)

var listCmd = &cobra.Command{
	Use:   "list <owner>",
	Short: "Print an owner's case file, newest scan first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		entries := st.Engine.List(cmd.Context(), args[0])
		if asJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No entries on file.")
			return nil
		}
		printEntries(entries)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEntries(entries []storage.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACCURACY\tSCANNED\tLOCATION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%s\n", e.ID, e.Name, e.Accuracy, formatMillis(e.ScannedAt), e.Location.Address)
	}
	w.Flush()
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Bool("json", false, "Print entries as JSON")
}
